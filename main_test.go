package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koolBEANS829/spoty-rec/auth"
	"github.com/koolBEANS829/spoty-rec/catalog"
	"github.com/koolBEANS829/spoty-rec/db"
	"github.com/koolBEANS829/spoty-rec/engine"
	"github.com/koolBEANS829/spoty-rec/httputil"
	"github.com/koolBEANS829/spoty-rec/recs"
	"github.com/koolBEANS829/spoty-rec/spotify"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"
)

// --- helpers ---

type stubProvider struct {
	features map[string]map[string]float64
	tracks   []engine.TrackSummary
	err      error
}

func (s *stubProvider) AudioFeatures(ctx context.Context, token, trackID string) (map[string]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.features[trackID], nil
}

func (s *stubProvider) Recommendations(ctx context.Context, token string, seeds engine.SeedSet, limit int) ([]engine.TrackSummary, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.tracks, nil
}

func (s *stubProvider) SearchTracks(ctx context.Context, token, query string, limit int) ([]engine.TrackSummary, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.tracks, nil
}

func (s *stubProvider) Track(ctx context.Context, token, trackID string) (engine.TrackSummary, error) {
	return engine.TrackSummary{}, s.err
}

type testApp struct {
	db       *db.CompatDB
	provider *stubProvider
	engine   *engine.Engine
	auth     *auth.Handler
	catalog  *catalog.Handler
	recs     *recs.Handler
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	raw, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	// A single connection keeps the in-memory database alive and shared.
	raw.SetMaxOpenConns(1)
	raw.SetMaxIdleConns(1)
	if _, err := raw.Exec("PRAGMA foreign_keys=ON"); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if err := db.RunMigrations(raw, db.DialectSQLite); err != nil {
		t.Fatalf("schema migration: %v", err)
	}
	t.Cleanup(func() { raw.Close() })

	database := db.NewCompatDB(raw, db.DialectSQLite)
	provider := &stubProvider{features: map[string]map[string]float64{}}
	eng := engine.New(database, provider)
	return &testApp{
		db:       database,
		provider: provider,
		engine:   eng,
		auth:     &auth.Handler{DB: database, JWTSecret: "test-secret"},
		catalog: &catalog.Handler{
			DB: database, Engine: eng, Provider: provider,
			OAuth:     spotify.NewOAuthConfig("id", "secret", "http://localhost/callback"),
			JWTSecret: "test-secret",
		},
		recs: &recs.Handler{DB: database, Engine: eng},
	}
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return m
}

func registerUser(t *testing.T, app *testApp, username, password string) string {
	t.Helper()
	body := map[string]string{"username": username, "email": username + "@test.com", "password": password}
	b, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", "/api/auth/register", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	app.auth.HandleRegister(rec, req)
	if rec.Code != 201 {
		t.Fatalf("register failed: %d %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON(t, rec)
	return resp["token"].(string)
}

func authRequest(t *testing.T, app *testApp, method, url string, body interface{}, token string) *http.Request {
	t.Helper()
	var b []byte
	if body != nil {
		b, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, url, bytes.NewReader(b))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		if uid := auth.ExtractUserIDFromToken(req, "test-secret"); uid != "" {
			ctx := context.WithValue(req.Context(), auth.UserIDKey, uid)
			req = req.WithContext(ctx)
		}
	}
	return req
}

// withChiParam sets a chi URL parameter on the request context.
func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func seedCatalogSong(t *testing.T, app *testApp, spotifyID string, popularity int, features map[string]float64) int64 {
	t.Helper()
	var featuresJSON interface{}
	if features != nil {
		b, err := json.Marshal(features)
		if err != nil {
			t.Fatalf("marshal features: %v", err)
		}
		featuresJSON = string(b)
	}
	if _, err := app.db.Exec(
		`INSERT INTO songs (spotify_id, title, artist, popularity, features) VALUES (?, ?, 'artist', ?, ?)`,
		spotifyID, "song-"+spotifyID, popularity, featuresJSON); err != nil {
		t.Fatalf("seed song: %v", err)
	}
	var id int64
	if err := app.db.QueryRowContext(context.Background(),
		`SELECT id FROM songs WHERE spotify_id = ?`, spotifyID).Scan(&id); err != nil {
		t.Fatalf("read back song: %v", err)
	}
	return id
}

func testFeatures(v float64) map[string]float64 {
	return map[string]float64{
		"danceability": v, "energy": v, "speechiness": v, "acousticness": v,
		"instrumentalness": v, "liveness": v, "valence": v, "tempo": v * 250.0,
	}
}

// --- getEnv ---

func TestGetEnv(t *testing.T) {
	got := getEnv("SPOTYREC_NONEXISTENT_VAR_12345", "fallback")
	if got != "fallback" {
		t.Errorf("getEnv returned %q, want %q", got, "fallback")
	}

	t.Setenv("SPOTYREC_TEST_VAR", "real_value")
	got = getEnv("SPOTYREC_TEST_VAR", "fallback")
	if got != "real_value" {
		t.Errorf("getEnv returned %q, want %q", got, "real_value")
	}
}

// --- writeJSON ---

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	httputil.WriteJSON(rec, 201, map[string]string{"msg": "created"})

	if rec.Code != 201 {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	ct := rec.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("content-type = %q, want %q", ct, "application/json")
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["msg"] != "created" {
		t.Errorf("body msg = %q, want %q", resp["msg"], "created")
	}
}

// --- Train / Generate routes ---

func TestHandleTrain_EmptyCatalog(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("POST", "/api/recommendations/train", nil)
	rec := httptest.NewRecorder()
	app.recs.HandleTrain(rec, req)

	if rec.Code != 409 {
		t.Errorf("status = %d, want 409 (nothing to train on)", rec.Code)
	}
}

func TestHandleTrain_Success(t *testing.T) {
	app := newTestApp(t)
	seedCatalogSong(t, app, "sp-1", 50, testFeatures(0.5))

	req := httptest.NewRequest("POST", "/api/recommendations/train", nil)
	rec := httptest.NewRecorder()
	app.recs.HandleTrain(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleGenerate_Unauthorized(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("POST", "/api/recommendations/generate", nil)
	rec := httptest.NewRecorder()
	app.recs.HandleGenerate(rec, req)

	if rec.Code != 401 {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

// --- Feedback → recommendations flow ---

func TestFeedbackFlow_DeliversAndMarksShown(t *testing.T) {
	app := newTestApp(t)
	token := registerUser(t, app, "flowuser", "password123")

	for i := 0; i < 12; i++ {
		seedCatalogSong(t, app, fmt.Sprintf("sp-%d", i), 50+i, testFeatures(float64(i)/12.0))
	}

	// Six likes: the last one crosses the regenerate threshold.
	for i := 0; i < 6; i++ {
		body := map[string]interface{}{"spotify_id": fmt.Sprintf("sp-%d", i), "liked": true}
		req := authRequest(t, app, "POST", "/api/feedback", body, token)
		rec := httptest.NewRecorder()
		app.recs.HandleFeedback(rec, req)
		if rec.Code != 200 {
			t.Fatalf("feedback %d: status = %d; body: %s", i, rec.Code, rec.Body.String())
		}
	}

	// The regenerated batch is waiting.
	req := authRequest(t, app, "GET", "/api/recommendations", nil, token)
	rec := httptest.NewRecorder()
	app.recs.HandleGetRecommendations(rec, req)
	if rec.Code != 200 {
		t.Fatalf("get recs: status = %d; body: %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON(t, rec)
	recsList := resp["recommendations"].([]interface{})
	if len(recsList) == 0 {
		t.Fatal("no recommendations delivered after crossing the feedback threshold")
	}
	for _, raw := range recsList {
		row := raw.(map[string]interface{})
		for i := 0; i < 6; i++ {
			if row["spotify_id"] == fmt.Sprintf("sp-%d", i) {
				t.Errorf("rated song %v was delivered", row["spotify_id"])
			}
		}
	}

	// Delivery marked everything shown: a second fetch is empty.
	req = authRequest(t, app, "GET", "/api/recommendations", nil, token)
	rec = httptest.NewRecorder()
	app.recs.HandleGetRecommendations(rec, req)
	resp = decodeJSON(t, rec)
	if remaining := resp["recommendations"].([]interface{}); len(remaining) != 0 {
		t.Errorf("second fetch returned %d rows, want 0 (already shown)", len(remaining))
	}
}

func TestHandleFeedback_CreatesUnknownSong(t *testing.T) {
	app := newTestApp(t)
	token := registerUser(t, app, "creator", "password123")

	body := map[string]interface{}{
		"spotify_id": "sp-fresh",
		"liked":      true,
		"title":      "Fresh Track",
		"artist":     "New Artist",
		"features":   testFeatures(0.4),
	}
	req := authRequest(t, app, "POST", "/api/feedback", body, token)
	rec := httptest.NewRecorder()
	app.recs.HandleFeedback(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d; body: %s", rec.Code, rec.Body.String())
	}

	var title string
	var featuresJSON sql.NullString
	err := app.db.QueryRowContext(context.Background(),
		`SELECT title, features FROM songs WHERE spotify_id = 'sp-fresh'`).Scan(&title, &featuresJSON)
	if err != nil {
		t.Fatalf("song not created: %v", err)
	}
	if title != "Fresh Track" {
		t.Errorf("title = %q", title)
	}
	if !featuresJSON.Valid {
		t.Error("submitted features were not stored")
	}
}

func TestHandleFeedback_UnknownSongWithoutMetadata(t *testing.T) {
	app := newTestApp(t)
	token := registerUser(t, app, "nometa", "password123")

	body := map[string]interface{}{"spotify_id": "sp-ghost", "liked": true}
	req := authRequest(t, app, "POST", "/api/feedback", body, token)
	rec := httptest.NewRecorder()
	app.recs.HandleFeedback(rec, req)

	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleFeedback_MissingFields(t *testing.T) {
	app := newTestApp(t)
	token := registerUser(t, app, "badfeedback", "password123")

	req := authRequest(t, app, "POST", "/api/feedback", map[string]interface{}{"liked": true}, token)
	rec := httptest.NewRecorder()
	app.recs.HandleFeedback(rec, req)

	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// --- Provider routes ---

func TestHandleProviderRecs_NotLinked(t *testing.T) {
	app := newTestApp(t)
	token := registerUser(t, app, "unlinked", "password123")

	req := authRequest(t, app, "POST", "/api/recommendations/spotify", nil, token)
	rec := httptest.NewRecorder()
	app.recs.HandleProviderRecs(rec, req)

	if rec.Code != 403 {
		t.Errorf("status = %d, want 403 for unlinked account", rec.Code)
	}
}

func TestHandleSearch_RequiresQuery(t *testing.T) {
	app := newTestApp(t)
	token := registerUser(t, app, "searcher", "password123")

	req := authRequest(t, app, "GET", "/api/search", nil, token)
	rec := httptest.NewRecorder()
	app.catalog.HandleSearch(rec, req)

	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSearch_UpsertsResults(t *testing.T) {
	app := newTestApp(t)
	token := registerUser(t, app, "linkedsearcher", "password123")
	app.db.Exec(`UPDATE users SET spotify_access_token = 'tok' WHERE username = 'linkedsearcher'`)

	app.provider.tracks = []engine.TrackSummary{
		{ID: "sp-found", Title: "Found Song", Artist: "Someone", Popularity: 42},
	}

	req := authRequest(t, app, "GET", "/api/search?q=found", nil, token)
	rec := httptest.NewRecorder()
	app.catalog.HandleSearch(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d; body: %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON(t, rec)
	results := resp["results"].([]interface{})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	var count int
	app.db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM songs WHERE spotify_id = 'sp-found'`).Scan(&count)
	if count != 1 {
		t.Error("search hit was not folded into the catalog")
	}
}

func TestHandleAudioFeatures_UnknownSong(t *testing.T) {
	app := newTestApp(t)
	token := registerUser(t, app, "featuser", "password123")
	app.db.Exec(`UPDATE users SET spotify_access_token = 'tok' WHERE username = 'featuser'`)

	req := authRequest(t, app, "POST", "/api/songs/sp-missing/features", nil, token)
	req = withChiParam(req, "spotifyID", "sp-missing")
	rec := httptest.NewRecorder()
	app.catalog.HandleAudioFeatures(rec, req)

	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleAudioFeatures_StoresRecord(t *testing.T) {
	app := newTestApp(t)
	token := registerUser(t, app, "featstore", "password123")
	app.db.Exec(`UPDATE users SET spotify_access_token = 'tok' WHERE username = 'featstore'`)

	seedCatalogSong(t, app, "sp-bare", 10, nil)
	app.provider.features["sp-bare"] = testFeatures(0.6)

	req := authRequest(t, app, "POST", "/api/songs/sp-bare/features", nil, token)
	req = withChiParam(req, "spotifyID", "sp-bare")
	rec := httptest.NewRecorder()
	app.catalog.HandleAudioFeatures(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d; body: %s", rec.Code, rec.Body.String())
	}
	var featuresJSON sql.NullString
	app.db.QueryRowContext(context.Background(),
		`SELECT features FROM songs WHERE spotify_id = 'sp-bare'`).Scan(&featuresJSON)
	if !featuresJSON.Valid {
		t.Error("features not stored")
	}
}

// --- Account routes ---

func TestHandleMe(t *testing.T) {
	app := newTestApp(t)
	token := registerUser(t, app, "meuser", "password123")

	req := authRequest(t, app, "GET", "/api/me", nil, token)
	rec := httptest.NewRecorder()
	app.recs.HandleMe(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d; body: %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON(t, rec)
	if resp["username"] != "meuser" {
		t.Errorf("username = %v, want %q", resp["username"], "meuser")
	}
	if resp["spotify_linked"] != false {
		t.Errorf("spotify_linked = %v, want false", resp["spotify_linked"])
	}
	if resp["preference_count"].(float64) != 0 {
		t.Errorf("preference_count = %v, want 0", resp["preference_count"])
	}
}

func TestHandleListPreferences(t *testing.T) {
	app := newTestApp(t)
	token := registerUser(t, app, "prefuser", "password123")
	id := seedCatalogSong(t, app, "sp-rated", 30, nil)
	var userID string
	app.db.QueryRowContext(context.Background(),
		`SELECT id FROM users WHERE username = 'prefuser'`).Scan(&userID)
	app.db.Exec(`INSERT INTO preferences (user_id, song_id, rating) VALUES (?, ?, 1)`, userID, id)

	req := authRequest(t, app, "GET", "/api/me/preferences", nil, token)
	rec := httptest.NewRecorder()
	app.recs.HandleListPreferences(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d; body: %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON(t, rec)
	prefs := resp["preferences"].([]interface{})
	if len(prefs) != 1 {
		t.Fatalf("got %d preferences, want 1", len(prefs))
	}
	first := prefs[0].(map[string]interface{})
	if first["liked"] != true {
		t.Errorf("liked = %v, want true", first["liked"])
	}
	if first["spotify_id"] != "sp-rated" {
		t.Errorf("spotify_id = %v", first["spotify_id"])
	}
}

// --- Spotify linking ---

func TestHandleConnect_ReturnsAuthURL(t *testing.T) {
	app := newTestApp(t)
	token := registerUser(t, app, "connector", "password123")

	req := authRequest(t, app, "GET", "/api/spotify/connect", nil, token)
	rec := httptest.NewRecorder()
	app.catalog.HandleConnect(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d; body: %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON(t, rec)
	authURL, _ := resp["auth_url"].(string)
	if authURL == "" {
		t.Fatal("no auth_url in response")
	}
}

func TestHandleCallback_MissingParams(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("GET", "/api/spotify/callback", nil)
	rec := httptest.NewRecorder()
	app.catalog.HandleCallback(rec, req)

	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleCallback_BadState(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("GET", "/api/spotify/callback?state=garbage&code=abc", nil)
	rec := httptest.NewRecorder()
	app.catalog.HandleCallback(rec, req)

	if rec.Code != 401 {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
