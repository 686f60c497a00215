package catalog

import (
	"context"
	"database/sql"
	"log"
	"net/http"

	"github.com/koolBEANS829/spoty-rec/auth"
	"github.com/koolBEANS829/spoty-rec/db"
	"github.com/koolBEANS829/spoty-rec/engine"
	"github.com/koolBEANS829/spoty-rec/httputil"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"
)

// Handler serves catalog lookups and the Spotify account-linking flow.
type Handler struct {
	DB        *db.CompatDB
	Engine    *engine.Engine
	Provider  engine.Provider
	OAuth     *oauth2.Config
	JWTSecret string
}

// UserToken loads the stored Spotify access token for a user. An empty
// token means the account is not linked.
func UserToken(ctx context.Context, d *db.CompatDB, userID string) (string, error) {
	var token sql.NullString
	err := d.QueryRowContext(ctx,
		`SELECT spotify_access_token FROM users WHERE id = ?`, userID).Scan(&token)
	if err != nil {
		return "", err
	}
	return token.String, nil
}

// SearchResult is one row of a catalog search response: the provider's
// metadata plus the local song id it was upserted under.
type SearchResult struct {
	SongID     int64  `json:"song_id"`
	SpotifyID  string `json:"spotify_id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album,omitempty"`
	Popularity int    `json:"popularity"`
	PreviewURL string `json:"preview_url,omitempty"`
}

// HandleSearch runs a track search against the provider and folds every hit
// into the local catalog so it can be rated and recommended.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		httputil.WriteJSON(w, 400, map[string]string{"error": "q parameter is required"})
		return
	}

	token, err := UserToken(r.Context(), h.DB, userID)
	if err != nil || token == "" {
		httputil.WriteJSON(w, 403, map[string]string{"error": "spotify account not linked"})
		return
	}

	tracks, err := h.Provider.SearchTracks(r.Context(), token, query, 10)
	if err != nil {
		log.Printf("search: provider failed: %v", err)
		httputil.WriteJSON(w, 502, map[string]string{"error": "search provider unavailable"})
		return
	}

	results := make([]SearchResult, 0, len(tracks))
	for _, t := range tracks {
		songID, _, err := h.Engine.UpsertTrack(r.Context(), t)
		if err != nil {
			log.Printf("search: upsert track %s failed: %v", t.ID, err)
			continue
		}
		results = append(results, SearchResult{
			SongID:     songID,
			SpotifyID:  t.ID,
			Title:      t.Title,
			Artist:     t.Artist,
			Album:      t.Album,
			Popularity: t.Popularity,
			PreviewURL: t.PreviewURL,
		})
	}
	httputil.WriteJSON(w, 200, map[string]interface{}{"results": results})
}

// HandleAudioFeatures fetches and stores the audio-feature record for a
// catalog song identified by its Spotify id.
func (h *Handler) HandleAudioFeatures(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}
	spotifyID := chi.URLParam(r, "spotifyID")

	var songID int64
	err := h.DB.QueryRowContext(r.Context(),
		`SELECT id FROM songs WHERE spotify_id = ?`, spotifyID).Scan(&songID)
	if err == sql.ErrNoRows {
		httputil.WriteJSON(w, 404, map[string]string{"error": "song not found"})
		return
	}
	if err != nil {
		httputil.WriteJSON(w, 500, map[string]string{"error": "internal error"})
		return
	}

	token, err := UserToken(r.Context(), h.DB, userID)
	if err != nil || token == "" {
		httputil.WriteJSON(w, 403, map[string]string{"error": "spotify account not linked"})
		return
	}

	if err := h.Engine.AttachFeatures(r.Context(), token, songID, spotifyID); err != nil {
		log.Printf("features: %v", err)
		httputil.WriteJSON(w, 502, map[string]string{"error": "failed to fetch audio features"})
		return
	}
	httputil.WriteJSON(w, 200, map[string]string{"status": "features stored"})
}

// HandleConnect starts the Spotify authorization-code flow. The signed user
// token rides along as OAuth state so the callback can tie the grant back to
// the account without a session store.
func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}
	state := auth.GenerateToken(userID, h.JWTSecret)
	url := h.OAuth.AuthCodeURL(state, oauth2.AccessTypeOffline)
	httputil.WriteJSON(w, 200, map[string]string{"auth_url": url})
}

// HandleCallback finishes the authorization-code flow: it validates the
// state, exchanges the code, and stores both tokens on the user row.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		httputil.WriteJSON(w, 400, map[string]string{"error": "state and code are required"})
		return
	}

	stateReq := r.Clone(r.Context())
	stateReq.Header.Set("Authorization", "Bearer "+state)
	userID := auth.ExtractUserIDFromToken(stateReq, h.JWTSecret)
	if userID == "" {
		httputil.WriteJSON(w, 401, map[string]string{"error": "invalid state"})
		return
	}

	tok, err := h.OAuth.Exchange(r.Context(), code)
	if err != nil {
		log.Printf("spotify callback: exchange failed: %v", err)
		httputil.WriteJSON(w, 502, map[string]string{"error": "token exchange failed"})
		return
	}

	if _, err := h.DB.ExecContext(r.Context(), `
		UPDATE users SET spotify_access_token = ?, spotify_refresh_token = ? WHERE id = ?
	`, tok.AccessToken, tok.RefreshToken, userID); err != nil {
		httputil.WriteJSON(w, 500, map[string]string{"error": "failed to store tokens"})
		return
	}
	httputil.WriteJSON(w, 200, map[string]string{"status": "spotify account linked"})
}

// HandleRefresh exchanges the stored refresh token for a fresh access token.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}

	var refresh sql.NullString
	err := h.DB.QueryRowContext(r.Context(),
		`SELECT spotify_refresh_token FROM users WHERE id = ?`, userID).Scan(&refresh)
	if err != nil || !refresh.Valid || refresh.String == "" {
		httputil.WriteJSON(w, 403, map[string]string{"error": "spotify account not linked"})
		return
	}

	src := h.OAuth.TokenSource(r.Context(), &oauth2.Token{RefreshToken: refresh.String})
	tok, err := src.Token()
	if err != nil {
		log.Printf("spotify refresh: %v", err)
		httputil.WriteJSON(w, 502, map[string]string{"error": "token refresh failed"})
		return
	}

	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refresh.String
	}
	if _, err := h.DB.ExecContext(r.Context(), `
		UPDATE users SET spotify_access_token = ?, spotify_refresh_token = ? WHERE id = ?
	`, tok.AccessToken, newRefresh, userID); err != nil {
		httputil.WriteJSON(w, 500, map[string]string{"error": "failed to store tokens"})
		return
	}
	httputil.WriteJSON(w, 200, map[string]string{"status": "token refreshed"})
}
