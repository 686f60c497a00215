package recs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/koolBEANS829/spoty-rec/auth"
	"github.com/koolBEANS829/spoty-rec/catalog"
	"github.com/koolBEANS829/spoty-rec/db"
	"github.com/koolBEANS829/spoty-rec/engine"
	"github.com/koolBEANS829/spoty-rec/httputil"
)

// Handler serves recommendation generation, delivery, and the feedback loop.
type Handler struct {
	DB     *db.CompatDB
	Engine *engine.Engine
}

// HandleTrain rebuilds the recommendation model from the current catalog.
func (h *Handler) HandleTrain(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Train(r.Context()); err != nil {
		if errors.Is(err, engine.ErrNoTrainingData) {
			httputil.WriteJSON(w, 409, map[string]string{"error": "no song features available to train on"})
			return
		}
		log.Printf("train: %v", err)
		httputil.WriteJSON(w, 500, map[string]string{"error": "training failed"})
		return
	}
	httputil.WriteJSON(w, 200, map[string]string{"status": "model trained"})
}

// HandleGenerate produces a fresh recommendation batch for the caller.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}
	if err := h.Engine.Generate(r.Context(), userID); err != nil {
		if errors.Is(err, engine.ErrNoTrainingData) {
			httputil.WriteJSON(w, 409, map[string]string{"error": "no song features available to train on"})
			return
		}
		log.Printf("generate: %v", err)
		httputil.WriteJSON(w, 500, map[string]string{"error": "recommendation generation failed"})
		return
	}
	httputil.WriteJSON(w, 200, map[string]string{"status": "recommendations generated"})
}

// HandleProviderRecs pulls recommendation candidates from the linked Spotify
// account into the local catalog.
func (h *Handler) HandleProviderRecs(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}
	token, err := catalog.UserToken(r.Context(), h.DB, userID)
	if err != nil || token == "" {
		httputil.WriteJSON(w, 403, map[string]string{"error": "spotify account not linked"})
		return
	}
	if err := h.Engine.SyncFromProvider(r.Context(), userID, token); err != nil {
		log.Printf("provider recs: %v", err)
		httputil.WriteJSON(w, 502, map[string]string{"error": "provider sync failed"})
		return
	}
	httputil.WriteJSON(w, 200, map[string]string{"status": "provider recommendations stored"})
}

// FeedbackRequest is the JSON body for POST /api/feedback. Songs are
// addressed by Spotify id; unknown songs are created on the fly when the
// caller supplies at least a title and artist.
type FeedbackRequest struct {
	SpotifyID string             `json:"spotify_id"`
	Liked     *bool              `json:"liked"`
	Title     string             `json:"title"`
	Artist    string             `json:"artist"`
	Features  map[string]float64 `json:"features,omitempty"`
}

// HandleFeedback records a like or dislike and lets the engine decide
// whether the accumulated signal warrants a regenerate.
func (h *Handler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}
	httputil.MaxBody(r, httputil.DefaultBodyLimit)

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, 400, map[string]string{"error": "invalid request body"})
		return
	}
	if req.SpotifyID == "" || req.Liked == nil {
		httputil.WriteJSON(w, 400, map[string]string{"error": "spotify_id and liked are required"})
		return
	}

	songID, err := h.resolveSong(r.Context(), req)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			httputil.WriteJSON(w, 404, map[string]string{"error": "song not found"})
			return
		}
		log.Printf("feedback: resolve song %s: %v", req.SpotifyID, err)
		httputil.WriteJSON(w, 500, map[string]string{"error": "internal error"})
		return
	}

	if err := h.Engine.ProcessFeedback(r.Context(), userID, songID, *req.Liked); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			httputil.WriteJSON(w, 404, map[string]string{"error": "song not found"})
			return
		}
		log.Printf("feedback: %v", err)
		httputil.WriteJSON(w, 500, map[string]string{"error": "failed to record feedback"})
		return
	}
	httputil.WriteJSON(w, 200, map[string]string{"status": "feedback recorded"})
}

// resolveSong maps a Spotify id to a local song id, creating the catalog row
// when the caller supplied enough metadata to do so.
func (h *Handler) resolveSong(ctx context.Context, req FeedbackRequest) (int64, error) {
	var songID int64
	err := h.DB.QueryRowContext(ctx,
		`SELECT id FROM songs WHERE spotify_id = ?`, req.SpotifyID).Scan(&songID)
	if err == nil {
		return songID, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	if req.Title == "" || req.Artist == "" {
		return 0, engine.ErrNotFound
	}

	songID, _, err = h.Engine.UpsertTrack(ctx, engine.TrackSummary{
		ID:     req.SpotifyID,
		Title:  req.Title,
		Artist: req.Artist,
	})
	if err != nil {
		return 0, err
	}
	if len(req.Features) > 0 {
		buf, err := json.Marshal(req.Features)
		if err != nil {
			return 0, err
		}
		if _, err := h.DB.ExecContext(ctx,
			`UPDATE songs SET features = ? WHERE id = ?`, string(buf), songID); err != nil {
			return 0, err
		}
	}
	return songID, nil
}

// Recommendation is one delivered row: the score plus enough song metadata
// to render it.
type Recommendation struct {
	SongID     int64   `json:"song_id"`
	SpotifyID  string  `json:"spotify_id"`
	Title      string  `json:"title"`
	Artist     string  `json:"artist"`
	Album      string  `json:"album,omitempty"`
	PreviewURL string  `json:"preview_url,omitempty"`
	Score      float64 `json:"score"`
}

// HandleGetRecommendations delivers the caller's unshown batch, highest
// score first, and marks every delivered row shown in the same transaction
// so a repeat call never serves the same row twice.
func (h *Handler) HandleGetRecommendations(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}

	var out []Recommendation
	err := db.WithTx(r.Context(), h.DB, func(conn *db.CompatConn) error {
		rows, err := conn.QueryContext(r.Context(), `
			SELECT rec.id, rec.song_id, rec.score,
			       s.spotify_id, s.title, s.artist,
			       COALESCE(s.album, ''), COALESCE(s.preview_url, '')
			FROM recommendations rec
			JOIN songs s ON s.id = rec.song_id
			WHERE rec.user_id = ? AND rec.is_shown = 0
			ORDER BY rec.score DESC
			LIMIT 10
		`, userID)
		if err != nil {
			return err
		}

		var rowIDs []int64
		for rows.Next() {
			var rowID int64
			var rec Recommendation
			if err := rows.Scan(&rowID, &rec.SongID, &rec.Score,
				&rec.SpotifyID, &rec.Title, &rec.Artist, &rec.Album, &rec.PreviewURL); err != nil {
				rows.Close()
				return err
			}
			rowIDs = append(rowIDs, rowID)
			out = append(out, rec)
		}
		iterErr := rows.Err()
		rows.Close()
		if iterErr != nil {
			return iterErr
		}
		if len(rowIDs) == 0 {
			return nil
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(rowIDs)), ", ")
		args := make([]interface{}, len(rowIDs))
		for i, id := range rowIDs {
			args[i] = id
		}
		_, err = conn.ExecContext(r.Context(),
			fmt.Sprintf(`UPDATE recommendations SET is_shown = 1 WHERE id IN (%s)`, placeholders),
			args...)
		return err
	})
	if err != nil {
		log.Printf("get recommendations: %v", err)
		httputil.WriteJSON(w, 500, map[string]string{"error": "internal error"})
		return
	}
	if out == nil {
		out = []Recommendation{}
	}
	httputil.WriteJSON(w, 200, map[string]interface{}{"recommendations": out})
}

// Preference is one row of the caller's rating history.
type Preference struct {
	SongID    int64  `json:"song_id"`
	SpotifyID string `json:"spotify_id"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	Liked     bool   `json:"liked"`
	UpdatedAt string `json:"updated_at"`
}

// HandleListPreferences returns every song the caller has rated, most
// recent first.
func (h *Handler) HandleListPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}

	rows, err := h.DB.QueryContext(r.Context(), `
		SELECT p.song_id, s.spotify_id, s.title, s.artist, p.rating, p.updated_at
		FROM preferences p
		JOIN songs s ON s.id = p.song_id
		WHERE p.user_id = ?
		ORDER BY p.updated_at DESC
	`, userID)
	if err != nil {
		httputil.WriteJSON(w, 500, map[string]string{"error": "internal error"})
		return
	}
	defer rows.Close()

	prefs := []Preference{}
	for rows.Next() {
		var p Preference
		var rating int
		if err := rows.Scan(&p.SongID, &p.SpotifyID, &p.Title, &p.Artist, &rating, &p.UpdatedAt); err != nil {
			continue
		}
		p.Liked = rating == 1
		prefs = append(prefs, p)
	}
	if err := rows.Err(); err != nil {
		httputil.WriteJSON(w, 500, map[string]string{"error": "internal error"})
		return
	}
	httputil.WriteJSON(w, 200, map[string]interface{}{"preferences": prefs})
}

// HandleMe returns the caller's account summary.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}

	var username, email, createdAt string
	var spotifyToken sql.NullString
	err := h.DB.QueryRowContext(r.Context(), `
		SELECT username, email, created_at, spotify_access_token
		FROM users WHERE id = ?
	`, userID).Scan(&username, &email, &createdAt, &spotifyToken)
	if err != nil {
		httputil.WriteJSON(w, 404, map[string]string{"error": "user not found"})
		return
	}

	var prefCount int
	if err := h.DB.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM preferences WHERE user_id = ?`, userID).Scan(&prefCount); err != nil {
		httputil.WriteJSON(w, 500, map[string]string{"error": "internal error"})
		return
	}

	httputil.WriteJSON(w, 200, map[string]interface{}{
		"user_id":          userID,
		"username":         username,
		"email":            email,
		"created_at":       createdAt,
		"preference_count": prefCount,
		"spotify_linked":   spotifyToken.Valid && spotifyToken.String != "",
	})
}
