package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/koolBEANS829/spoty-rec/db"
)

var (
	// ErrNoTrainingData means no catalog song carries a feature record, so
	// there is nothing to fit a model on. Non-fatal: callers report failure
	// and may retry after the catalog grows.
	ErrNoTrainingData = errors.New("engine: no song features available for training")

	// ErrNotFound means a referenced song or user does not exist. The
	// operation fails without mutating state.
	ErrNotFound = errors.New("engine: not found")
)

const (
	// defaultBatchSize is n: how many recommendations a batch holds.
	defaultBatchSize = 10

	// feedbackRegenThreshold is the prior-preference count at which every
	// subsequent feedback call triggers a fresh generate. It re-fires on
	// each call once crossed; there is no "already regenerated" memory.
	feedbackRegenThreshold = 5

	// providerFetchLimit is how many candidate tracks a provider sync asks for.
	providerFetchLimit = 20

	// providerRecScore is the fixed score for externally-sourced recommendations.
	providerRecScore = 0.9
)

// Engine generates and maintains per-user song recommendations. It owns the
// nearest-neighbor snapshot; all persistent state lives in the store.
type Engine struct {
	db       *db.CompatDB
	provider Provider

	mu    sync.RWMutex
	index *Index // nil until the first successful Train
}

// New constructs an Engine over the given store and catalog provider.
func New(database *db.CompatDB, provider Provider) *Engine {
	return &Engine{db: database, provider: provider}
}

// snapshot returns the current trained index, or nil if untrained.
func (e *Engine) snapshot() *Index {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index
}

// Train rebuilds the nearest-neighbor index from every catalog song that
// has a feature record. On success the new snapshot replaces the old one
// atomically; on failure the previous snapshot (if any) stays in service.
func (e *Engine) Train(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, features FROM songs WHERE features IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("load songs for training: %w", err)
	}
	defer rows.Close()

	var entries []kdEntry
	for rows.Next() {
		var id int64
		var featuresJSON []byte
		if err := rows.Scan(&id, &featuresJSON); err != nil {
			continue
		}
		raw, err := parseRawFeatures(featuresJSON)
		if err != nil {
			log.Printf("Train: bad feature record for song %d skipped: %v", id, err)
			continue
		}
		vec, ok := ExtractVector(raw)
		if !ok {
			continue
		}
		entries = append(entries, kdEntry{id: id, vec: vec})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate songs for training: %w", err)
	}

	if len(entries) == 0 {
		log.Printf("Train: no song features available, index left untrained")
		return ErrNoTrainingData
	}

	idx := buildIndex(entries)
	e.mu.Lock()
	e.index = idx
	e.mu.Unlock()

	log.Printf("Train: model trained with %d songs", idx.Len())
	return nil
}

// scoredSong is one row of a recommendation batch about to be persisted.
type scoredSong struct {
	SongID int64
	Score  float64
}

// Generate produces a fresh recommendation batch for the user. With no
// taste profile it falls back to popularity ranking; otherwise it queries
// the neighbor index around the profile vector, drops every song the user
// has already rated, and persists the nearest n with score 1/(1+distance).
// The batch replaces any previous unshown batch; nothing is returned —
// callers read the persisted rows.
func (e *Engine) Generate(ctx context.Context, userID string) error {
	idx := e.snapshot()
	if idx == nil {
		if err := e.Train(ctx); err != nil {
			return fmt.Errorf("generate: %w", err)
		}
		idx = e.snapshot()
	}

	profile, ok, err := e.BuildProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	if !ok {
		log.Printf("Generate: user %s has no taste profile, using popularity fallback", userID)
		return e.popularityRecommendations(ctx, userID)
	}

	// Over-fetch so the rated-song filter still leaves a full batch.
	neighbors := idx.Query(profile, 2*defaultBatchSize)

	rated, err := e.ratedSongIDs(ctx, userID)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	batch := make([]scoredSong, 0, defaultBatchSize)
	for _, nb := range neighbors {
		if _, seen := rated[nb.SongID]; seen {
			continue
		}
		batch = append(batch, scoredSong{SongID: nb.SongID, Score: 1.0 / (1.0 + nb.Distance)})
		if len(batch) == defaultBatchSize {
			break
		}
	}

	if err := e.storeRecommendations(ctx, userID, batch); err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	log.Printf("Generate: stored %d model recommendations for user %s", len(batch), userID)
	return nil
}

// popularityRecommendations ranks the catalog by popularity for users with
// no taste profile. Scores are a strictly decreasing sequence from 1.0 in
// steps of 0.05 per rank.
func (e *Engine) popularityRecommendations(ctx context.Context, userID string) error {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id FROM songs
		ORDER BY COALESCE(popularity, 0) DESC
		LIMIT ?
	`, 2*defaultBatchSize)
	if err != nil {
		return fmt.Errorf("load popular songs: %w", err)
	}
	defer rows.Close()

	var popular []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			continue
		}
		popular = append(popular, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate popular songs: %w", err)
	}

	rated, err := e.ratedSongIDs(ctx, userID)
	if err != nil {
		return err
	}

	batch := make([]scoredSong, 0, defaultBatchSize)
	for _, id := range popular {
		if _, seen := rated[id]; seen {
			continue
		}
		batch = append(batch, scoredSong{SongID: id, Score: 1.0 - float64(len(batch))*0.05})
		if len(batch) == defaultBatchSize {
			break
		}
	}

	if err := e.storeRecommendations(ctx, userID, batch); err != nil {
		return err
	}
	log.Printf("Generate: stored %d popularity recommendations for user %s", len(batch), userID)
	return nil
}

// ratedSongIDs returns every song the user has judged, liked or disliked.
// Rated songs are never recommended again.
func (e *Engine) ratedSongIDs(ctx context.Context, userID string) (map[int64]struct{}, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT song_id FROM preferences WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("load rated songs: %w", err)
	}
	defer rows.Close()

	rated := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			continue
		}
		rated[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rated songs: %w", err)
	}
	return rated, nil
}

// storeRecommendations atomically replaces the user's unshown batch: old
// unshown rows are deleted and the new batch inserted in one transaction.
// Rows already shown to the user are untouched.
func (e *Engine) storeRecommendations(ctx context.Context, userID string, batch []scoredSong) error {
	nowExpr := e.db.NowUTC()
	return db.WithTx(ctx, e.db, func(conn *db.CompatConn) error {
		if _, err := conn.ExecContext(ctx,
			`DELETE FROM recommendations WHERE user_id = ? AND is_shown = 0`, userID); err != nil {
			return fmt.Errorf("clear unshown recommendations: %w", err)
		}
		for _, rec := range batch {
			if _, err := conn.ExecContext(ctx,
				`INSERT INTO recommendations (user_id, song_id, score, is_shown, created_at)
				 VALUES (?, ?, ?, 0, `+nowExpr+`)`,
				userID, rec.SongID, rec.Score); err != nil {
				return fmt.Errorf("insert recommendation: %w", err)
			}
		}
		return nil
	})
}

// ProcessFeedback records a like/dislike for a song and, once the user has
// accumulated enough prior signal, immediately regenerates their
// recommendations. The prior count is read fresh on every call, so the
// regenerate keeps firing after the threshold is crossed.
func (e *Engine) ProcessFeedback(ctx context.Context, userID string, songID int64, liked bool) error {
	var exists int
	err := e.db.QueryRowContext(ctx, `SELECT 1 FROM songs WHERE id = ?`, songID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("song %d: %w", songID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("look up song: %w", err)
	}

	var priorCount int
	if err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM preferences WHERE user_id = ?`, userID).Scan(&priorCount); err != nil {
		return fmt.Errorf("count preferences: %w", err)
	}

	rating := 0
	if liked {
		rating = 1
	}
	if _, err := e.db.ExecContext(ctx, `
		INSERT INTO preferences (user_id, song_id, rating, updated_at)
		VALUES (?, ?, ?, `+e.db.NowUTC()+`)
		ON CONFLICT (user_id, song_id)
		DO UPDATE SET rating = excluded.rating, updated_at = excluded.updated_at
	`, userID, songID, rating); err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	log.Printf("ProcessFeedback: user %s rated song %d (liked=%v)", userID, songID, liked)

	if priorCount >= feedbackRegenThreshold {
		// The feedback itself is already stored; a failed regenerate is
		// logged and the next one will pick the new signal up.
		if err := e.Generate(ctx, userID); err != nil {
			log.Printf("ProcessFeedback: regenerate for user %s failed: %v", userID, err)
		}
	}
	return nil
}

// UpsertTrack inserts a provider track into the catalog if its external id
// is unknown, and reports whether a row was created. Songs are never
// deleted, so the returned id stays valid.
func (e *Engine) UpsertTrack(ctx context.Context, t TrackSummary) (int64, bool, error) {
	var id int64
	err := e.db.QueryRowContext(ctx,
		`SELECT id FROM songs WHERE spotify_id = ?`, t.ID).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("look up song by external id: %w", err)
	}

	if _, err := e.db.ExecContext(ctx, `
		INSERT INTO songs (spotify_id, title, artist, album, genre, popularity, preview_url)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (spotify_id) DO NOTHING
	`, t.ID, t.Title, t.Artist, nullable(t.Album), nullable(t.Genre), t.Popularity, nullable(t.PreviewURL)); err != nil {
		return 0, false, fmt.Errorf("insert song: %w", err)
	}

	if err := e.db.QueryRowContext(ctx,
		`SELECT id FROM songs WHERE spotify_id = ?`, t.ID).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("re-read inserted song: %w", err)
	}
	return id, true, nil
}

// AttachFeatures fetches the raw audio-feature record for a song from the
// provider and stores it on the catalog row. On provider failure the song
// simply stays vectorless until a later fetch succeeds.
func (e *Engine) AttachFeatures(ctx context.Context, token string, songID int64, trackID string) error {
	raw, err := e.provider.AudioFeatures(ctx, token, trackID)
	if err != nil {
		return fmt.Errorf("fetch audio features for %s: %w", trackID, err)
	}
	if len(raw) == 0 {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode audio features: %w", err)
	}
	if _, err := e.db.ExecContext(ctx,
		`UPDATE songs SET features = ? WHERE id = ?`, string(buf), songID); err != nil {
		return fmt.Errorf("store audio features: %w", err)
	}
	return nil
}

// SyncFromProvider seeds the external provider with the user's five most
// recently liked tracks, upserts the returned candidates into the catalog
// (fetching features for newly created songs), and records a fixed
// high-score recommendation per candidate unless an unshown one already
// exists. Users with no liked songs skip the provider entirely and get the
// popularity fallback.
func (e *Engine) SyncFromProvider(ctx context.Context, userID, token string) error {
	rows, err := e.db.QueryContext(ctx, `
		SELECT s.spotify_id
		FROM preferences p
		JOIN songs s ON s.id = p.song_id
		WHERE p.user_id = ? AND p.rating = 1
		ORDER BY p.updated_at DESC
		LIMIT 5
	`, userID)
	if err != nil {
		return fmt.Errorf("load seed tracks: %w", err)
	}
	var seeds []string
	for rows.Next() {
		var spotifyID string
		if err := rows.Scan(&spotifyID); err != nil {
			continue
		}
		seeds = append(seeds, spotifyID)
	}
	iterErr := rows.Err()
	rows.Close()
	if iterErr != nil {
		return fmt.Errorf("iterate seed tracks: %w", iterErr)
	}

	if len(seeds) == 0 {
		log.Printf("SyncFromProvider: user %s has no liked songs, using popularity fallback", userID)
		return e.popularityRecommendations(ctx, userID)
	}

	tracks, err := e.provider.Recommendations(ctx, token, SeedSet{Tracks: seeds}, providerFetchLimit)
	if err != nil {
		log.Printf("SyncFromProvider: provider recommendations failed: %v", err)
		return fmt.Errorf("provider recommendations: %w", err)
	}

	stored := 0
	for _, t := range tracks {
		songID, created, err := e.UpsertTrack(ctx, t)
		if err != nil {
			return fmt.Errorf("sync track %s: %w", t.ID, err)
		}
		if created {
			if err := e.AttachFeatures(ctx, token, songID, t.ID); err != nil {
				// Partial progress is fine: the song persists without a
				// vector and stays out of training until features arrive.
				log.Printf("SyncFromProvider: %v", err)
			}
		}

		var existing int
		err = e.db.QueryRowContext(ctx, `
			SELECT 1 FROM recommendations
			WHERE user_id = ? AND song_id = ? AND is_shown = 0
		`, userID, songID).Scan(&existing)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check existing recommendation: %w", err)
		}

		if _, err := e.db.ExecContext(ctx, `
			INSERT INTO recommendations (user_id, song_id, score, is_shown, created_at)
			VALUES (?, ?, ?, 0, `+e.db.NowUTC()+`)
		`, userID, songID, providerRecScore); err != nil {
			return fmt.Errorf("insert provider recommendation: %w", err)
		}
		stored++
	}

	log.Printf("SyncFromProvider: stored %d provider recommendations for user %s", stored, userID)
	return nil
}

// nullable maps empty strings to SQL NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
