package engine

import (
	"context"
	"fmt"
	"log"
)

// BuildProfile computes the user's taste profile: the component-wise mean
// of the feature vectors of every song the user has liked. Songs without a
// stored feature record are skipped. Returns false when no liked song
// contributes a vector — that is the defined fallback branch, not an error.
func (e *Engine) BuildProfile(ctx context.Context, userID string) (Vector, bool, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT s.features
		FROM preferences p
		JOIN songs s ON s.id = p.song_id
		WHERE p.user_id = ? AND p.rating = 1 AND s.features IS NOT NULL
	`, userID)
	if err != nil {
		return Vector{}, false, fmt.Errorf("load liked songs: %w", err)
	}
	defer rows.Close()

	var sum Vector
	count := 0
	for rows.Next() {
		var featuresJSON []byte
		if err := rows.Scan(&featuresJSON); err != nil {
			continue
		}
		raw, err := parseRawFeatures(featuresJSON)
		if err != nil {
			log.Printf("BuildProfile: bad feature record skipped: %v", err)
			continue
		}
		vec, ok := ExtractVector(raw)
		if !ok {
			continue
		}
		for i := range sum {
			sum[i] += vec[i]
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return Vector{}, false, fmt.Errorf("iterate liked songs: %w", err)
	}

	if count == 0 {
		return Vector{}, false, nil
	}
	for i := range sum {
		sum[i] /= float64(count)
	}
	return sum, true, nil
}
