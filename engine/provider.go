package engine

import "context"

// TrackSummary is the subset of an external catalog track the engine
// consumes. ID is the provider's track id, not a local song id.
type TrackSummary struct {
	ID         string
	Title      string
	Artist     string
	Album      string
	Genre      string
	Popularity int
	PreviewURL string
}

// SeedSet carries the seed ids for a provider recommendation request.
// At most one kind is used, capped at five seeds by the provider client.
type SeedSet struct {
	Tracks  []string
	Genres  []string
	Artists []string
}

// Provider is the external music catalog the engine pulls tracks and audio
// features from. Every call takes the caller's bearer credential; any
// non-success response or transport failure surfaces as an error with no
// internal retry.
type Provider interface {
	AudioFeatures(ctx context.Context, token, trackID string) (map[string]float64, error)
	Recommendations(ctx context.Context, token string, seeds SeedSet, limit int) ([]TrackSummary, error)
	SearchTracks(ctx context.Context, token, query string, limit int) ([]TrackSummary, error)
	Track(ctx context.Context, token, trackID string) (TrackSummary, error)
}
