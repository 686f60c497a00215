package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/koolBEANS829/spoty-rec/engine"
)

const (
	// DefaultBaseURL is the Spotify Web API root.
	DefaultBaseURL = "https://api.spotify.com/v1"

	// maxSeedsPerKind is the Spotify limit on seeds of one kind per
	// recommendations request.
	maxSeedsPerKind = 5
)

// defaultGenreSeeds back a recommendations request when the caller supplies
// no seeds at all.
var defaultGenreSeeds = []string{"pop", "rock", "hip-hop", "electronic", "r-n-b"}

// Client talks to the Spotify Web API with caller-supplied bearer tokens.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

var _ engine.Provider = (*Client)(nil)

// NewClient constructs a Spotify client. A nil httpClient gets a 10-second
// timeout; an empty baseURL targets the public API.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// getJSON performs an authenticated GET and decodes the response into out.
// Non-2xx responses surface as errors; there is no retry.
func (c *Client) getJSON(ctx context.Context, token, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("spotify: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("spotify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("spotify: status %d from %s", resp.StatusCode, req.URL.Path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("spotify: decode response: %w", err)
	}
	return nil
}

// AudioFeatures fetches the numeric audio-analysis record for a track.
func (c *Client) AudioFeatures(ctx context.Context, token, trackID string) (map[string]float64, error) {
	var body audioFeaturesObject
	if err := c.getJSON(ctx, token, c.baseURL+"/audio-features/"+url.PathEscape(trackID), &body); err != nil {
		return nil, err
	}
	return body.toMap(), nil
}

// Recommendations asks Spotify for candidate tracks around the given seeds.
// Each seed kind is capped at five; with no seeds at all a default genre mix
// is used so the request stays valid.
func (c *Client) Recommendations(ctx context.Context, token string, seeds engine.SeedSet, limit int) ([]engine.TrackSummary, error) {
	u, err := url.Parse(c.baseURL + "/recommendations")
	if err != nil {
		return nil, fmt.Errorf("spotify: %w", err)
	}

	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	tracks := capSeeds(seeds.Tracks)
	genres := capSeeds(seeds.Genres)
	artists := capSeeds(seeds.Artists)
	if len(tracks) == 0 && len(genres) == 0 && len(artists) == 0 {
		genres = defaultGenreSeeds
	}
	if len(tracks) > 0 {
		q.Set("seed_tracks", strings.Join(tracks, ","))
	}
	if len(genres) > 0 {
		q.Set("seed_genres", strings.Join(genres, ","))
	}
	if len(artists) > 0 {
		q.Set("seed_artists", strings.Join(artists, ","))
	}
	u.RawQuery = q.Encode()

	var body recommendationsResponse
	if err := c.getJSON(ctx, token, u.String(), &body); err != nil {
		return nil, err
	}
	out := make([]engine.TrackSummary, 0, len(body.Tracks))
	for _, t := range body.Tracks {
		out = append(out, t.toSummary())
	}
	return out, nil
}

// SearchTracks runs a track search and returns the matching summaries.
func (c *Client) SearchTracks(ctx context.Context, token, query string, limit int) ([]engine.TrackSummary, error) {
	u, err := url.Parse(c.baseURL + "/search")
	if err != nil {
		return nil, fmt.Errorf("spotify: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("type", "track")
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	var body searchResponse
	if err := c.getJSON(ctx, token, u.String(), &body); err != nil {
		return nil, err
	}
	out := make([]engine.TrackSummary, 0, len(body.Tracks.Items))
	for _, t := range body.Tracks.Items {
		out = append(out, t.toSummary())
	}
	return out, nil
}

// Track fetches a single track by its Spotify id.
func (c *Client) Track(ctx context.Context, token, trackID string) (engine.TrackSummary, error) {
	var body trackObject
	if err := c.getJSON(ctx, token, c.baseURL+"/tracks/"+url.PathEscape(trackID), &body); err != nil {
		return engine.TrackSummary{}, err
	}
	return body.toSummary(), nil
}

func capSeeds(seeds []string) []string {
	if len(seeds) > maxSeedsPerKind {
		return seeds[:maxSeedsPerKind]
	}
	return seeds
}
