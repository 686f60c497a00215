package spotify

import (
	"strings"

	"github.com/koolBEANS829/spoty-rec/engine"
)

// trackObject is the Spotify Web API representation of a track.
type trackObject struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Popularity int    `json:"popularity"`
	PreviewURL string `json:"preview_url"`
	Album      struct {
		Name string `json:"name"`
	} `json:"album"`
	Artists []struct {
		Name string `json:"name"`
	} `json:"artists"`
}

func (t trackObject) toSummary() engine.TrackSummary {
	names := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		if a.Name != "" {
			names = append(names, a.Name)
		}
	}
	return engine.TrackSummary{
		ID:         t.ID,
		Title:      t.Name,
		Artist:     strings.Join(names, ", "),
		Album:      t.Album.Name,
		Popularity: t.Popularity,
		PreviewURL: t.PreviewURL,
	}
}

// audioFeaturesObject is the Spotify Web API audio-features payload. Only
// the numeric analysis fields matter downstream; ids and URLs are dropped.
type audioFeaturesObject struct {
	Danceability     float64 `json:"danceability"`
	Energy           float64 `json:"energy"`
	Key              float64 `json:"key"`
	Loudness         float64 `json:"loudness"`
	Mode             float64 `json:"mode"`
	Speechiness      float64 `json:"speechiness"`
	Acousticness     float64 `json:"acousticness"`
	Instrumentalness float64 `json:"instrumentalness"`
	Liveness         float64 `json:"liveness"`
	Valence          float64 `json:"valence"`
	Tempo            float64 `json:"tempo"`
}

func (f audioFeaturesObject) toMap() map[string]float64 {
	return map[string]float64{
		"danceability":     f.Danceability,
		"energy":           f.Energy,
		"key":              f.Key,
		"loudness":         f.Loudness,
		"mode":             f.Mode,
		"speechiness":      f.Speechiness,
		"acousticness":     f.Acousticness,
		"instrumentalness": f.Instrumentalness,
		"liveness":         f.Liveness,
		"valence":          f.Valence,
		"tempo":            f.Tempo,
	}
}

type searchResponse struct {
	Tracks struct {
		Items []trackObject `json:"items"`
	} `json:"tracks"`
}

type recommendationsResponse struct {
	Tracks []trackObject `json:"tracks"`
}
