package engine

import "encoding/json"

// VectorDim is the number of audio features used by the model.
const VectorDim = 11

// Vector is a normalized audio-feature descriptor. Component order:
// danceability, energy, key, loudness, mode, speechiness, acousticness,
// instrumentalness, liveness, valence, tempo. Key, loudness and tempo are
// divided by fixed normalizers so every component lands in a bounded range.
type Vector [VectorDim]float64

// Normalization divisors for the unbounded raw fields. Key is 0-11,
// loudness is typically -60..0 dB, tempo rarely exceeds 250 BPM.
const (
	keyNorm      = 11.0
	loudnessNorm = -60.0
	tempoNorm    = 250.0
)

// ExtractVector converts a raw audio-feature record into a normalized
// fixed-order vector. Missing fields default to 0. Returns false when the
// record itself is absent or empty, meaning the song has no usable vector.
func ExtractVector(raw map[string]float64) (Vector, bool) {
	if len(raw) == 0 {
		return Vector{}, false
	}
	return Vector{
		raw["danceability"],
		raw["energy"],
		raw["key"] / keyNorm,
		raw["loudness"] / loudnessNorm,
		raw["mode"],
		raw["speechiness"],
		raw["acousticness"],
		raw["instrumentalness"],
		raw["liveness"],
		raw["valence"],
		raw["tempo"] / tempoNorm,
	}, true
}

// parseRawFeatures decodes the JSON feature record stored on a song row.
func parseRawFeatures(data []byte) (map[string]float64, error) {
	var raw map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
