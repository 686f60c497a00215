package engine

// Index is a trained nearest-neighbor snapshot over the catalog's
// vectorized songs. It is immutable once built: retraining constructs a new
// Index and swaps it in, so queries already running against an old snapshot
// are unaffected.
type Index struct {
	root *kdNode
	size int
}

func buildIndex(entries []kdEntry) *Index {
	// buildKD sorts in place; copy so callers keep their slice intact.
	own := make([]kdEntry, len(entries))
	copy(own, entries)
	return &Index{root: buildKD(own, 0), size: len(own)}
}

// Len reports how many songs the snapshot was trained on.
func (ix *Index) Len() int { return ix.size }

// Query returns the k nearest catalog songs to v, ascending by exact
// Euclidean distance. Fewer than k results are returned when the snapshot
// holds fewer songs. Ties are broken by tree visit order.
func (ix *Index) Query(v Vector, k int) []Neighbor {
	return ix.root.knn(v, k)
}
