package engine

import (
	"container/heap"
	"math"
	"sort"
)

// Neighbor pairs a catalog song id with its Euclidean distance from the
// query vector. Ids and distances travel together so downstream filtering
// can never misalign a score with its song.
type Neighbor struct {
	SongID   int64
	Distance float64
}

type kdEntry struct {
	id  int64
	vec Vector
}

// kdNode is one node of a k-d tree over normalized feature vectors.
// The splitting axis cycles through the vector components by depth.
type kdNode struct {
	entry kdEntry
	axis  int
	left  *kdNode
	right *kdNode
}

func buildKD(entries []kdEntry, depth int) *kdNode {
	if len(entries) == 0 {
		return nil
	}
	axis := depth % VectorDim
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].vec[axis] < entries[j].vec[axis]
	})
	mid := len(entries) / 2
	return &kdNode{
		entry: entries[mid],
		axis:  axis,
		left:  buildKD(entries[:mid], depth+1),
		right: buildKD(entries[mid+1:], depth+1),
	}
}

func euclidean(a, b Vector) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// neighborHeap is a max-heap on distance, holding the k best candidates
// seen so far; the root is the current worst of the best.
type neighborHeap []Neighbor

func (h neighborHeap) Len() int            { return len(h) }
func (h neighborHeap) Less(i, j int) bool  { return h[i].Distance > h[j].Distance }
func (h neighborHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *neighborHeap) Push(x interface{}) { *h = append(*h, x.(Neighbor)) }
func (h *neighborHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// search walks the tree, pruning subtrees whose splitting plane is farther
// from the query than the current k-th best distance.
func (n *kdNode) search(q Vector, k int, best *neighborHeap) {
	if n == nil {
		return
	}

	d := euclidean(q, n.entry.vec)
	if best.Len() < k {
		heap.Push(best, Neighbor{SongID: n.entry.id, Distance: d})
	} else if d < (*best)[0].Distance {
		(*best)[0] = Neighbor{SongID: n.entry.id, Distance: d}
		heap.Fix(best, 0)
	}

	diff := q[n.axis] - n.entry.vec[n.axis]
	near, far := n.left, n.right
	if diff > 0 {
		near, far = n.right, n.left
	}

	near.search(q, k, best)
	if best.Len() < k || math.Abs(diff) < (*best)[0].Distance {
		far.search(q, k, best)
	}
}

// knn returns the exact k nearest entries to q, ascending by distance.
func (n *kdNode) knn(q Vector, k int) []Neighbor {
	if n == nil || k <= 0 {
		return nil
	}
	best := make(neighborHeap, 0, k)
	n.search(q, k, &best)
	out := []Neighbor(best)
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}
