package identity

import (
	"math/rand"
	"sort"

	"github.com/coder/hnsw"
)

// annIndex is an HNSW graph over reference keys. Candidates it returns are
// always re-ranked exactly by the store.
type annIndex struct {
	graph *hnsw.Graph[int]
}

func newANNIndex(metric Metric, efSearch int, seed int64) *annIndex {
	g := hnsw.NewGraph[int]()
	g.Distance = metric.graphDistance()
	if efSearch > 0 {
		g.EfSearch = efSearch
	}
	g.Rng = rand.New(rand.NewSource(seed))
	return &annIndex{graph: g}
}

// buildANNIndex inserts all references in key order so that a rebuild from
// the same contents yields the same graph.
func buildANNIndex(metric Metric, efSearch int, seed int64, refs map[int]reference) *annIndex {
	idx := newANNIndex(metric, efSearch, seed)
	keys := make([]int, 0, len(refs))
	for k := range refs {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		idx.add(k, refs[k].vector)
	}
	return idx
}

func (i *annIndex) add(key int, vec []float32) {
	i.graph.Add(hnsw.MakeNode(key, vec))
}

func (i *annIndex) search(vec []float32, k int) []int {
	nodes := i.graph.Search(vec, k)
	keys := make([]int, len(nodes))
	for j, n := range nodes {
		keys[j] = n.Key
	}
	return keys
}

func (i *annIndex) len() int {
	return i.graph.Len()
}
