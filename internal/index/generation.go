package index

import (
	"math"
	"sort"
	"sync"
)

// Match is a single query hit
type Match struct {
	EntryID    string
	Similarity float64
}

type indexedEntry struct {
	vector  []float32 // unit-normalized
	version int64
}

// Generation is one published version of the similarity index. Reads take
// the read lock; all writes funnel through the manager's single apply
// goroutine, so a generation never sees concurrent writers.
type Generation struct {
	seq uint64

	mu         sync.RWMutex
	entries    map[string]indexedEntry
	tombstones map[string]int64 // entry id -> version at deletion
}

func newGeneration(seq uint64) *Generation {
	return &Generation{
		seq:        seq,
		entries:    make(map[string]indexedEntry),
		tombstones: make(map[string]int64),
	}
}

// upsert inserts or replaces an entry vector. Stale versions (at or below
// what is already indexed or tombstoned) are no-ops, which makes event
// application idempotent.
func (g *Generation) upsert(id string, vector []float32, version int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if tv, ok := g.tombstones[id]; ok {
		if version <= tv {
			return
		}
		delete(g.tombstones, id)
	}
	if existing, ok := g.entries[id]; ok && version <= existing.version {
		return
	}
	g.entries[id] = indexedEntry{vector: normalize(vector), version: version}
}

// remove tombstones an entry for immediate query-time exclusion. The
// physical purge happens at the next rebuild.
func (g *Generation) remove(id string, version int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.entries[id]; ok {
		if version < existing.version {
			return
		}
		delete(g.entries, id)
	}
	if tv, ok := g.tombstones[id]; !ok || version > tv {
		g.tombstones[id] = version
	}
}

// search returns the top-k entries by cosine similarity to the query
// vector. When candidates is non-nil only ids present in the set are
// considered.
func (g *Generation) search(query []float32, k int, candidates map[string]struct{}) []Match {
	q := normalize(query)

	g.mu.RLock()
	matches := make([]Match, 0, len(g.entries))
	for id, e := range g.entries {
		if candidates != nil {
			if _, ok := candidates[id]; !ok {
				continue
			}
		}
		matches = append(matches, Match{EntryID: id, Similarity: dot(q, e.vector)})
	}
	g.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].EntryID < matches[j].EntryID
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func (g *Generation) size() (entries, tombstones int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries), len(g.tombstones)
}

func (g *Generation) version(id string) (int64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[id]
	if !ok {
		return 0, false
	}
	return e.version, true
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		out := make([]float32, len(v))
		return out
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
