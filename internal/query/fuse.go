package query

import (
	"fmt"
	"sort"

	"cartograph/internal/store"
)

// FuseRRF combines ranked candidate lists with reciprocal-rank fusion:
// each chunk scores the sum of 1/(k+rank) over the lists it appears in,
// rank counted from 1. Chunks in no list are absent from the output.
// Higher-scoring chunks come first; ties keep first-seen order.
func FuseRRF(k int, lists ...[]store.SearchResult) []store.SearchResult {
	if k <= 0 {
		k = 60
	}

	type entry struct {
		result store.SearchResult
		score  float64
		seen   int
	}

	byKey := make(map[string]*entry)
	var order []string
	for _, list := range lists {
		for rank, r := range list {
			key := fmt.Sprintf("%s/%d", r.DocID, r.ChunkID)
			e, ok := byKey[key]
			if !ok {
				e = &entry{result: r, seen: len(order)}
				byKey[key] = e
				order = append(order, key)
			}
			e.score += 1.0 / float64(k+rank+1)
		}
	}

	entries := make([]*entry, 0, len(order))
	for _, key := range order {
		entries = append(entries, byKey[key])
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].seen < entries[j].seen
	})

	out := make([]store.SearchResult, len(entries))
	for i, e := range entries {
		out[i] = e.result
	}
	return out
}
