package piece

import (
	"math/rand"
	"time"
)

// Selector picks one index out of a candidate set. PieceStorage consults
// a Selector only after BitfieldMan has already narrowed candidates down
// to missing-and-peer-has indexes (minus checked-out ones outside
// end-game); the Selector's only job is choosing among those by rarity.
type Selector interface {
	// Select returns one of candidates, or false if candidates is empty.
	Select(candidates []int, stats *StatMan) (int, bool)
}

// RarestSelector implements rarest-first selection: among candidates, it
// picks the index with the lowest known availability count, breaking
// ties uniformly at random via the injected Rand so that repeated calls
// with the same tied candidate set don't always favor the same peer
// (and so tests can inject a seeded Rand for determinism).
type RarestSelector struct {
	Rand *rand.Rand
}

// NewRarestSelector returns a RarestSelector using r for tie-breaking. A
// nil r is replaced with a time-seeded generator.
func NewRarestSelector(r *rand.Rand) *RarestSelector {
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &RarestSelector{Rand: r}
}

// Select implements Selector.
func (s *RarestSelector) Select(candidates []int, stats *StatMan) (int, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	minCount := -1
	var rarest []int
	for _, idx := range candidates {
		c := stats.GetCount(idx)
		switch {
		case minCount < 0 || c < minCount:
			minCount = c
			rarest = rarest[:0]
			rarest = append(rarest, idx)
		case c == minCount:
			rarest = append(rarest, idx)
		}
	}
	if len(rarest) == 1 {
		return rarest[0], true
	}
	return rarest[s.Rand.Intn(len(rarest))], true
}
