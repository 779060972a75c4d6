package piece

import (
	"math/rand"
	"testing"
)

func TestRarestSelectorPicksLowestCount(t *testing.T) {
	s := NewStatMan(5)
	s.AddPieceStat(0)
	s.AddPieceStat(0)
	s.AddPieceStat(1)
	// index 2,3,4 remain at count 0, the rarest.

	sel := NewRarestSelector(rand.New(rand.NewSource(42)))
	for i := 0; i < 20; i++ {
		idx, ok := sel.Select([]int{0, 1, 2, 3, 4}, s)
		if !ok {
			t.Fatal("Select should succeed on a non-empty candidate set")
		}
		if idx != 2 && idx != 3 && idx != 4 {
			t.Fatalf("Select chose %d, want one of the zero-count indexes", idx)
		}
	}
}

func TestRarestSelectorEmptyCandidates(t *testing.T) {
	sel := NewRarestSelector(nil)
	_, ok := sel.Select(nil, NewStatMan(4))
	if ok {
		t.Fatal("Select on an empty candidate set should report false")
	}
}

func TestRarestSelectorTieBreaksVary(t *testing.T) {
	s := NewStatMan(3) // all zero, fully tied
	sel := NewRarestSelector(rand.New(rand.NewSource(7)))
	seen := map[int]bool{}
	for i := 0; i < 50; i++ {
		idx, _ := sel.Select([]int{0, 1, 2}, s)
		seen[idx] = true
	}
	if len(seen) < 2 {
		t.Fatal("tie-break over 50 draws should visit more than one candidate")
	}
}
