package piece

import (
	"testing"
	"time"

	"github.com/wqsa/piecestore/clock"
)

func TestHaveBufferAdvertiseAndFetch(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	h := NewHaveBuffer(fc)

	checkpoint := fc.Now()
	fc.Advance(time.Second)
	h.AdvertisePiece(1, 10) // requester 1, piece 10
	fc.Advance(time.Second)
	h.AdvertisePiece(2, 11) // requester 2, piece 11

	got := h.GetAdvertisedPieceIndexes(1, checkpoint)
	if len(got) != 1 || got[0] != 11 {
		t.Fatalf("GetAdvertisedPieceIndexes = %v, want [11] (own requester excluded)", got)
	}
}

func TestHaveBufferLastCheckBoundaryIsInclusive(t *testing.T) {
	fc := clock.NewFake(time.Unix(2000, 0))
	h := NewHaveBuffer(fc)

	h.AdvertisePiece(1, 1) // registered exactly at lastCheck below
	lastCheck := fc.Now()
	fc.Advance(time.Millisecond)
	h.AdvertisePiece(1, 2) // registered after lastCheck

	// The walk stops only once it sees an entry strictly older than
	// lastCheck, so an entry registered at exactly lastCheck is still
	// included (scenario 5's documented convention).
	got := h.GetAdvertisedPieceIndexes(99, lastCheck)
	if len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Fatalf("got %v, want [2 1] (boundary entry included, newest first)", got)
	}
}

func TestHaveBufferLastCheckBoundaryExcludesStrictlyOlder(t *testing.T) {
	fc := clock.NewFake(time.Unix(2000, 0))
	h := NewHaveBuffer(fc)

	h.AdvertisePiece(1, 1) // strictly before lastCheck
	fc.Advance(time.Millisecond)
	lastCheck := fc.Now()
	fc.Advance(time.Millisecond)
	h.AdvertisePiece(1, 2) // after lastCheck

	got := h.GetAdvertisedPieceIndexes(99, lastCheck)
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("got %v, want [2] (the strictly-older entry stops the walk)", got)
	}
}

func TestHaveBufferScenarioFiveFromSpec(t *testing.T) {
	const cuidA, cuidB = 0, 1
	fc := clock.NewFake(time.Unix(100, 0))
	h := NewHaveBuffer(fc)

	h.AdvertisePiece(cuidA, 3) // t=100
	fc.Set(time.Unix(101, 0))
	h.AdvertisePiece(cuidB, 4) // t=101
	fc.Set(time.Unix(102, 0))
	h.AdvertisePiece(cuidA, 5) // t=102

	got := h.GetAdvertisedPieceIndexes(cuidA, time.Unix(100, 0))
	if len(got) != 1 || got[0] != 4 {
		t.Fatalf("got %v, want [4]: own cuid skipped, entry at exactly lastCheck stops nothing but contributes nothing (own cuid)", got)
	}
}

func TestHaveBufferRemoveAdvertisedPiece(t *testing.T) {
	fc := clock.NewFake(time.Unix(3000, 0))
	h := NewHaveBuffer(fc)

	h.AdvertisePiece(1, 1) // will be oldest
	fc.Advance(5 * time.Second)
	h.AdvertisePiece(1, 2)
	fc.Advance(5 * time.Second) // now piece 1 entry is 10s old, piece 2 is 5s old

	h.RemoveAdvertisedPiece(8 * time.Second)
	if h.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after trimming entries >= 8s old", h.Len())
	}
	remaining := h.GetAdvertisedPieceIndexes(-1, time.Unix(0, 0))
	if len(remaining) != 1 || remaining[0] != 2 {
		t.Fatalf("remaining = %v, want [2]", remaining)
	}
}

func TestHaveBufferRemoveNothingWhenAllFresh(t *testing.T) {
	fc := clock.NewFake(time.Unix(4000, 0))
	h := NewHaveBuffer(fc)
	h.AdvertisePiece(1, 1)
	h.RemoveAdvertisedPiece(time.Hour)
	if h.Len() != 1 {
		t.Fatal("fresh entries should survive RemoveAdvertisedPiece")
	}
}
