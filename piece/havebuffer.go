package piece

import (
	"time"

	"github.com/wqsa/piecestore/clock"
)

// HaveEntry is a single advertisement: requesterId held pieceIndex as of
// registeredAt. Grounded on aria2's HaveEntry (cuid, pieceIndex,
// registeredTime) inside DefaultPieceStorage's _haves deque.
type HaveEntry struct {
	RequesterID  int
	PieceIndex   int
	RegisteredAt time.Time
}

// HaveBuffer is a bounded log of recent locally-completed pieces, kept
// newest-first, used to tell getAdvertisedPieceIndexes callers which
// pieces have completed since they last checked, and trimmed from the
// tail by removeAdvertisedPiece once entries age past the period any
// peer could plausibly still be interested in them.
//
// The newest-first insertion order is load-bearing: both read paths
// below rely on entries being monotonically non-decreasing in age
// (non-increasing in timestamp) as they walk from front to back.
type HaveBuffer struct {
	clock   clock.Clock
	entries []HaveEntry
}

// NewHaveBuffer returns an empty HaveBuffer using c as its time source.
func NewHaveBuffer(c clock.Clock) *HaveBuffer {
	if c == nil {
		c = clock.System{}
	}
	return &HaveBuffer{clock: c}
}

// AdvertisePiece records that requesterId (the locally-owned download,
// not a peer) just completed pieceIndex, prepending the new entry so the
// buffer stays newest-first.
func (h *HaveBuffer) AdvertisePiece(requesterID, pieceIndex int) {
	entry := HaveEntry{RequesterID: requesterID, PieceIndex: pieceIndex, RegisteredAt: h.clock.Now()}
	h.entries = append([]HaveEntry{entry}, h.entries...)
}

// GetAdvertisedPieceIndexes returns the piece indexes advertised by any
// requester other than excludeRequesterID since lastCheck, newest first.
// Because entries are newest-first, the scan stops at the first entry
// strictly older than lastCheck: every entry after it is at least as
// old and so also predates lastCheck. An entry registered exactly at
// lastCheck is included (and then filtered by requester like any other).
func (h *HaveBuffer) GetAdvertisedPieceIndexes(excludeRequesterID int, lastCheck time.Time) []int {
	var out []int
	for _, e := range h.entries {
		if e.RegisteredAt.Before(lastCheck) {
			break
		}
		if e.RequesterID == excludeRequesterID {
			continue
		}
		out = append(out, e.PieceIndex)
	}
	return out
}

// RemoveAdvertisedPiece drops every entry whose age is at least elapsed.
// Scanning front-to-back (newest to oldest) and truncating at the first
// match that qualifies is correct under the same monotonicity the read
// path relies on.
func (h *HaveBuffer) RemoveAdvertisedPiece(elapsed time.Duration) {
	now := h.clock.Now()
	cut := len(h.entries)
	for i, e := range h.entries {
		if now.Sub(e.RegisteredAt) >= elapsed {
			cut = i
			break
		}
	}
	h.entries = h.entries[:cut]
}

// Len returns the number of entries currently buffered.
func (h *HaveBuffer) Len() int { return len(h.entries) }
