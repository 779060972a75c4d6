// Package bitfield implements the compact bitmap representation used to
// track which pieces of a download have been obtained, which are
// currently checked out to a peer, and (optionally) which pieces count
// toward a selective download. It is grounded on wqsa-bget's
// common/bitmap package, extended with the second (inUse) and third
// (filter) planes that BitfieldMan needs beyond a single "has piece" map.
package bitfield

import (
	jww "github.com/spf13/jwalterweatherman"
)

// BitfieldMan tracks, for a download split into fixed-size pieces, three
// parallel planes over piece indices: pieces locally held (have), pieces
// currently checked out to a peer (inUse), and an optional selective
// download mask (filter). The final piece may be shorter than
// pieceLength; every length-aware operation accounts for that.
type BitfieldMan struct {
	pieceLength int64
	totalLength int64
	numPieces   int

	have   bits
	inUse  bits
	filter bits

	filterEnabled bool
}

// New returns a BitfieldMan over ceil(totalLength/pieceLength) pieces.
func New(pieceLength int64, totalLength int64) *BitfieldMan {
	numPieces := 0
	if totalLength > 0 {
		numPieces = int((totalLength-1)/pieceLength) + 1
	}
	return &BitfieldMan{
		pieceLength: pieceLength,
		totalLength: totalLength,
		numPieces:   numPieces,
		have:        newBits(numPieces),
		inUse:       newBits(numPieces),
		filter:      newBits(numPieces),
	}
}

// NumPieces returns the number of pieces the download is split into.
func (b *BitfieldMan) NumPieces() int { return b.numPieces }

// GetTotalLength returns the full length of the download.
func (b *BitfieldMan) GetTotalLength() int64 { return b.totalLength }

// GetPieceLength returns the nominal length of every piece but the last.
func (b *BitfieldMan) GetPieceLength() int64 { return b.pieceLength }

// GetBlockLength returns the byte length of piece index, accounting for a
// short final piece. The name follows the spec/original aria2 usage,
// where "block" here means "piece", not the 16 KiB network request unit.
func (b *BitfieldMan) GetBlockLength(index int) int64 {
	if index < 0 || index >= b.numPieces {
		return 0
	}
	if index == b.numPieces-1 {
		return b.totalLength - int64(index)*b.pieceLength
	}
	return b.pieceLength
}

func (b *BitfieldMan) checkIndex(i int) bool {
	return i >= 0 && i < b.numPieces
}

// SetBit sets the have bit for index i.
func (b *BitfieldMan) SetBit(i int) bool {
	if !b.checkIndex(i) {
		return false
	}
	b.have.on(i)
	return true
}

// UnsetBit clears the have bit for index i.
func (b *BitfieldMan) UnsetBit(i int) bool {
	if !b.checkIndex(i) {
		return false
	}
	b.have.off(i)
	return true
}

// IsBitSet reports whether index i is held.
func (b *BitfieldMan) IsBitSet(i int) bool {
	return b.checkIndex(i) && b.have.get(i)
}

// SetUseBit marks index i as checked out.
func (b *BitfieldMan) SetUseBit(i int) bool {
	if !b.checkIndex(i) {
		return false
	}
	b.inUse.on(i)
	return true
}

// UnsetUseBit clears the checked-out mark for index i.
func (b *BitfieldMan) UnsetUseBit(i int) bool {
	if !b.checkIndex(i) {
		return false
	}
	b.inUse.off(i)
	return true
}

// IsUseBitSet reports whether index i is currently checked out.
func (b *BitfieldMan) IsUseBitSet(i int) bool {
	return b.checkIndex(i) && b.inUse.get(i)
}

// SetBitRange sets the have bit for every index in [begin, end].
func (b *BitfieldMan) SetBitRange(begin, end int) bool {
	if begin < 0 || end >= b.numPieces || begin > end {
		return false
	}
	b.have.setRange(begin, end)
	return true
}

// SetAllBit marks every piece as held.
func (b *BitfieldMan) SetAllBit() {
	b.have.setAll(b.numPieces)
}

// ClearAllBit clears every have bit, without touching inUse or filter.
func (b *BitfieldMan) ClearAllBit() {
	b.have.clearAll()
}

// IsAllBitSet reports whether every piece is held.
func (b *BitfieldMan) IsAllBitSet() bool {
	return b.have.isAllSet(b.numPieces)
}

// EnableFilter turns on the filter plane for filtered-universe operations.
func (b *BitfieldMan) EnableFilter() { b.filterEnabled = true }

// ClearFilter disables the filter plane and clears its bits.
func (b *BitfieldMan) ClearFilter() {
	b.filterEnabled = false
	b.filter.clearAll()
}

// IsFilterEnabled reports whether the filter plane is active.
func (b *BitfieldMan) IsFilterEnabled() bool { return b.filterEnabled }

// IsFilterSet reports whether index i is in the filtered universe,
// regardless of whether the filter plane is currently enabled.
func (b *BitfieldMan) IsFilterSet(i int) bool {
	return b.checkIndex(i) && b.filter.get(i)
}

// AddFilter sets the filter bit for every piece intersecting the byte
// range [offset, offset+length).
func (b *BitfieldMan) AddFilter(offset, length int64) {
	if length <= 0 {
		return
	}
	startPiece := int(offset / b.pieceLength)
	endPiece := int((offset + length - 1) / b.pieceLength)
	if startPiece < 0 {
		startPiece = 0
	}
	if endPiece >= b.numPieces {
		endPiece = b.numPieces - 1
	}
	if startPiece > endPiece {
		return
	}
	b.filter.setRange(startPiece, endPiece)
}

// IsFilteredAllBitSet reports whether every filtered piece is held. If the
// filter is disabled this is equivalent to IsAllBitSet.
func (b *BitfieldMan) IsFilteredAllBitSet() bool {
	if !b.filterEnabled {
		return b.IsAllBitSet()
	}
	for i := 0; i < b.numPieces; i++ {
		if b.filter.get(i) && !b.have.get(i) {
			return false
		}
	}
	return true
}

// CountMissingBlock returns the number of pieces not yet held, restricted
// to the filtered universe when the filter is enabled.
func (b *BitfieldMan) CountMissingBlock() int {
	count := 0
	for i := 0; i < b.numPieces; i++ {
		if b.filterEnabled && !b.filter.get(i) {
			continue
		}
		if !b.have.get(i) {
			count++
		}
	}
	return count
}

// GetCompletedLength sums the lengths of held pieces, the final piece
// possibly short.
func (b *BitfieldMan) GetCompletedLength() int64 {
	var length int64
	for i := 0; i < b.numPieces; i++ {
		if b.have.get(i) {
			length += b.GetBlockLength(i)
		}
	}
	return length
}

// GetFilteredTotalLength sums the lengths of every piece under the
// filter. With the filter disabled it equals GetTotalLength.
func (b *BitfieldMan) GetFilteredTotalLength() int64 {
	if !b.filterEnabled {
		return b.totalLength
	}
	var length int64
	for i := 0; i < b.numPieces; i++ {
		if b.filter.get(i) {
			length += b.GetBlockLength(i)
		}
	}
	return length
}

// GetFilteredCompletedLength sums the lengths of held pieces under the
// filter.
func (b *BitfieldMan) GetFilteredCompletedLength() int64 {
	if !b.filterEnabled {
		return b.GetCompletedLength()
	}
	var length int64
	for i := 0; i < b.numPieces; i++ {
		if b.filter.get(i) && b.have.get(i) {
			length += b.GetBlockLength(i)
		}
	}
	return length
}

// GetFirstMissingUnusedIndex returns the smallest index that is neither
// held nor checked out, restricted to the filter when enabled.
func (b *BitfieldMan) GetFirstMissingUnusedIndex() (int, bool) {
	for i := 0; i < b.numPieces; i++ {
		if b.filterEnabled && !b.filter.get(i) {
			continue
		}
		if !b.have.get(i) && !b.inUse.get(i) {
			return i, true
		}
	}
	return 0, false
}

// GetAllMissingIndexes returns the bitmap of indexes that are missing
// locally and present in peerBitfield, restricted to the filter when
// enabled. The second return value is false when the result is empty.
func (b *BitfieldMan) GetAllMissingIndexes(peerBitfield []byte) ([]byte, bool) {
	out := b.have.not(b.numPieces)
	if b.filterEnabled {
		out = out.and(b.filter)
	}
	out = out.and(padBits(peerBitfield, b.numPieces))
	return out, out.countOn(b.numPieces) > 0
}

// GetAllMissingUnusedIndexes is GetAllMissingIndexes further restricted to
// indexes that are not checked out.
func (b *BitfieldMan) GetAllMissingUnusedIndexes(peerBitfield []byte) ([]byte, bool) {
	out := b.have.not(b.numPieces)
	if b.filterEnabled {
		out = out.and(b.filter)
	}
	out = out.andNot(b.inUse)
	out = out.and(padBits(peerBitfield, b.numPieces))
	return out, out.countOn(b.numPieces) > 0
}

// GetSparseMissingUnusedIndex returns, among the indexes that are missing,
// unused and not in ignoreBitfield, the one that maximizes the distance to
// the nearest already-held piece on either side. Ties favor the lowest
// index. Returns false if no such index exists.
func (b *BitfieldMan) GetSparseMissingUnusedIndex(ignoreBitfield []byte) (int, bool) {
	ignore := bits(ignoreBitfield)

	candidate := func(i int) bool {
		if b.filterEnabled && !b.filter.get(i) {
			return false
		}
		if b.have.get(i) || b.inUse.get(i) {
			return false
		}
		if i/8 < len(ignore) && ignore.get(i) {
			return false
		}
		return true
	}

	best := -1
	bestScore := -1
	for i := 0; i < b.numPieces; i++ {
		if !candidate(i) {
			continue
		}
		score := b.sparseScore(i)
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	if best < 0 {
		jww.TRACE.Println("no sparse missing-unused index available")
		return 0, false
	}
	return best, true
}

// sparseScore is the distance, in piece indexes, to the closer of the
// nearest held piece to the left and to the right of i. An index with no
// held piece on one side is scored against the array boundary on that
// side, so the very first or last run of missing pieces is not
// artificially penalized.
func (b *BitfieldMan) sparseScore(i int) int {
	left := i
	for j := i - 1; j >= 0; j-- {
		if b.have.get(j) {
			left = i - j
			break
		}
	}
	right := b.numPieces - 1 - i
	for j := i + 1; j < b.numPieces; j++ {
		if b.have.get(j) {
			right = j - i
			break
		}
	}
	if left < right {
		return left
	}
	return right
}

// GetBitfield returns the raw have-plane bytes. The slice is owned by the
// caller; mutating it has no effect on the BitfieldMan.
func (b *BitfieldMan) GetBitfield() []byte {
	return []byte(b.have.clone())
}

// GetBitfieldLength returns len(GetBitfield()).
func (b *BitfieldMan) GetBitfieldLength() int {
	return len(b.have)
}

// SetBitfield replaces the have plane wholesale. SetBitfield(GetBitfield())
// is a no-op.
func (b *BitfieldMan) SetBitfield(bf []byte) bool {
	if len(bf) != len(b.have) {
		return false
	}
	copy(b.have, bf)
	return true
}
