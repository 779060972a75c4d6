// Package piece implements the per-piece in-flight state (Piece), piece
// rarity accounting (StatMan), the rarest-first selection policy
// (Selector/RarestSelector), and the bounded have-advertisement log
// (HaveBuffer). All four are grounded on aria2's Piece/PieceStatMan/
// RarestPieceSelector/HaveEntry, reworked in wqsa-bget's idiom.
package piece

// BlockLength is the fixed size of the sub-segment of a piece that is the
// unit of a single network request, matching maxRequestLength in
// wqsa-bget's peer/protocol.go (1024 * 16).
const BlockLength = 16 * 1024

// Piece is a partially (or fully) downloaded piece: its index, its byte
// length (which may be short for the final piece of a download), and a
// bitmap of which of its blocks are complete. Ordering is defined by
// Index alone (see Less); block progress plays no part in it.
type Piece struct {
	Index    int
	Length   int64
	HashAlgo string

	blocks    []bool
	numBlocks int
}

// New returns a Piece for index with the given byte length. hashAlgo may
// be empty; the piece storage core never verifies hashes itself (§1).
func New(index int, length int64, hashAlgo string) *Piece {
	numBlocks := int((length-1)/BlockLength) + 1
	if length <= 0 {
		numBlocks = 0
	}
	return &Piece{
		Index:     index,
		Length:    length,
		HashAlgo:  hashAlgo,
		blocks:    make([]bool, numBlocks),
		numBlocks: numBlocks,
	}
}

// CountBlock returns the number of blocks this piece is divided into.
func (p *Piece) CountBlock() int { return p.numBlocks }

// CompleteBlock marks blockIndex complete. Out-of-range indexes are
// ignored; there is no caller that can observe a block index outside
// [0, CountBlock()) without itself being a caller bug upstream of this
// package, and silently ignoring it keeps this hot path allocation-free.
func (p *Piece) CompleteBlock(blockIndex int) {
	if blockIndex >= 0 && blockIndex < p.numBlocks {
		p.blocks[blockIndex] = true
	}
}

// IsBlockComplete reports whether blockIndex has completed.
func (p *Piece) IsBlockComplete(blockIndex int) bool {
	return blockIndex >= 0 && blockIndex < p.numBlocks && p.blocks[blockIndex]
}

// CountCompleteBlock returns how many blocks have completed.
func (p *Piece) CountCompleteBlock() int {
	n := 0
	for _, c := range p.blocks {
		if c {
			n++
		}
	}
	return n
}

// SetAllBlock marks every block of the piece complete.
func (p *Piece) SetAllBlock() {
	for i := range p.blocks {
		p.blocks[i] = true
	}
}

// blockLength returns the byte length of blockIndex, the last block of
// the piece possibly being short.
func (p *Piece) blockLength(blockIndex int) int64 {
	if blockIndex == p.numBlocks-1 {
		rem := p.Length - int64(blockIndex)*BlockLength
		if rem > 0 {
			return rem
		}
	}
	return BlockLength
}

// GetCompletedLength sums the byte length of every completed block.
func (p *Piece) GetCompletedLength() int64 {
	var length int64
	for i, c := range p.blocks {
		if c {
			length += p.blockLength(i)
		}
	}
	return length
}

// Less orders pieces by Index, the ordering usedPieces is kept sorted
// under ("Identity: equality and ordering are defined by index alone").
func Less(a, b *Piece) bool { return a.Index < b.Index }
