// Package storage implements PieceStorage, the orchestrator that ties
// together BitfieldMan, PieceStatMan, a Selector, the in-flight Piece
// table, and a DiskAdaptor into the single entry point peer-management
// code drives piece selection and completion through. Grounded on
// aria2's DefaultPieceStorage, reworked around wqsa-bget's channel-free
// direct-call style (peer/manager.go calls into its own piece-selection
// helpers synchronously from its single event-loop goroutine, and so does
// every method here: PieceStorage does no internal locking, per the
// single-threaded caller contract).
package storage

import (
	"bytes"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/gohugoio/hugo/bufferpool"
	"github.com/google/logger"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/wqsa/piecestore/bitfield"
	"github.com/wqsa/piecestore/clock"
	"github.com/wqsa/piecestore/diskio"
	"github.com/wqsa/piecestore/dlcontext"
	"github.com/wqsa/piecestore/option"
	"github.com/wqsa/piecestore/piece"
)

// ErrNoSuchPiece is returned by GetPiece, ReadPiece and ReadWholePiece
// for an out of range index.
var ErrNoSuchPiece = errors.New("storage: no such piece index")

// defaultEndGamePieceNum is the threshold at or below which PieceStorage
// enters end-game mode (requesting already-checked-out pieces from
// additional peers), mirroring aria2's END_GAME_PIECE_NUM.
const defaultEndGamePieceNum = 20

// PieceStorage is the single-threaded piece-selection and completion
// authority for one download. Every method assumes it is called from
// the download's own goroutine; nothing here is safe for concurrent
// use from two goroutines at once, the same contract wqsa-bget's
// peer.Manager.Run loop relies on for its own state.
type PieceStorage struct {
	ctx   *dlcontext.DownloadContext
	bf    *bitfield.BitfieldMan
	stats *piece.StatMan
	sel   piece.Selector
	disk  diskio.DiskAdaptor
	clock clock.Clock
	haves *piece.HaveBuffer

	usedPieces []*piece.Piece

	endGamePieceNum int
	selective       bool
	localCuid       int
}

// Option configures a PieceStorage at construction time.
type Option func(*PieceStorage)

// WithSelector overrides the default rarest-first Selector.
func WithSelector(s piece.Selector) Option {
	return func(p *PieceStorage) { p.sel = s }
}

// WithClock overrides the default system Clock.
func WithClock(c clock.Clock) Option {
	return func(p *PieceStorage) { p.clock = c }
}

// WithEndGamePieceNum overrides the default end-game threshold.
func WithEndGamePieceNum(n int) Option {
	return func(p *PieceStorage) { p.endGamePieceNum = n }
}

// WithLocalCuid sets the requester identifier this PieceStorage uses
// when advertising its own completed pieces, so GetAdvertisedPieceIndexes
// can exclude self-advertisements.
func WithLocalCuid(id int) Option {
	return func(p *PieceStorage) { p.localCuid = id }
}

// New returns a PieceStorage over ctx, backed by disk for persistence.
// disk may be nil, in which case InitStorage constructs one from the
// Option passed to it (the production entry point); tests that inject a
// fake DiskAdaptor pass it here directly and can skip InitStorage.
func New(ctx *dlcontext.DownloadContext, disk diskio.DiskAdaptor, opts ...Option) *PieceStorage {
	p := &PieceStorage{
		ctx:             ctx,
		bf:              bitfield.New(ctx.PieceLength, ctx.TotalLength),
		stats:           piece.NewStatMan(ctx.NumPieces()),
		disk:            disk,
		clock:           clock.System{},
		endGamePieceNum: defaultEndGamePieceNum,
	}
	for _, o := range opts {
		o(p)
	}
	if p.sel == nil {
		p.sel = piece.NewRarestSelector(nil)
	}
	p.haves = piece.NewHaveBuffer(p.clock)
	return p
}

// InitStorage opens the backing DiskAdaptor, the direct analogue of
// DefaultPieceStorage::initStorage: if New was not given a DiskAdaptor
// already, one is selected and configured from opt here — a single
// FileEntry gets a DirectDiskAdaptor, otherwise a MultiDiskAdaptor,
// with direct-io/file-allocation/max-open-files applied per §6. A
// caller-supplied DiskAdaptor (the test-injection path) is used as-is;
// opt is still applied to it so option-driven flags reach it too.
func (p *PieceStorage) InitStorage(opt *option.Option) error {
	if p.disk == nil {
		disk, err := diskio.NewDiskAdaptor(p.ctx, opt)
		if err != nil {
			return err
		}
		p.disk = disk
		return p.disk.Init()
	}
	if opt == nil {
		opt = option.New()
	}
	p.disk.SetContext(p.ctx)
	p.disk.EnableDirectIO(opt.GetBool(option.EnableDirectIO, false))
	alloc := opt.GetString(option.FileAllocation, option.AllocNone)
	p.disk.EnableFallocate(alloc == option.AllocFalloc || alloc == option.AllocPrealloc)
	if maxOpenFiles, err := opt.GetPositiveInt(option.MaxOpenFiles, 0); err != nil {
		return err
	} else if maxOpenFiles > 0 {
		p.disk.SetMaxOpenFiles(maxOpenFiles)
	}
	return p.disk.Init()
}

// Close releases the backing DiskAdaptor.
func (p *PieceStorage) Close() error {
	return p.disk.Close()
}

func (p *PieceStorage) checkIndex(index int) bool {
	return index >= 0 && index < p.ctx.NumPieces()
}

// HasMissingPiece reports whether peerBitfield advertises any piece this
// node is still missing (in the filtered universe, if a filter is
// active). Grounded on DefaultPieceStorage::hasMissingPiece, which
// answers "does this peer have anything useful for me", not merely
// "is the download incomplete".
func (p *PieceStorage) HasMissingPiece(peerBitfield []byte) bool {
	_, ok := p.bf.GetAllMissingIndexes(peerBitfield)
	return ok
}

// HasMissingUnusedPiece reports whether any piece is both unheld and not
// currently checked out.
func (p *PieceStorage) HasMissingUnusedPiece() bool {
	_, ok := p.bf.GetFirstMissingUnusedIndex()
	return ok
}

// candidateIndexes returns every index set in peerBitfield and missing,
// minus excluded, as a plain slice the Selector ranges over. Outside
// end-game, it additionally excludes checked-out indexes; in end-game
// the inUse exclusion is dropped so the same tail piece can be requested
// from more than one peer at once (§4.5's end-game rule).
func (p *PieceStorage) candidateIndexes(peerBitfield []byte, excluded mapset.Set) []int {
	var missing []byte
	var ok bool
	if p.isEndGame() {
		missing, ok = p.bf.GetAllMissingIndexes(peerBitfield)
	} else {
		missing, ok = p.bf.GetAllMissingUnusedIndexes(peerBitfield)
	}
	if !ok {
		return nil
	}
	var out []int
	for i := 0; i < p.ctx.NumPieces(); i++ {
		byteIdx := i / 8
		if byteIdx >= len(missing) {
			break
		}
		if missing[byteIdx]&(1<<(7-uint(i)%8)) == 0 {
			continue
		}
		if excluded != nil && excluded.Contains(i) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// GetMissingPiece selects, from the pieces peerBitfield advertises, one
// that is missing (and, outside end-game, not checked out), choosing
// among them with the Selector (by default the rarest, ties broken at
// random). ok is false if no such piece exists.
func (p *PieceStorage) GetMissingPiece(peerBitfield []byte) (*piece.Piece, bool) {
	return p.getMissingPieceExcluding(peerBitfield, nil)
}

// GetMissingPieceExcluding is GetMissingPiece further restricted to
// indexes not present in excluded, the variant peer code uses to avoid
// re-requesting an index it just gave up on from the very same peer.
func (p *PieceStorage) GetMissingPieceExcluding(peerBitfield []byte, excluded mapset.Set) (*piece.Piece, bool) {
	return p.getMissingPieceExcluding(peerBitfield, excluded)
}

func (p *PieceStorage) getMissingPieceExcluding(peerBitfield []byte, excluded mapset.Set) (*piece.Piece, bool) {
	candidates := p.candidateIndexes(peerBitfield, excluded)
	idx, ok := p.sel.Select(candidates, p.stats)
	if !ok {
		return nil, false
	}
	return p.checkOutPiece(idx)
}

// GetMissingFastPiece is GetMissingPiece restricted to fastSet, the BEP
// 6 allowed-fast-set a peer advertises under the fast extension.
func (p *PieceStorage) GetMissingFastPiece(peerBitfield []byte, fastSet []int) (*piece.Piece, bool) {
	return p.getMissingFastPieceExcluding(peerBitfield, fastSet, nil)
}

// GetMissingFastPieceExcluding is GetMissingFastPiece further restricted
// to indexes not present in excluded, mirroring the excluded-indexes
// overload of DefaultPieceStorage::getMissingFastPiece alongside the
// bare form above.
func (p *PieceStorage) GetMissingFastPieceExcluding(peerBitfield []byte, fastSet []int, excluded mapset.Set) (*piece.Piece, bool) {
	return p.getMissingFastPieceExcluding(peerBitfield, fastSet, excluded)
}

func (p *PieceStorage) getMissingFastPieceExcluding(peerBitfield []byte, fastSet []int, excluded mapset.Set) (*piece.Piece, bool) {
	allowed := mapset.NewSet()
	for _, i := range fastSet {
		allowed.Add(i)
	}
	candidates := p.candidateIndexes(peerBitfield, excluded)
	var filtered []int
	for _, c := range candidates {
		if allowed.Contains(c) {
			filtered = append(filtered, c)
		}
	}
	idx, ok := p.sel.Select(filtered, p.stats)
	if !ok {
		return nil, false
	}
	return p.checkOutPiece(idx)
}

// GetMissingPieceAt checks out index specifically, if it is neither held
// nor already checked out; otherwise it returns absent. Grounded on
// DefaultPieceStorage::getMissingPiece(size_t index), the single-index
// variant used when a caller wants one particular piece rather than a
// selection among a peer's advertised set.
func (p *PieceStorage) GetMissingPieceAt(index int) (*piece.Piece, bool) {
	if !p.checkIndex(index) || p.bf.IsBitSet(index) || p.bf.IsUseBitSet(index) {
		return nil, false
	}
	return p.checkOutPiece(index)
}

// GetSparseMissingUnusedPiece picks the missing-and-unused index that
// maximizes distance to the nearest held piece, ignoring the indexes set
// in ignoreBitfield. Used for sparse/preview-style downloading rather
// than rarest-first sequencing.
func (p *PieceStorage) GetSparseMissingUnusedPiece(ignoreBitfield []byte) (*piece.Piece, bool) {
	idx, ok := p.bf.GetSparseMissingUnusedIndex(ignoreBitfield)
	if !ok {
		return nil, false
	}
	return p.checkOutPiece(idx)
}

// findUsedPiece returns the in-flight Piece for index, if any, and the
// position it occupies (or would occupy) in the sorted usedPieces slice.
func (p *PieceStorage) findUsedPiece(index int) (*piece.Piece, int) {
	i := sort.Search(len(p.usedPieces), func(i int) bool {
		return p.usedPieces[i].Index >= index
	})
	if i < len(p.usedPieces) && p.usedPieces[i].Index == index {
		return p.usedPieces[i], i
	}
	return nil, i
}

func (p *PieceStorage) addUsedPiece(pc *piece.Piece) {
	_, i := p.findUsedPiece(pc.Index)
	p.usedPieces = append(p.usedPieces, nil)
	copy(p.usedPieces[i+1:], p.usedPieces[i:])
	p.usedPieces[i] = pc
}

func (p *PieceStorage) deleteUsedPiece(index int) {
	_, i := p.findUsedPiece(index)
	if i >= len(p.usedPieces) || p.usedPieces[i].Index != index {
		return
	}
	p.usedPieces = append(p.usedPieces[:i], p.usedPieces[i+1:]...)
}

// checkOutPiece marks index as checked out (if not already) and returns
// its in-flight Piece, creating one if this is the first checkout.
// Grounded on DefaultPieceStorage::checkOutPiece; creating a Piece while
// the DownloadContext has no start time recorded also records it.
func (p *PieceStorage) checkOutPiece(index int) (*piece.Piece, bool) {
	if !p.checkIndex(index) {
		return nil, false
	}
	if pc, _ := p.findUsedPiece(index); pc != nil {
		p.bf.SetUseBit(index)
		return pc, true
	}
	if p.ctx.DownloadStartedAt().IsZero() {
		p.ctx.ResetDownloadStartTime(p.clock.Now())
	}
	pc := piece.New(index, p.bf.GetBlockLength(index), p.ctx.PieceHashAlgo)
	p.addUsedPiece(pc)
	p.bf.SetUseBit(index)
	jww.TRACE.Printf("checked out piece %d", index)
	return pc, true
}

// GetPiece returns the in-flight state for index without checking it
// out: it is not inserted into usedPieces and does not set the use bit.
// Grounded on DefaultPieceStorage::getPiece, which synthesizes a
// snapshot Piece for already-held indexes (all blocks complete) and
// returns the live in-flight Piece for checked-out ones, without ever
// mutating storage state.
func (p *PieceStorage) GetPiece(index int) (*piece.Piece, error) {
	if !p.checkIndex(index) {
		return nil, ErrNoSuchPiece
	}
	if pc, _ := p.findUsedPiece(index); pc != nil {
		return pc, nil
	}
	pc := piece.New(index, p.bf.GetBlockLength(index), p.ctx.PieceHashAlgo)
	if p.bf.IsBitSet(index) {
		pc.SetAllBlock()
	}
	return pc, nil
}

// CompletePiece finalizes pc: removes it from usedPieces, sets its have
// bit, clears its use bit, counts this node as one more holder in the
// rarity stats, advertises it to other peers via the have buffer, and
// checks whether the whole filtered universe just finished. A nil pc or
// a download that is already fully complete is a no-op, mirroring
// DefaultPieceStorage::completePiece tolerating a race between a
// just-finished download and a block completion callback already in
// flight.
func (p *PieceStorage) CompletePiece(pc *piece.Piece) {
	if pc == nil || p.bf.IsAllBitSet() {
		return
	}
	p.deleteUsedPiece(pc.Index)

	wasFinished := p.bf.IsFilteredAllBitSet()
	p.bf.SetBit(pc.Index)
	p.bf.UnsetUseBit(pc.Index)
	p.stats.AddPieceStat(pc.Index)

	p.haves.AdvertisePiece(p.localCuid, pc.Index)

	if !wasFinished && p.bf.IsFilteredAllBitSet() {
		p.ctx.ResetDownloadStopTime(p.clock.Now())
		if p.IsSelectiveDownloadingMode() {
			logger.Warningf("selective download completed: %d bytes of requested files", p.bf.GetFilteredCompletedLength())
		} else {
			logger.Infof("download completed: all %d pieces complete", p.bf.NumPieces())
		}
	}
}

// CancelPiece gives up on pc: clears its use bit, and if the download is
// not in end-game and pc has made no progress, drops it from
// usedPieces entirely so a future checkout starts it fresh rather than
// resuming empty in-flight state that would otherwise never be
// reclaimed. Grounded on DefaultPieceStorage::cancelPiece.
func (p *PieceStorage) CancelPiece(pc *piece.Piece) {
	p.bf.UnsetUseBit(pc.Index)
	if !p.isEndGame() && pc.GetCompletedLength() == 0 {
		p.deleteUsedPiece(pc.Index)
	}
	jww.TRACE.Printf("canceled piece %d", pc.Index)
}

func (p *PieceStorage) isEndGame() bool {
	return p.bf.CountMissingBlock() <= p.endGamePieceNum
}

// MarkPieceMissing clears the have bit for index, forcing it to be
// re-downloaded. There must be no in-flight Piece for index; callers
// that want to discard in-flight progress too should CancelPiece first.
func (p *PieceStorage) MarkPieceMissing(index int) {
	p.bf.UnsetBit(index)
}

// MarkAllPiecesDone sets every have bit, the case of resuming a download
// that a prior run (or an out-of-band verification pass) already
// completed in full.
func (p *PieceStorage) MarkAllPiecesDone() {
	p.bf.SetAllBit()
}

// MarkPiecesDone marks the first length bytes' worth of pieces
// complete: every whole piece covered gets its have bit set outright,
// and if the remainder reaches at least one whole block into the next
// piece, an in-flight Piece is created for it with those leading blocks
// pre-marked complete; a smaller remainder leaves that piece missing and
// unused.
// Grounded on DefaultPieceStorage::markPiecesDone's three cases (full,
// zero, partial).
func (p *PieceStorage) MarkPiecesDone(length int64) {
	if length == 0 {
		p.bf.ClearAllBit()
		for _, pc := range p.usedPieces {
			p.bf.UnsetUseBit(pc.Index)
		}
		p.usedPieces = nil
		return
	}
	if length < 0 {
		return
	}
	if length >= p.ctx.TotalLength {
		p.MarkAllPiecesDone()
		return
	}
	numPieces := int(length / p.ctx.PieceLength)
	if numPieces > 0 {
		p.bf.SetBitRange(0, numPieces-1)
	}
	rem := length - int64(numPieces)*p.ctx.PieceLength
	if rem <= 0 {
		return
	}
	fullBlocks := int(rem / piece.BlockLength)
	if fullBlocks == 0 {
		// The resume point lands less than one block into the next
		// piece: not enough progress to be worth tracking in-flight, so
		// leave the piece missing-and-unused rather than fabricating a
		// permanently checked-out piece nobody is downloading.
		return
	}
	pc := piece.New(numPieces, p.bf.GetBlockLength(numPieces), p.ctx.PieceHashAlgo)
	for b := 0; b < fullBlocks; b++ {
		pc.CompleteBlock(b)
	}
	p.addUsedPiece(pc)
	p.bf.SetUseBit(numPieces)
}

// AddInFlightPiece bulk-restores pieces (e.g. loaded back from a resume
// file) as checked-out, without affecting have-plane state. The merge
// preserves usedPieces' sorted-by-index order regardless of the input
// order, so addInFlightPiece(getInFlightPieces()) round-trips on a fresh
// PieceStorage built over the same DownloadContext.
func (p *PieceStorage) AddInFlightPiece(pieces []*piece.Piece) {
	for _, pc := range pieces {
		p.addUsedPiece(pc)
		p.bf.SetUseBit(pc.Index)
	}
}

// GetInFlightPieces returns every in-flight Piece, in index order: the
// checked-out ones and any cancelled piece kept for its progress.
func (p *PieceStorage) GetInFlightPieces() []*piece.Piece {
	out := make([]*piece.Piece, len(p.usedPieces))
	copy(out, p.usedPieces)
	return out
}

// CountInFlightPiece returns the number of in-flight pieces, counted as
// GetInFlightPieces does.
func (p *PieceStorage) CountInFlightPiece() int {
	return len(p.usedPieces)
}

// AdvertisePiece is exposed for callers that complete a piece outside
// of CompletePiece (e.g. a resume-time verification pass) but still want
// it logged to the have buffer.
func (p *PieceStorage) AdvertisePiece(requesterID, index int) {
	p.haves.AdvertisePiece(requesterID, index)
}

// GetAdvertisedPieceIndexes returns the indexes completed by any
// requester other than this PieceStorage's own localCuid since
// lastCheck.
func (p *PieceStorage) GetAdvertisedPieceIndexes(lastCheck time.Time) []int {
	return p.haves.GetAdvertisedPieceIndexes(p.localCuid, lastCheck)
}

// RemoveAdvertisedPiece trims have-buffer entries whose age is at least
// elapsed.
func (p *PieceStorage) RemoveAdvertisedPiece(elapsed time.Duration) {
	p.haves.RemoveAdvertisedPiece(elapsed)
}

// SetupFileFilter restricts the download to the files currently marked
// Requested in the DownloadContext, the selective-downloading entry
// point.
func (p *PieceStorage) SetupFileFilter() {
	p.bf.ClearFilter()
	any := false
	for _, f := range p.ctx.Files {
		if f.Requested {
			p.bf.AddFilter(f.Offset, f.Length)
			any = true
		}
	}
	if any {
		p.bf.EnableFilter()
		p.selective = true
	}
}

// ClearFileFilter disables selective downloading, reverting to the
// whole-download universe.
func (p *PieceStorage) ClearFileFilter() {
	p.bf.ClearFilter()
	p.selective = false
}

// IsSelectiveDownloadingMode reports whether a file filter is active.
func (p *PieceStorage) IsSelectiveDownloadingMode() bool {
	return p.selective
}

// GetFilteredTotalLength returns the byte length of the current filtered
// universe (the whole download if no filter is active).
func (p *PieceStorage) GetFilteredTotalLength() int64 {
	return p.bf.GetFilteredTotalLength()
}

// GetCompletedLength returns the byte length held so far: whole held
// pieces plus the partial progress of every in-flight piece, clamped to
// the download's total length. Grounded on §4.5's length-accounting
// formula, which sums BitfieldMan's have-plane total with each
// usedPieces entry's own block-level progress rather than only counting
// whole pieces.
func (p *PieceStorage) GetCompletedLength() int64 {
	length := p.bf.GetCompletedLength()
	for _, pc := range p.usedPieces {
		length += pc.GetCompletedLength()
	}
	if length > p.ctx.TotalLength {
		length = p.ctx.TotalLength
	}
	return length
}

// GetFilteredCompletedLength is GetCompletedLength restricted to the
// current filtered universe: in-flight pieces outside the filter
// contribute nothing.
func (p *PieceStorage) GetFilteredCompletedLength() int64 {
	length := p.bf.GetFilteredCompletedLength()
	if !p.bf.IsFilterEnabled() {
		for _, pc := range p.usedPieces {
			length += pc.GetCompletedLength()
		}
	} else {
		for _, pc := range p.usedPieces {
			if p.bf.IsFilterSet(pc.Index) {
				length += pc.GetCompletedLength()
			}
		}
	}
	if length > p.bf.GetFilteredTotalLength() {
		length = p.bf.GetFilteredTotalLength()
	}
	return length
}

// DownloadFinished reports whether the filtered universe is fully held.
func (p *PieceStorage) DownloadFinished() bool {
	return p.bf.IsFilteredAllBitSet()
}

// AllDownloadFinished reports whether the entire download, ignoring any
// active filter, is fully held.
func (p *PieceStorage) AllDownloadFinished() bool {
	return p.bf.IsAllBitSet()
}

// GetBitfield returns a snapshot of the have plane.
func (p *PieceStorage) GetBitfield() []byte {
	return p.bf.GetBitfield()
}

// SetBitfield replaces the have plane wholesale, the resume-from-disk
// entry point.
func (p *PieceStorage) SetBitfield(bf []byte) bool {
	return p.bf.SetBitfield(bf)
}

// ReadPiece reads the bytes of an already-held piece, delegating to the
// backing DiskAdaptor at the piece's byte offset.
func (p *PieceStorage) ReadPiece(index int, buf []byte) (int, error) {
	if !p.checkIndex(index) {
		return 0, ErrNoSuchPiece
	}
	offset := int64(index) * p.ctx.PieceLength
	return p.disk.ReadData(buf, offset)
}

// ReadWholePiece reads the full byte contents of an already-held piece
// into a pooled buffer, for callers (resume verification, re-seeding a
// completed piece to a peer) that need the whole piece contiguous
// rather than block by block. The returned release func must be called
// once the caller is done with the buffer, returning it to the pool;
// grounded on wqsa-bget's filesystem/piece.go bufferpool.GetBuffer/
// PutBuffer pairing around its own *bytes.Buffer-backed piece type.
func (p *PieceStorage) ReadWholePiece(index int) (*bytes.Buffer, func(), error) {
	if !p.checkIndex(index) {
		return nil, func() {}, ErrNoSuchPiece
	}
	length := p.bf.GetBlockLength(index)
	scratch := make([]byte, length)
	if _, err := p.ReadPiece(index, scratch); err != nil {
		return nil, func() {}, err
	}
	buf := bufferpool.GetBuffer()
	buf.Write(scratch)
	release := func() { bufferpool.PutBuffer(buf) }
	return buf, release, nil
}

// WritePiece writes data for index at blockOffset within the piece to
// the backing DiskAdaptor, then marks the corresponding block complete
// on pc.
func (p *PieceStorage) WritePiece(pc *piece.Piece, blockOffset int64, data []byte) error {
	offset := int64(pc.Index)*p.ctx.PieceLength + blockOffset
	if _, err := p.disk.WriteData(data, offset); err != nil {
		return err
	}
	pc.CompleteBlock(int(blockOffset / piece.BlockLength))
	return nil
}
