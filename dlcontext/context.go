// Package dlcontext describes the static shape of a download: its piece
// size, total length, and the ordered list of files it covers. It is
// grounded on wqsa-bget's meta.Torrent/meta.Info/meta.FileInfo, stripped
// of everything bencode-specific since the piece storage core is agnostic
// to how that metadata was obtained.
package dlcontext

import (
	"context"
	"time"
)

// FileEntry describes one file within a (possibly multi-file) download:
// its path, its byte length, and its offset within the concatenated
// piece space. Requested marks whether this file is part of the current
// selective-download set, the analogue of wqsa-bget's
// FileInfo.Download flag.
type FileEntry struct {
	Path      string
	Offset    int64
	Length    int64
	Requested bool
}

// DownloadContext is the static description of a download that
// PieceStorage and the disk adaptors are built from: how many pieces,
// how big each is (the last one possibly short), which files make it up,
// and the identifier of the hash algorithm pieces are checked against
// (verification itself lives above this package, per §1).
type DownloadContext struct {
	PieceLength   int64
	TotalLength   int64
	PieceHashAlgo string
	Files         []*FileEntry

	downloadStartedAt time.Time
	downloadStoppedAt time.Time
}

// New returns a DownloadContext over files, which must already be in
// ascending-offset order covering [0, totalLength) with no gaps, the
// invariant wqsa-bget's meta.Torrent.Info.Files enumeration preserves.
func New(pieceLength, totalLength int64, hashAlgo string, files []*FileEntry) *DownloadContext {
	return &DownloadContext{
		PieceLength:   pieceLength,
		TotalLength:   totalLength,
		PieceHashAlgo: hashAlgo,
		Files:         files,
	}
}

// NumPieces returns ceil(TotalLength/PieceLength).
func (d *DownloadContext) NumPieces() int {
	if d.TotalLength <= 0 {
		return 0
	}
	return int((d.TotalLength-1)/d.PieceLength) + 1
}

// ResetDownloadStartTime records now as the moment active downloading
// (re)started, clearing any previously recorded stop time. PieceStorage
// calls this from checkOutPiece when it creates a new Piece while no
// start time has been recorded yet, so only the first such checkout of
// a download records it.
func (d *DownloadContext) ResetDownloadStartTime(now time.Time) {
	d.downloadStartedAt = now
	d.downloadStoppedAt = time.Time{}
}

// ResetDownloadStopTime records now as the moment the download finished
// or was paused.
func (d *DownloadContext) ResetDownloadStopTime(now time.Time) {
	d.downloadStoppedAt = now
}

// DownloadStartedAt returns the last recorded start time, the zero
// time.Time if downloading never started.
func (d *DownloadContext) DownloadStartedAt() time.Time { return d.downloadStartedAt }

// DownloadStoppedAt returns the last recorded stop time, the zero
// time.Time if the download is still active or never started.
func (d *DownloadContext) DownloadStoppedAt() time.Time { return d.downloadStoppedAt }

type contextKey struct{}

// ToContext returns a child of parent carrying d, mirroring
// wqsa-bget's meta.Torrent.ToContext/FromContext pair.
func ToContext(parent context.Context, d *DownloadContext) context.Context {
	return context.WithValue(parent, contextKey{}, d)
}

// FromContext retrieves the DownloadContext stored by ToContext, if any.
func FromContext(ctx context.Context) (*DownloadContext, bool) {
	d, ok := ctx.Value(contextKey{}).(*DownloadContext)
	return d, ok
}
