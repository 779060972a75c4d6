// Package diskio implements the file-system-facing half of the piece
// storage core: translating a byte range in the concatenated piece
// space into reads and writes against one or more on-disk files.
// Grounded on wqsa-bget's storage.Storage/storage.resource/storage.file
// trio, generalized to support both the single-file and multi-file
// layouts aria2's DirectDiskAdaptor/MultiDiskAdaptor split covers.
package diskio

import "github.com/wqsa/piecestore/dlcontext"

// DiskAdaptor is the seam PieceStorage writes and reads piece data
// through. DirectDiskAdaptor backs single-file downloads; MultiDiskAdaptor
// backs multi-file downloads, fanning a byte range out across whichever
// underlying files it overlaps.
type DiskAdaptor interface {
	// Init opens (and, if allocate is set, preallocates) the backing
	// file(s) described by the DownloadContext passed to SetContext.
	Init() error
	// Close releases every open file handle.
	Close() error
	// ReadData reads len(p) bytes starting at offset in the
	// concatenated piece space.
	ReadData(p []byte, offset int64) (int, error)
	// WriteData writes p starting at offset in the concatenated piece
	// space.
	WriteData(p []byte, offset int64) (int, error)
	// Size returns the total length of the underlying file(s).
	Size() int64

	SetContext(ctx *dlcontext.DownloadContext)
	SetDiskWriterFactory(f DiskWriterFactory)
	SetMaxOpenFiles(n int)
	EnableDirectIO(enable bool)
	EnableFallocate(enable bool)
}

// baseAdaptor holds the fields every DiskAdaptor implementation needs,
// the same roll-up wqsa-bget's resource type performs for path/piece
// bookkeeping shared by every file it manages.
type baseAdaptor struct {
	ctx           *dlcontext.DownloadContext
	writerFactory DiskWriterFactory
	maxOpenFiles  int
	directIO      bool
	fallocate     bool
	closed        bool
}

func (b *baseAdaptor) SetContext(ctx *dlcontext.DownloadContext) { b.ctx = ctx }
func (b *baseAdaptor) SetDiskWriterFactory(f DiskWriterFactory)  { b.writerFactory = f }
func (b *baseAdaptor) SetMaxOpenFiles(n int)                     { b.maxOpenFiles = n }
func (b *baseAdaptor) EnableDirectIO(enable bool)                { b.directIO = enable }
func (b *baseAdaptor) EnableFallocate(enable bool)               { b.fallocate = enable }

func (b *baseAdaptor) factory() DiskWriterFactory {
	if b.writerFactory != nil {
		return b.writerFactory
	}
	return NewOSDiskWriterFactory(b.directIO)
}
