package diskio

import (
	"github.com/wqsa/piecestore/dlcontext"
	"github.com/wqsa/piecestore/option"
)

// NewDiskAdaptor implements the §4.5 initStorage selection: a download
// with exactly one FileEntry gets a DirectDiskAdaptor, everything else
// gets a MultiDiskAdaptor; direct-io, file-allocation and max-open-files
// are then applied from opt, the concrete wiring behind spec §6's
// Option-consuming initStorage() contract. A nil opt is treated as an
// empty Option, so every flag falls back to its documented default.
func NewDiskAdaptor(ctx *dlcontext.DownloadContext, opt *option.Option) (DiskAdaptor, error) {
	if opt == nil {
		opt = option.New()
	}

	var d DiskAdaptor
	if len(ctx.Files) == 1 {
		d = NewDirectDiskAdaptor()
	} else {
		d = NewMultiDiskAdaptor()
	}
	d.SetContext(ctx)

	d.EnableDirectIO(opt.GetBool(option.EnableDirectIO, false))
	alloc := opt.GetString(option.FileAllocation, option.AllocNone)
	d.EnableFallocate(alloc == option.AllocFalloc || alloc == option.AllocPrealloc)

	maxOpenFiles, err := opt.GetPositiveInt(option.MaxOpenFiles, 0)
	if err != nil {
		return nil, err
	}
	if maxOpenFiles > 0 {
		d.SetMaxOpenFiles(maxOpenFiles)
	}

	return d, nil
}
