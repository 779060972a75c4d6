package diskio

// DirectDiskAdaptor backs a single-file download: every read/write maps
// straight onto one DiskWriter at the same offset, no file-range lookup
// needed. Grounded on aria2's DirectDiskAdaptor, the degenerate case of
// wqsa-bget's resource type with exactly one file.
type DirectDiskAdaptor struct {
	baseAdaptor
	writer DiskWriter
}

// NewDirectDiskAdaptor returns a DirectDiskAdaptor. Call SetContext and
// Init before use.
func NewDirectDiskAdaptor() *DirectDiskAdaptor {
	return &DirectDiskAdaptor{}
}

// Init implements DiskAdaptor.
func (d *DirectDiskAdaptor) Init() error {
	if len(d.ctx.Files) == 0 {
		return ErrNoSuchPiece
	}
	path := d.ctx.Files[0].Path
	d.writer = d.factory().NewDiskWriter(path)
	return d.writer.Open(d.fallocate, d.ctx.TotalLength)
}

// Close implements DiskAdaptor.
func (d *DirectDiskAdaptor) Close() error {
	if d.closed || d.writer == nil {
		return nil
	}
	d.closed = true
	return d.writer.Close()
}

// ReadData implements DiskAdaptor.
func (d *DirectDiskAdaptor) ReadData(p []byte, offset int64) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}
	return d.writer.ReadAt(p, offset)
}

// WriteData implements DiskAdaptor.
func (d *DirectDiskAdaptor) WriteData(p []byte, offset int64) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}
	return d.writer.WriteAt(p, offset)
}

// Size implements DiskAdaptor.
func (d *DirectDiskAdaptor) Size() int64 {
	if d.ctx == nil {
		return 0
	}
	return d.ctx.TotalLength
}
