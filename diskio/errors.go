package diskio

import "github.com/pkg/errors"

// fileError wraps an I/O failure with the path it happened on, the same
// shape as wqsa-bget's fileError in storage/file.go: callers that want
// the underlying *os.PathError (or io.EOF, etc.) can still get to it via
// errors.Unwrap/errors.Is.
type fileError struct {
	path string
	op   string
	err  error
}

func (e *fileError) Error() string {
	return e.op + " " + e.path + ": " + e.err.Error()
}

func (e *fileError) Unwrap() error { return e.err }

func wrapFileError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&fileError{path: path, op: op, err: err})
}

// ErrNoSuchPiece is returned when a read or write addresses a byte
// offset past the end of the download's files, and by Init when the
// DownloadContext lists no files.
var ErrNoSuchPiece = errors.New("diskio: no such piece index")

// ErrClosed is returned by ReadData and WriteData on an adaptor after
// Close.
var ErrClosed = errors.New("diskio: adaptor is closed")
