package storage

import (
	"io"

	"backupd/internal/adapter"
)

// progressReader counts bytes read and reports them to a progress
// callback. total may be -1 when the source size is unknown.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	cb    adapter.ProgressFunc
}

func newProgressReader(r io.Reader, total int64, cb adapter.ProgressFunc) io.Reader {
	if cb == nil {
		return r
	}
	return &progressReader{r: r, total: total, cb: cb}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.cb(p.read, p.total)
	}
	return n, err
}

// progressReadSeeker wraps a ReadSeeker for APIs that may rewind the
// body (e.g. the S3 client's retry path). Seeking back rewinds the
// reported count so progress never exceeds the real transfer.
type progressReadSeeker struct {
	rs    io.ReadSeeker
	total int64
	read  int64
	cb    adapter.ProgressFunc
}

func newProgressReadSeeker(rs io.ReadSeeker, total int64, cb adapter.ProgressFunc) io.ReadSeeker {
	if cb == nil {
		return rs
	}
	return &progressReadSeeker{rs: rs, total: total, cb: cb}
}

func (p *progressReadSeeker) Read(b []byte) (int, error) {
	n, err := p.rs.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.cb(p.read, p.total)
	}
	return n, err
}

func (p *progressReadSeeker) Seek(offset int64, whence int) (int64, error) {
	pos, err := p.rs.Seek(offset, whence)
	if err == nil {
		p.read = pos
	}
	return pos, err
}

// progressWriter counts bytes written.
type progressWriter struct {
	w       io.Writer
	total   int64
	written int64
	cb      adapter.ProgressFunc
}

func newProgressWriter(w io.Writer, total int64, cb adapter.ProgressFunc) io.Writer {
	if cb == nil {
		return w
	}
	return &progressWriter{w: w, total: total, cb: cb}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 {
		p.written += int64(n)
		p.cb(p.written, p.total)
	}
	return n, err
}
