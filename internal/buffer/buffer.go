// Package buffer implements a growable in-memory byte buffer used to assemble linkedit
// blobs, synthesized segments and whole cache images.
package buffer

import (
	"encoding/binary"
	"errors"
	"io"
)

// Buffer implements io.Writer, io.WriterAt and io.ReaderAt on an in-memory byte slice
// that grows as needed. The zero value is an empty buffer ready to use.
type Buffer struct {
	d []byte
}

// New creates a Buffer holding size zero bytes.
func New(size int) *Buffer {
	return &Buffer{d: make([]byte, size)}
}

// Len returns the number of bytes in the buffer.
func (b *Buffer) Len() int { return len(b.d) }

// Bytes returns the buffer's underlying data. It remains valid until the next write.
func (b *Buffer) Bytes() []byte { return b.d }

// Write appends dat. It never fails.
func (b *Buffer) Write(dat []byte) (int, error) {
	b.d = append(b.d, dat...)
	return len(dat), nil
}

// WriteAt implements the io.WriterAt interface, growing the buffer when off+len(dat)
// lies past its end.
func (b *Buffer) WriteAt(dat []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("buffer.Buffer.WriteAt: negative offset")
	}
	// fast path extension
	if int(off) == len(b.d) {
		b.d = append(b.d, dat...)
		return len(dat), nil
	}
	if end := int(off) + len(dat); end > len(b.d) {
		nd := make([]byte, end)
		copy(nd, b.d)
		b.d = nd
	}
	copy(b.d[off:], dat)
	return len(dat), nil
}

// ReadAt implements the io.ReaderAt interface.
func (b *Buffer) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, errors.New("buffer.Buffer.ReadAt: negative offset")
	}
	if off >= int64(len(b.d)) {
		return 0, io.EOF
	}
	n = copy(p, b.d[off:])
	if n < len(p) {
		err = io.EOF
	}
	return
}

// Align zero pads the buffer to a multiple of align and returns the new length.
func (b *Buffer) Align(align int) int {
	if align > 1 {
		if rem := len(b.d) % align; rem != 0 {
			b.d = append(b.d, make([]byte, align-rem)...)
		}
	}
	return len(b.d)
}

// Append aligns the buffer to align and then appends dat, returning the offset dat was
// written at.
func (b *Buffer) Append(dat []byte, align int) uint64 {
	off := b.Align(align)
	b.d = append(b.d, dat...)
	return uint64(off)
}

// PutUint32At writes v little endian at off, growing the buffer if needed.
func (b *Buffer) PutUint32At(off int64, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.WriteAt(tmp[:], off)
}

// PutUint64At writes v little endian at off, growing the buffer if needed.
func (b *Buffer) PutUint64At(off int64, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.WriteAt(tmp[:], off)
}
