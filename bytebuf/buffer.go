// Package bytebuf provides bounds-checked integer access, slicing and
// searching over in-memory binary images.
package bytebuf

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrOutOfBounds is returned for any access past the end of a buffer.
var ErrOutOfBounds = errors.New("bytebuf: out of bounds")

// Buffer is a byte slice paired with the byte order used for multi-byte
// reads and writes.
type Buffer struct {
	data  []byte
	order binary.ByteOrder
}

func New(data []byte, order binary.ByteOrder) *Buffer {
	return &Buffer{data: data, order: order}
}

func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) Len() int { return len(b.data) }

func (b *Buffer) Order() binary.ByteOrder { return b.order }

// Check reports ErrOutOfBounds unless [off, off+size) lies inside the buffer.
func (b *Buffer) Check(off, size int) error {
	return check(len(b.data), off, size)
}

func check(length, off, size int) error {
	if off < 0 || size < 0 || off > length || size > length-off {
		return errors.Wrapf(ErrOutOfBounds, "offset 0x%x size 0x%x length 0x%x", off, size, length)
	}
	return nil
}

func (b *Buffer) Uint8(off int) (uint8, error) {
	if err := b.Check(off, 1); err != nil {
		return 0, err
	}
	return b.data[off], nil
}

func (b *Buffer) Uint16(off int) (uint16, error) {
	if err := b.Check(off, 2); err != nil {
		return 0, err
	}
	return b.order.Uint16(b.data[off:]), nil
}

func (b *Buffer) Uint32(off int) (uint32, error) {
	if err := b.Check(off, 4); err != nil {
		return 0, err
	}
	return b.order.Uint32(b.data[off:]), nil
}

func (b *Buffer) Uint64(off int) (uint64, error) {
	if err := b.Check(off, 8); err != nil {
		return 0, err
	}
	return b.order.Uint64(b.data[off:]), nil
}

// Word reads a 32-bit or 64-bit value depending on wide.
func (b *Buffer) Word(off int, wide bool) (uint64, error) {
	if wide {
		return b.Uint64(off)
	}
	v, err := b.Uint32(off)
	return uint64(v), err
}

func (b *Buffer) PutUint8(off int, v uint8) error {
	if err := b.Check(off, 1); err != nil {
		return err
	}
	b.data[off] = v
	return nil
}

func (b *Buffer) PutUint16(off int, v uint16) error {
	if err := b.Check(off, 2); err != nil {
		return err
	}
	b.order.PutUint16(b.data[off:], v)
	return nil
}

func (b *Buffer) PutUint32(off int, v uint32) error {
	if err := b.Check(off, 4); err != nil {
		return err
	}
	b.order.PutUint32(b.data[off:], v)
	return nil
}

func (b *Buffer) PutUint64(off int, v uint64) error {
	if err := b.Check(off, 8); err != nil {
		return err
	}
	b.order.PutUint64(b.data[off:], v)
	return nil
}

// PutWord writes a 32-bit or 64-bit value depending on wide. A value that
// does not fit in 32 bits is rejected rather than truncated.
func (b *Buffer) PutWord(off int, v uint64, wide bool) error {
	if wide {
		return b.PutUint64(off, v)
	}
	if v > 0xffffffff {
		return errors.Errorf("bytebuf: value 0x%x does not fit in 32 bits", v)
	}
	return b.PutUint32(off, uint32(v))
}

// Sub returns a view of size bytes starting at start. The view shares
// storage with b but its capacity is clamped so appends cannot write past
// the declared bounds.
func (b *Buffer) Sub(start, size int) (*Buffer, error) {
	if err := b.Check(start, size); err != nil {
		return nil, err
	}
	return &Buffer{data: b.data[start : start+size : start+size], order: b.order}, nil
}

// Slice is Sub for plain byte slices.
func Slice(data []byte, start, size int) ([]byte, error) {
	if err := check(len(data), start, size); err != nil {
		return nil, err
	}
	return data[start : start+size : start+size], nil
}

// Copy returns a fresh copy of size bytes starting at start.
func Copy(data []byte, start, size int) ([]byte, error) {
	s, err := Slice(data, start, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, s)
	return out, nil
}

// Concat joins bufs in order without padding.
func Concat(bufs ...[]byte) []byte {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	out := make([]byte, 0, n)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

// Align appends zero bytes until len(data) is a multiple of boundary.
func Align(data []byte, boundary int) []byte {
	if boundary <= 1 {
		return data
	}
	if r := len(data) % boundary; r != 0 {
		data = append(data, make([]byte, boundary-r)...)
	}
	return data
}

// AlignUp rounds v up to a multiple of a. A zero alignment returns v.
func AlignUp(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	if r := v % a; r != 0 {
		v += a - r
	}
	return v
}

// CString returns the NUL-terminated string starting at off.
func CString(data []byte, off int) (string, bool) {
	if off < 0 || off >= len(data) {
		return "", false
	}
	for i := off; i < len(data); i++ {
		if data[i] == 0 {
			return string(data[off:i]), true
		}
	}
	return "", false
}
