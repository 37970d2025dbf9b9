package bytebuf

import "encoding/binary"

// Cursor reads fields sequentially from a Buffer. The first out-of-bounds
// read is recorded and every later read returns zero, so decoders can read a
// whole fixed-layout header and check Err once.
type Cursor struct {
	buf *Buffer
	off int
	err error
}

func (b *Buffer) Cursor(off int) *Cursor {
	return &Cursor{buf: b, off: off}
}

func NewCursor(data []byte, order binary.ByteOrder, off int) *Cursor {
	return New(data, order).Cursor(off)
}

func (c *Cursor) Offset() int { return c.off }

func (c *Cursor) Err() error { return c.err }

func (c *Cursor) Skip(n int) {
	if c.err == nil {
		if c.err = c.buf.Check(c.off, n); c.err == nil {
			c.off += n
		}
	}
}

func (c *Cursor) U8() uint8 {
	if c.err != nil {
		return 0
	}
	var v uint8
	v, c.err = c.buf.Uint8(c.off)
	c.off++
	return v
}

func (c *Cursor) U16() uint16 {
	if c.err != nil {
		return 0
	}
	var v uint16
	v, c.err = c.buf.Uint16(c.off)
	c.off += 2
	return v
}

func (c *Cursor) U32() uint32 {
	if c.err != nil {
		return 0
	}
	var v uint32
	v, c.err = c.buf.Uint32(c.off)
	c.off += 4
	return v
}

func (c *Cursor) U64() uint64 {
	if c.err != nil {
		return 0
	}
	var v uint64
	v, c.err = c.buf.Uint64(c.off)
	c.off += 8
	return v
}

// Word reads a 64-bit field when wide is set and a 32-bit field otherwise.
func (c *Cursor) Word(wide bool) uint64 {
	if wide {
		return c.U64()
	}
	return uint64(c.U32())
}

func (c *Cursor) Bytes(n int) []byte {
	if c.err != nil {
		return nil
	}
	var v []byte
	v, c.err = Copy(c.buf.data, c.off, n)
	c.off += n
	return v
}

// Writer mirrors Cursor for fixed-layout encoders.
type Writer struct {
	buf *Buffer
	off int
	err error
}

func (b *Buffer) Writer(off int) *Writer {
	return &Writer{buf: b, off: off}
}

func (w *Writer) Offset() int { return w.off }

func (w *Writer) Err() error { return w.err }

func (w *Writer) U8(v uint8) {
	if w.err == nil {
		w.err = w.buf.PutUint8(w.off, v)
		w.off++
	}
}

func (w *Writer) U16(v uint16) {
	if w.err == nil {
		w.err = w.buf.PutUint16(w.off, v)
		w.off += 2
	}
}

func (w *Writer) U32(v uint32) {
	if w.err == nil {
		w.err = w.buf.PutUint32(w.off, v)
		w.off += 4
	}
}

func (w *Writer) U64(v uint64) {
	if w.err == nil {
		w.err = w.buf.PutUint64(w.off, v)
		w.off += 8
	}
}

func (w *Writer) Word(v uint64, wide bool) {
	if w.err == nil {
		w.err = w.buf.PutWord(w.off, v, wide)
		if wide {
			w.off += 8
		} else {
			w.off += 4
		}
	}
}

func (w *Writer) Bytes(p []byte) {
	if w.err == nil {
		if w.err = w.buf.Check(w.off, len(p)); w.err == nil {
			copy(w.buf.data[w.off:], p)
			w.off += len(p)
		}
	}
}
