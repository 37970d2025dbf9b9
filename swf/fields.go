package swf

import (
	"math"
	"math/bits"

	"github.com/pkg/errors"
)

// ErrRange is returned for header fields that their encoding cannot hold.
var ErrRange = errors.New("swf: value out of range")

// maxRectBits is the largest width the 5-bit size field can record.
const maxRectBits = 31

// Fixed8 is an 8.8 fixed-point number such as a frame rate.
type Fixed8 float64

// Check reports whether f lies in [0, 256).
func (f Fixed8) Check() error {
	if !(f >= 0 && f < 256) {
		return errors.Wrapf(ErrRange, "fixed 8.8 value %v", float64(f))
	}
	return nil
}

// Raw returns the stored 8.8 value, truncating below 1/256. Values that
// fail Check wrap.
func (f Fixed8) Raw() uint16 {
	return uint16(int64(math.Floor(float64(f)*256)) & 0xffff)
}

// Encode writes the fractional byte before the integer byte.
func (f Fixed8) Encode() []byte {
	v := f.Raw()
	return []byte{byte(v), byte(v >> 8)}
}

// DecodeFixed8 is the inverse of Encode.
func DecodeFixed8(b []byte) Fixed8 {
	return Fixed8(float64(uint16(b[1])<<8|uint16(b[0])) / 256)
}

// Rect is a bounding box in twips.
type Rect struct {
	XMin, XMax, YMin, YMax int32
}

// signedBits returns the number of bits needed to hold v in two's
// complement. Zero needs no bits.
func signedBits(v int32) int {
	if v == 0 {
		return 0
	}
	if v < 0 {
		v = ^v
	}
	return bits.Len32(uint32(v)) + 1
}

// Bits returns the per-field width used to encode r.
func (r Rect) Bits() int {
	n := 0
	for _, v := range [...]int32{r.XMin, r.XMax, r.YMin, r.YMax} {
		n = max(n, signedBits(v))
	}
	return n
}

// Twips converts a pixel length to twips, failing when the result does
// not fit a rect field.
func Twips(px float64) (int32, error) {
	v := math.Round(px * 20)
	if !(v >= math.MinInt32 && v <= math.MaxInt32) {
		return 0, errors.Wrapf(ErrRange, "length %v px", px)
	}
	return int32(v), nil
}

// Encode packs a 5-bit width followed by the four fields, zero padded to a
// whole byte. Fields needing the full 32 bits cannot be recorded.
func (r Rect) Encode() ([]byte, error) {
	n := r.Bits()
	if n > maxRectBits {
		return nil, errors.Wrapf(ErrRange, "rect %v needs %d bits", r, n)
	}
	var w bitWriter
	w.write(uint64(n), 5)
	for _, v := range [...]int32{r.XMin, r.XMax, r.YMin, r.YMax} {
		w.write(uint64(uint32(v)), n)
	}
	return w.bytes(), nil
}

// bitWriter packs values most significant bit first.
type bitWriter struct {
	buf  []byte
	used int
}

func (w *bitWriter) write(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.used%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 != 0 {
			w.buf[len(w.buf)-1] |= 0x80 >> uint(w.used%8)
		}
		w.used++
	}
}

func (w *bitWriter) bytes() []byte {
	return w.buf
}
