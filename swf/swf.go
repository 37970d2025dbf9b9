// Package swf encodes uncompressed movie container files.
package swf

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Magic is the signature of an uncompressed movie.
var Magic = [3]byte{'F', 'W', 'S'}

const (
	TagEnd                = 0
	TagShowFrame          = 1
	TagSetBackgroundColor = 9
	TagDoAction           = 12
)

// Tag is a single tagged record.
type Tag struct {
	Code uint16
	Data []byte
}

// longLength is the short-header length value that signals an explicit
// 32-bit length.
const longLength = 0x3f

// Size returns the encoded size of the tag.
func (t *Tag) Size() int {
	if len(t.Data) < longLength {
		return 2 + len(t.Data)
	}
	return 6 + len(t.Data)
}

// Encode returns the record header followed by the payload.
func (t *Tag) Encode() ([]byte, error) {
	if t.Code > 0x3ff {
		return nil, errors.Errorf("swf: tag code %d exceeds 10 bits", t.Code)
	}
	if uint64(len(t.Data)) > 0xffffffff {
		return nil, errors.Errorf("swf: tag %d payload too large", t.Code)
	}
	out := make([]byte, 0, t.Size())
	if len(t.Data) < longLength {
		out = binary.LittleEndian.AppendUint16(out, t.Code<<6|uint16(len(t.Data)))
	} else {
		out = binary.LittleEndian.AppendUint16(out, t.Code<<6|longLength)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(t.Data)))
	}
	return append(out, t.Data...), nil
}

// Movie is an uncompressed movie container.
type Movie struct {
	Version    uint8
	FrameSize  Rect
	FrameRate  Fixed8
	FrameCount uint16
	Tags       []*Tag
}

// Push appends a tag.
func (m *Movie) Push(code uint16, data []byte) {
	m.Tags = append(m.Tags, &Tag{Code: code, Data: data})
}

// Encode returns the complete movie. The declared size in the header is
// computed from the header and tag sizes.
func (m *Movie) Encode() ([]byte, error) {
	rect, err := m.FrameSize.Encode()
	if err != nil {
		return nil, err
	}
	if err := m.FrameRate.Check(); err != nil {
		return nil, errors.Wrap(err, "frame rate")
	}
	size := 8 + len(rect) + 2 + 2
	for _, t := range m.Tags {
		size += t.Size()
	}
	if uint64(size) > 0xffffffff {
		return nil, errors.New("swf: movie too large")
	}
	out := make([]byte, 0, size)
	out = append(out, Magic[:]...)
	out = append(out, m.Version)
	out = binary.LittleEndian.AppendUint32(out, uint32(size))
	out = append(out, rect...)
	out = append(out, m.FrameRate.Encode()...)
	out = binary.LittleEndian.AppendUint16(out, m.FrameCount)
	for _, t := range m.Tags {
		b, err := t.Encode()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}
