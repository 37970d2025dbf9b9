package projector

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/shockpkg/projector/bytebuf"
)

// SpliceMagic marks a movie appended to a player. It is stored little
// endian, followed by the little-endian movie length.
const SpliceMagic = 0xFA123456

const trailerSize = 8

// Splice returns player followed by movie and the splice trailer.
func Splice(player, movie []byte) ([]byte, error) {
	if uint64(len(movie)) > math.MaxUint32 {
		return nil, errors.Errorf("projector: movie of %d bytes too large to splice", len(movie))
	}
	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], SpliceMagic)
	binary.LittleEndian.PutUint32(trailer[4:], uint32(len(movie)))
	return bytebuf.Concat(player, movie, trailer[:]), nil
}

// SplicedMovie returns the movie appended to a projector, if any.
func SplicedMovie(data []byte) ([]byte, bool) {
	if len(data) < trailerSize {
		return nil, false
	}
	b := bytebuf.New(data, binary.LittleEndian)
	end := len(data) - trailerSize
	magic, _ := b.Uint32(end)
	size, _ := b.Uint32(end + 4)
	if magic != SpliceMagic || uint64(size) > uint64(end) {
		return nil, false
	}
	return bytes.Clone(data[end-int(size) : end]), true
}
