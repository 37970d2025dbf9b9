package swf

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// ErrVersion is returned for loader versions without a supported action
// bytecode dialect.
var ErrVersion = errors.New("swf: loader requires version 4 or later")

const (
	actionEnd          = 0x00
	actionConstantPool = 0x88
	actionPush         = 0x96
	actionGetURL2      = 0x9a

	pushString    = 0
	pushConstant8 = 8

	// getURL2 flag: load the target into a movie clip level instead of a
	// browser window.
	getURL2LoadTarget = 0x40
)

// LoaderOptions describes a stub movie that waits Delay frames and then
// loads URL into the root timeline.
type LoaderOptions struct {
	Version    uint8
	Width      float64
	Height     float64
	FrameRate  float64
	Background uint32
	URL        string
	Delay      int
}

// Loader encodes a loader stub movie.
func Loader(opts LoaderOptions) ([]byte, error) {
	if opts.Version < 4 {
		return nil, errors.Wrapf(ErrVersion, "version %d", opts.Version)
	}
	if strings.ContainsRune(opts.URL, 0) {
		return nil, errors.New("swf: loader url contains NUL")
	}
	delay := max(opts.Delay, 0)
	if delay+1 > math.MaxUint16 {
		return nil, errors.Errorf("swf: loader delay %d too large", delay)
	}

	width, err := Twips(opts.Width)
	if err != nil {
		return nil, errors.Wrap(err, "width")
	}
	height, err := Twips(opts.Height)
	if err != nil {
		return nil, errors.Wrap(err, "height")
	}

	m := &Movie{
		Version:    opts.Version,
		FrameSize:  Rect{XMax: width, YMax: height},
		FrameRate:  Fixed8(opts.FrameRate),
		FrameCount: uint16(delay + 1),
	}
	bg := opts.Background
	m.Push(TagSetBackgroundColor, []byte{byte(bg >> 16), byte(bg >> 8), byte(bg)})
	for range delay {
		m.Push(TagShowFrame, nil)
	}
	m.Push(TagDoAction, loadActions(opts.Version, opts.URL, "/"))
	m.Push(TagShowFrame, nil)
	m.Push(TagEnd, nil)
	return m.Encode()
}

// loadActions returns bytecode equivalent to loadMovie(url, target).
// Version 5 and later reference the strings through a constant pool.
func loadActions(version uint8, url, target string) []byte {
	var out []byte
	if version >= 5 {
		var pool []byte
		pool = binary.LittleEndian.AppendUint16(pool, 2)
		pool = appendCString(pool, url)
		pool = appendCString(pool, target)
		out = appendAction(out, actionConstantPool, pool)
		out = appendAction(out, actionPush, []byte{pushConstant8, 0, pushConstant8, 1})
	} else {
		out = appendAction(out, actionPush, appendCString([]byte{pushString}, url))
		out = appendAction(out, actionPush, appendCString([]byte{pushString}, target))
	}
	out = appendAction(out, actionGetURL2, []byte{getURL2LoadTarget})
	return append(out, actionEnd)
}

func appendAction(out []byte, code byte, data []byte) []byte {
	out = append(out, code)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(data)))
	return append(out, data...)
}

func appendCString(out []byte, s string) []byte {
	return append(append(out, s...), 0)
}
