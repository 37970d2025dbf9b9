// Package machoimg reads thin and universal Mach-O images and performs the
// load command edits needed to rebrand a player binary.
package machoimg

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"

	"github.com/shockpkg/projector/bytebuf"
)

var (
	ErrUnknownFormat = errors.New("machoimg: unknown format")
	ErrFat           = errors.New("machoimg: universal binary where a thin image is required")
	ErrNoSpace       = errors.New("machoimg: no space for load commands")
	ErrNotSigned     = errors.New("machoimg: not signed")
)

// Command is one load command, including its cmd and cmdsize words.
type Command struct {
	Cmd  types.LoadCmd
	Data []byte
}

// Image is a thin Mach-O file. Data holds the whole file; the header and
// load command region is rewritten from Header and Commands on Encode.
type Image struct {
	Header   types.FileHeader
	Order    binary.ByteOrder
	Commands []*Command
	Data     []byte

	// cmdEnd is the end of the load command region as decoded.
	cmdEnd int
}

func (img *Image) Wide() bool { return img.Header.Magic == types.Magic64 }

func (img *Image) headerSize() int {
	if img.Wide() {
		return types.FileHeaderSize64
	}
	return types.FileHeaderSize32
}

// byteOrder reports the byte order of a thin header, or false if data does
// not start with a thin Mach-O magic.
func byteOrder(data []byte) (binary.ByteOrder, types.Magic, bool) {
	if len(data) < 4 {
		return nil, 0, false
	}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		switch m := types.Magic(order.Uint32(data)); m {
		case types.Magic32, types.Magic64:
			return order, m, true
		}
	}
	return nil, 0, false
}

// IsFat reports whether data starts with the universal binary magic.
func IsFat(data []byte) bool {
	return len(data) >= 4 && types.Magic(binary.BigEndian.Uint32(data)) == types.MagicFat
}

// Decode parses a thin Mach-O image. The image keeps its own copy of data.
func Decode(data []byte) (*Image, error) {
	if IsFat(data) {
		return nil, ErrFat
	}
	order, magic, ok := byteOrder(data)
	if !ok {
		return nil, errors.Wrap(ErrUnknownFormat, "bad magic")
	}
	img := &Image{Order: order, Data: bytes.Clone(data)}
	c := bytebuf.NewCursor(img.Data, order, 0)
	h := &img.Header
	h.Magic = types.Magic(c.U32())
	h.CPU = types.CPU(c.U32())
	h.SubCPU = types.CPUSubtype(c.U32())
	h.Type = types.HeaderFileType(c.U32())
	h.NCommands = c.U32()
	h.SizeCommands = c.U32()
	h.Flags = types.HeaderFlag(c.U32())
	if magic == types.Magic64 {
		h.Reserved = c.U32()
	}
	if err := c.Err(); err != nil {
		return nil, errors.Wrap(err, "machoimg: header")
	}

	start := img.headerSize()
	end := start + int(h.SizeCommands)
	if err := bytebuf.New(img.Data, order).Check(start, int(h.SizeCommands)); err != nil {
		return nil, errors.Wrap(err, "machoimg: load commands")
	}
	off := start
	for i := uint32(0); i < h.NCommands; i++ {
		if off+8 > end {
			return nil, errors.Errorf("machoimg: load command %d header past sizeofcmds", i)
		}
		cmd := types.LoadCmd(order.Uint32(img.Data[off:]))
		size := int(order.Uint32(img.Data[off+4:]))
		if size < 8 || size%4 != 0 || size > end-off {
			return nil, errors.Errorf("machoimg: load command %d (%s) has bad size %d", i, cmd, size)
		}
		img.Commands = append(img.Commands, &Command{Cmd: cmd, Data: bytes.Clone(img.Data[off : off+size])})
		off += size
	}
	img.cmdEnd = end
	return img, nil
}

// Encode writes the header and load commands back into the file bytes and
// returns the result. The load commands must still end before the first
// section's file data.
func (img *Image) Encode() ([]byte, error) {
	size := 0
	for _, c := range img.Commands {
		if len(c.Data) < 8 || len(c.Data)%4 != 0 {
			return nil, errors.Errorf("machoimg: %s command has size %d", c.Cmd, len(c.Data))
		}
		size += len(c.Data)
	}
	if err := img.checkSpace(0); err != nil {
		return nil, err
	}
	start := img.headerSize()

	out := bytes.Clone(img.Data)
	h := img.Header
	h.NCommands = uint32(len(img.Commands))
	h.SizeCommands = uint32(size)
	h.Put(out, img.Order)

	off := start
	for _, c := range img.Commands {
		img.Order.PutUint32(c.Data, uint32(c.Cmd))
		img.Order.PutUint32(c.Data[4:], uint32(len(c.Data)))
		off += copy(out[off:], c.Data)
	}
	if off < img.cmdEnd {
		clear(out[off:img.cmdEnd])
	}
	return out, nil
}

// checkSpace fails with ErrNoSpace unless the load commands plus extra
// bytes fit before the first section data.
func (img *Image) checkSpace(extra int) error {
	limit, err := img.commandLimit()
	if err != nil {
		return err
	}
	size := extra
	for _, c := range img.Commands {
		size += len(c.Data)
	}
	if have := limit - img.headerSize(); size > have {
		return errors.Wrapf(ErrNoSpace, "need 0x%x bytes, have 0x%x", size, have)
	}
	return nil
}

// commandLimit returns the file offset the load command region may grow
// to: the lowest file offset of any section or non-empty segment data.
func (img *Image) commandLimit() (int, error) {
	limit := len(img.Data)
	segs, err := img.Segments()
	if err != nil {
		return 0, err
	}
	for _, s := range segs {
		if s.FileOff > 0 && s.FileSize > 0 && int(s.FileOff) < limit {
			limit = int(s.FileOff)
		}
		for _, sect := range s.Sections {
			if sect.Offset > 0 && sect.Size > 0 && int(sect.Offset) < limit {
				limit = int(sect.Offset)
			}
		}
	}
	return limit, nil
}

// Command returns the first load command of type cmd.
func (img *Image) Command(cmd types.LoadCmd) *Command {
	for _, c := range img.Commands {
		if c.Cmd == cmd {
			return c
		}
	}
	return nil
}

func (img *Image) removeCommand(c *Command) {
	for i, x := range img.Commands {
		if x == c {
			img.Commands = append(img.Commands[:i], img.Commands[i+1:]...)
			return
		}
	}
}

func (img *Image) insertCommand(at int, c *Command) {
	img.Commands = append(img.Commands, nil)
	copy(img.Commands[at+1:], img.Commands[at:])
	img.Commands[at] = c
}
