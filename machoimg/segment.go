package machoimg

import (
	"strings"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"

	"github.com/shockpkg/projector/bytebuf"
)

// Segment is a decoded LC_SEGMENT or LC_SEGMENT_64 command. Edits take
// effect when Store writes the fields back into the command.
type Segment struct {
	Name     string
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	Flags    uint32
	Sections []*Section

	cmd  *Command
	wide bool
}

// Section is a section header inside a segment command.
type Section struct {
	Name      string
	Segment   string
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

func segmentSizes(wide bool) (header, section int) {
	if wide {
		return 72, 80
	}
	return 56, 68
}

func fixedName(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func putName(dst []byte, name string) {
	clear(dst[:16])
	copy(dst[:16], name)
}

func (img *Image) decodeSegment(c *Command) (*Segment, error) {
	wide := c.Cmd == types.LC_SEGMENT_64
	cur := bytebuf.NewCursor(c.Data, img.Order, 8)
	s := &Segment{cmd: c, wide: wide}
	s.Name = fixedName(cur.Bytes(16))
	s.VMAddr = cur.Word(wide)
	s.VMSize = cur.Word(wide)
	s.FileOff = cur.Word(wide)
	s.FileSize = cur.Word(wide)
	s.MaxProt = cur.U32()
	s.InitProt = cur.U32()
	nsects := cur.U32()
	s.Flags = cur.U32()
	for i := uint32(0); i < nsects && cur.Err() == nil; i++ {
		sect := &Section{}
		sect.Name = fixedName(cur.Bytes(16))
		sect.Segment = fixedName(cur.Bytes(16))
		sect.Addr = cur.Word(wide)
		sect.Size = cur.Word(wide)
		sect.Offset = cur.U32()
		sect.Align = cur.U32()
		sect.Reloff = cur.U32()
		sect.Nreloc = cur.U32()
		sect.Flags = cur.U32()
		sect.Reserved1 = cur.U32()
		sect.Reserved2 = cur.U32()
		if wide {
			sect.Reserved3 = cur.U32()
		}
		s.Sections = append(s.Sections, sect)
	}
	if err := cur.Err(); err != nil {
		return nil, errors.Wrapf(err, "machoimg: segment command %q", s.Name)
	}
	return s, nil
}

// Store encodes the segment back into its load command, resizing the
// command when the section count changed.
func (s *Segment) Store(img *Image) error {
	header, section := segmentSizes(s.wide)
	data := make([]byte, header+section*len(s.Sections))
	if s.cmd == nil {
		cmd := types.LC_SEGMENT
		if s.wide {
			cmd = types.LC_SEGMENT_64
		}
		s.cmd = &Command{Cmd: cmd}
	}
	w := bytebuf.New(data, img.Order).Writer(0)
	w.U32(uint32(s.cmd.Cmd))
	w.U32(uint32(len(data)))
	var name [16]byte
	putName(name[:], s.Name)
	w.Bytes(name[:])
	w.Word(s.VMAddr, s.wide)
	w.Word(s.VMSize, s.wide)
	w.Word(s.FileOff, s.wide)
	w.Word(s.FileSize, s.wide)
	w.U32(s.MaxProt)
	w.U32(s.InitProt)
	w.U32(uint32(len(s.Sections)))
	w.U32(s.Flags)
	for _, sect := range s.Sections {
		var names [32]byte
		putName(names[:], sect.Name)
		putName(names[16:], sect.Segment)
		w.Bytes(names[:])
		w.Word(sect.Addr, s.wide)
		w.Word(sect.Size, s.wide)
		w.U32(sect.Offset)
		w.U32(sect.Align)
		w.U32(sect.Reloff)
		w.U32(sect.Nreloc)
		w.U32(sect.Flags)
		w.U32(sect.Reserved1)
		w.U32(sect.Reserved2)
		if s.wide {
			w.U32(sect.Reserved3)
		}
	}
	if err := w.Err(); err != nil {
		return errors.Wrapf(err, "machoimg: segment %q", s.Name)
	}
	s.cmd.Data = data
	return nil
}

// Segments decodes every segment command in load command order.
func (img *Image) Segments() ([]*Segment, error) {
	var out []*Segment
	for _, c := range img.Commands {
		if c.Cmd != types.LC_SEGMENT && c.Cmd != types.LC_SEGMENT_64 {
			continue
		}
		s, err := img.decodeSegment(c)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Segment returns the segment called name, or nil.
func (img *Image) Segment(name string) (*Segment, error) {
	segs, err := img.Segments()
	if err != nil {
		return nil, err
	}
	for _, s := range segs {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, nil
}

// Section returns the section sect of segment seg, or nil.
func (img *Image) Section(seg, sect string) (*Section, error) {
	s, err := img.Segment(seg)
	if err != nil || s == nil {
		return nil, err
	}
	for _, x := range s.Sections {
		if x.Name == sect {
			return x, nil
		}
	}
	return nil, nil
}

// SectionData returns the file bytes backing sect. The slice aliases the
// image data.
func (img *Image) SectionData(sect *Section) ([]byte, error) {
	return bytebuf.Slice(img.Data, int(sect.Offset), int(sect.Size))
}

// Bytes returns the file bytes from virtual address addr to the end of
// the section containing it.
func (img *Image) Bytes(addr uint64) []byte {
	segs, err := img.Segments()
	if err != nil {
		return nil
	}
	for _, s := range segs {
		for _, sect := range s.Sections {
			if addr < sect.Addr || addr-sect.Addr >= sect.Size || sect.Offset == 0 {
				continue
			}
			data, err := img.SectionData(sect)
			if err != nil {
				return nil
			}
			return data[addr-sect.Addr:]
		}
	}
	return nil
}

// Command returns the load command backing the segment.
func (s *Segment) Command() *Command { return s.cmd }
