// Package elfimg decodes ELF32 and ELF64 images into editable header,
// segment and section tables and encodes them back.
package elfimg

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/shockpkg/projector/bytebuf"
)

var (
	ErrUnknownFormat = errors.New("elfimg: unknown format")
	ErrNoFreeHeader  = errors.New("elfimg: no free program header")
)

const (
	header32Size  = 52
	header64Size  = 64
	prog32Size    = 32
	prog64Size    = 56
	section32Size = 40
	section64Size = 64
)

// Header holds the fixed ELF file header fields. Table offsets and counts
// are recomputed from the image on Encode.
type Header struct {
	Ident     [elf.EI_NIDENT]byte
	Type      elf.Type
	Machine   elf.Machine
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// Prog is a program header and the file bytes it covers.
type Prog struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
	Data   []byte
}

// Section is a section header and, unless it is SHT_NULL or SHT_NOBITS,
// its file bytes.
type Section struct {
	Name      uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
	Data      []byte
}

func (s *Section) hasData() bool {
	return s.Type != elf.SHT_NULL && s.Type != elf.SHT_NOBITS
}

// Contains reports whether addr lies in [Addr, Addr+Size).
func (s *Section) Contains(addr uint64) bool {
	return addr >= s.Addr && addr-s.Addr < s.Size
}

// Image is a decoded ELF file. Bytes not covered by any segment, section
// or header table are carried over from the decoded input.
type Image struct {
	Class    elf.Class
	Order    binary.ByteOrder
	Header   Header
	Progs    []*Prog
	Sections []*Section

	raw []byte
}

func (img *Image) Wide() bool { return img.Class == elf.ELFCLASS64 }

// Decode parses the ELF image that starts at offset in buf.
func Decode(buf []byte, offset int) (*Image, error) {
	if offset < 0 || offset > len(buf) {
		return nil, errors.Wrapf(bytebuf.ErrOutOfBounds, "elfimg: offset 0x%x", offset)
	}
	data := buf[offset:]
	if len(data) < elf.EI_NIDENT || !bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		return nil, errors.Wrap(ErrUnknownFormat, "bad magic")
	}
	img := &Image{raw: bytes.Clone(data)}
	switch elf.Class(data[elf.EI_CLASS]) {
	case elf.ELFCLASS32, elf.ELFCLASS64:
		img.Class = elf.Class(data[elf.EI_CLASS])
	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "class %d", data[elf.EI_CLASS])
	}
	switch elf.Data(data[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		img.Order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		img.Order = binary.BigEndian
	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "data encoding %d", data[elf.EI_DATA])
	}

	b := bytebuf.New(img.raw, img.Order)
	if err := img.decodeHeader(b); err != nil {
		return nil, err
	}
	if err := img.decodeProgs(b); err != nil {
		return nil, err
	}
	if err := img.decodeSections(b); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) decodeHeader(b *bytebuf.Buffer) error {
	wide := img.Wide()
	h := &img.Header
	c := b.Cursor(0)
	copy(h.Ident[:], c.Bytes(elf.EI_NIDENT))
	h.Type = elf.Type(c.U16())
	h.Machine = elf.Machine(c.U16())
	h.Version = c.U32()
	h.Entry = c.Word(wide)
	h.Phoff = c.Word(wide)
	h.Shoff = c.Word(wide)
	h.Flags = c.U32()
	h.Ehsize = c.U16()
	h.Phentsize = c.U16()
	h.Phnum = c.U16()
	h.Shentsize = c.U16()
	h.Shnum = c.U16()
	h.Shstrndx = c.U16()
	return errors.Wrap(c.Err(), "elfimg: header")
}

func (img *Image) decodeProgs(b *bytebuf.Buffer) error {
	h := &img.Header
	if h.Phnum == 0 {
		return nil
	}
	if int(h.Phentsize) < img.progSize() {
		return errors.Errorf("elfimg: program header size %d", h.Phentsize)
	}
	base, err := span(h.Phoff, uint64(h.Phnum)*uint64(h.Phentsize), b.Len())
	if err != nil {
		return errors.Wrap(err, "elfimg: program header table")
	}
	for i := 0; i < int(h.Phnum); i++ {
		c := b.Cursor(base + i*int(h.Phentsize))
		p := &Prog{}
		if img.Wide() {
			p.Type = elf.ProgType(c.U32())
			p.Flags = elf.ProgFlag(c.U32())
			p.Offset = c.U64()
			p.Vaddr = c.U64()
			p.Paddr = c.U64()
			p.Filesz = c.U64()
			p.Memsz = c.U64()
			p.Align = c.U64()
		} else {
			p.Type = elf.ProgType(c.U32())
			p.Offset = uint64(c.U32())
			p.Vaddr = uint64(c.U32())
			p.Paddr = uint64(c.U32())
			p.Filesz = uint64(c.U32())
			p.Memsz = uint64(c.U32())
			p.Flags = elf.ProgFlag(c.U32())
			p.Align = uint64(c.U32())
		}
		if err := c.Err(); err != nil {
			return errors.Wrapf(err, "elfimg: program header %d", i)
		}
		off, err := span(p.Offset, p.Filesz, b.Len())
		if err != nil {
			return errors.Wrapf(err, "elfimg: program header %d data", i)
		}
		p.Data, _ = bytebuf.Copy(b.Bytes(), off, int(p.Filesz))
		img.Progs = append(img.Progs, p)
	}
	return nil
}

func (img *Image) decodeSections(b *bytebuf.Buffer) error {
	h := &img.Header
	if h.Shnum == 0 {
		return nil
	}
	if int(h.Shentsize) < img.sectionSize() {
		return errors.Errorf("elfimg: section header size %d", h.Shentsize)
	}
	base, err := span(h.Shoff, uint64(h.Shnum)*uint64(h.Shentsize), b.Len())
	if err != nil {
		return errors.Wrap(err, "elfimg: section header table")
	}
	wide := img.Wide()
	for i := 0; i < int(h.Shnum); i++ {
		c := b.Cursor(base + i*int(h.Shentsize))
		s := &Section{}
		s.Name = c.U32()
		s.Type = elf.SectionType(c.U32())
		s.Flags = elf.SectionFlag(c.Word(wide))
		s.Addr = c.Word(wide)
		s.Offset = c.Word(wide)
		s.Size = c.Word(wide)
		s.Link = c.U32()
		s.Info = c.U32()
		s.Addralign = c.Word(wide)
		s.Entsize = c.Word(wide)
		if err := c.Err(); err != nil {
			return errors.Wrapf(err, "elfimg: section header %d", i)
		}
		if s.hasData() {
			off, err := span(s.Offset, s.Size, b.Len())
			if err != nil {
				return errors.Wrapf(err, "elfimg: section %d data", i)
			}
			s.Data, _ = bytebuf.Copy(b.Bytes(), off, int(s.Size))
		}
		img.Sections = append(img.Sections, s)
	}
	if int(h.Shstrndx) >= len(img.Sections) && h.Shstrndx != uint16(elf.SHN_UNDEF) {
		return errors.Errorf("elfimg: section name table index %d", h.Shstrndx)
	}
	return nil
}

// span converts a 64-bit file range to an int offset, rejecting ranges
// that do not fit inside a buffer of length n.
func span(off, size uint64, n int) (int, error) {
	if off > uint64(n) || size > uint64(n)-off {
		return 0, errors.Wrapf(bytebuf.ErrOutOfBounds, "range 0x%x+0x%x length 0x%x", off, size, n)
	}
	return int(off), nil
}

func (img *Image) headerSize() int {
	if img.Wide() {
		return header64Size
	}
	return header32Size
}

func (img *Image) progSize() int {
	if img.Wide() {
		return prog64Size
	}
	return prog32Size
}

func (img *Image) sectionSize() int {
	if img.Wide() {
		return section64Size
	}
	return section32Size
}

// SectionForAddress returns the first section whose address range
// contains addr.
func (img *Image) SectionForAddress(addr uint64) *Section {
	for _, s := range img.Sections {
		if s.Contains(addr) {
			return s
		}
	}
	return nil
}

// SectionName resolves a section name through the section name table.
func (img *Image) SectionName(s *Section) string {
	i := int(img.Header.Shstrndx)
	if i == 0 || i >= len(img.Sections) {
		return ""
	}
	name, _ := bytebuf.CString(img.Sections[i].Data, int(s.Name))
	return name
}

// Section returns the first section called name.
func (img *Image) Section(name string) *Section {
	for _, s := range img.Sections {
		if img.SectionName(s) == name {
			return s
		}
	}
	return nil
}

// ProgForAddress returns the PT_LOAD segment whose file-backed range
// contains addr.
func (img *Image) ProgForAddress(addr uint64) *Prog {
	for _, p := range img.Progs {
		if p.Type == elf.PT_LOAD && addr >= p.Vaddr && addr-p.Vaddr < p.Filesz {
			return p
		}
	}
	return nil
}

// AddressOf maps a file offset to the virtual address it is loaded at.
func (img *Image) AddressOf(off uint64) (uint64, bool) {
	for _, p := range img.Progs {
		if p.Type == elf.PT_LOAD && off >= p.Offset && off-p.Offset < p.Filesz {
			return p.Vaddr + off - p.Offset, true
		}
	}
	return 0, false
}
