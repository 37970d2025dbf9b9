package elfimg

import (
	"bytes"
	"debug/elf"

	"github.com/pkg/errors"

	"github.com/shockpkg/projector/bytebuf"
)

// Size returns the encoded length: the furthest end of the header, the
// two header tables and every segment and section, never less than 64.
func (img *Image) Size() uint64 {
	size := uint64(header64Size)
	grow := func(end uint64) {
		if end > size {
			size = end
		}
	}
	grow(uint64(img.headerSize()))
	if len(img.Progs) > 0 {
		grow(img.Header.Phoff + uint64(len(img.Progs)*img.progSize()))
	}
	if len(img.Sections) > 0 {
		grow(img.Header.Shoff + uint64(len(img.Sections)*img.sectionSize()))
	}
	for _, p := range img.Progs {
		grow(p.Offset + p.Filesz)
	}
	for _, s := range img.Sections {
		if s.hasData() {
			grow(s.Offset + s.Size)
		}
	}
	return size
}

// Encode serializes the image. Segment bytes are written first, then
// section bytes, then the header tables, so an edit made through a
// section wins over a stale copy held by its segment.
func (img *Image) Encode() ([]byte, error) {
	size := img.Size()
	if size > 1<<31 {
		return nil, errors.Errorf("elfimg: image size 0x%x too large", size)
	}
	out := make([]byte, size)
	copy(out, img.raw)

	for i, p := range img.Progs {
		if uint64(len(p.Data)) != p.Filesz {
			return nil, errors.Errorf("elfimg: program header %d holds 0x%x bytes, filesz 0x%x", i, len(p.Data), p.Filesz)
		}
		copy(out[p.Offset:], p.Data)
	}
	for i, s := range img.Sections {
		if !s.hasData() {
			continue
		}
		if uint64(len(s.Data)) != s.Size {
			return nil, errors.Errorf("elfimg: section %d holds 0x%x bytes, size 0x%x", i, len(s.Data), s.Size)
		}
		copy(out[s.Offset:], s.Data)
	}

	b := bytebuf.New(out, img.Order)
	h := img.Header
	h.Ehsize = uint16(img.headerSize())
	h.Phnum = uint16(len(img.Progs))
	h.Shnum = uint16(len(img.Sections))
	h.Phentsize, h.Shentsize = 0, 0
	if h.Phnum > 0 {
		h.Phentsize = uint16(img.progSize())
	}
	if h.Shnum > 0 {
		h.Shentsize = uint16(img.sectionSize())
	}
	if err := img.encodeHeader(b, &h); err != nil {
		return nil, errors.Wrap(err, "elfimg: header")
	}
	for i, p := range img.Progs {
		if err := img.encodeProg(b, int(h.Phoff)+i*img.progSize(), p); err != nil {
			return nil, errors.Wrapf(err, "elfimg: program header %d", i)
		}
	}
	for i, s := range img.Sections {
		if err := img.encodeSection(b, int(h.Shoff)+i*img.sectionSize(), s); err != nil {
			return nil, errors.Wrapf(err, "elfimg: section header %d", i)
		}
	}
	return out, nil
}

func (img *Image) encodeHeader(b *bytebuf.Buffer, h *Header) error {
	wide := img.Wide()
	w := b.Writer(0)
	w.Bytes(h.Ident[:])
	w.U16(uint16(h.Type))
	w.U16(uint16(h.Machine))
	w.U32(h.Version)
	w.Word(h.Entry, wide)
	w.Word(h.Phoff, wide)
	w.Word(h.Shoff, wide)
	w.U32(h.Flags)
	w.U16(h.Ehsize)
	w.U16(h.Phentsize)
	w.U16(h.Phnum)
	w.U16(h.Shentsize)
	w.U16(h.Shnum)
	w.U16(h.Shstrndx)
	return w.Err()
}

func (img *Image) encodeProg(b *bytebuf.Buffer, off int, p *Prog) error {
	w := b.Writer(off)
	if img.Wide() {
		w.U32(uint32(p.Type))
		w.U32(uint32(p.Flags))
		w.U64(p.Offset)
		w.U64(p.Vaddr)
		w.U64(p.Paddr)
		w.U64(p.Filesz)
		w.U64(p.Memsz)
		w.U64(p.Align)
		return w.Err()
	}
	w.U32(uint32(p.Type))
	w.U32(uint32(p.Offset))
	w.U32(uint32(p.Vaddr))
	w.U32(uint32(p.Paddr))
	w.U32(uint32(p.Filesz))
	w.U32(uint32(p.Memsz))
	w.U32(uint32(p.Flags))
	w.U32(uint32(p.Align))
	return w.Err()
}

func (img *Image) encodeSection(b *bytebuf.Buffer, off int, s *Section) error {
	wide := img.Wide()
	w := b.Writer(off)
	w.U32(s.Name)
	w.U32(uint32(s.Type))
	w.Word(uint64(s.Flags), wide)
	w.Word(s.Addr, wide)
	w.Word(s.Offset, wide)
	w.Word(s.Size, wide)
	w.U32(s.Link)
	w.U32(s.Info)
	w.Word(s.Addralign, wide)
	w.Word(s.Entsize, wide)
	return w.Err()
}

// Validate checks the encoded image with debug/elf and requires the given
// machine and an executable or shared object type.
func Validate(data []byte, machine elf.Machine) error {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "invalid ELF image")
	}
	defer f.Close()

	if f.Machine != machine {
		return errors.Errorf("foreign platform (provided: %s, expected: %s)", f.Machine, machine)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return errors.Errorf("unsupported ELF file type: %s", f.Type)
	}
	return nil
}
