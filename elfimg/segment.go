package elfimg

import (
	"bytes"
	"debug/elf"
	"slices"

	"github.com/pkg/errors"

	"github.com/shockpkg/projector/bytebuf"
)

const pageSize = 0x1000

// AddLoadSegment appends data as a new read-only PT_LOAD segment and
// returns its virtual address. The program header table cannot grow in
// place, so the PT_NOTE header is repurposed and moved after the last
// PT_LOAD. When the image has section headers a matching section called
// name is added, with the name table and section header table moved to
// the end of the file.
func (img *Image) AddLoadSegment(name string, data []byte) (uint64, error) {
	note := slices.IndexFunc(img.Progs, func(p *Prog) bool { return p.Type == elf.PT_NOTE })
	if note < 0 {
		return 0, ErrNoFreeHeader
	}

	var vend uint64
	for _, p := range img.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr+p.Memsz > vend {
			vend = p.Vaddr + p.Memsz
		}
	}
	offset := bytebuf.AlignUp(img.Size(), pageSize)
	vaddr := bytebuf.AlignUp(vend, pageSize) + offset%pageSize
	if !img.Wide() && vaddr+uint64(len(data)) > 0xffffffff {
		return 0, errors.Errorf("elfimg: segment at 0x%x does not fit a 32-bit address space", vaddr)
	}

	p := img.Progs[note]
	*p = Prog{
		Type:   elf.PT_LOAD,
		Flags:  elf.PF_R,
		Offset: offset,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint64(len(data)),
		Memsz:  uint64(len(data)),
		Align:  pageSize,
		Data:   bytes.Clone(data),
	}
	img.Progs = slices.Delete(img.Progs, note, note+1)
	last := -1
	for i, q := range img.Progs {
		if q.Type == elf.PT_LOAD {
			last = i
		}
	}
	img.Progs = slices.Insert(img.Progs, last+1, p)

	if len(img.Sections) > 0 {
		if err := img.appendSection(name, p); err != nil {
			return 0, err
		}
	}
	return vaddr, nil
}

func (img *Image) appendSection(name string, p *Prog) error {
	i := int(img.Header.Shstrndx)
	if i == 0 || i >= len(img.Sections) {
		return errors.New("elfimg: no section name table")
	}
	strtab := img.Sections[i]
	index := uint32(len(strtab.Data))
	strtab.Data = append(bytes.Clone(strtab.Data), append([]byte(name), 0)...)
	strtab.Size = uint64(len(strtab.Data))
	strtab.Offset = p.Offset + p.Filesz

	img.Sections = append(img.Sections, &Section{
		Name:      index,
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC,
		Addr:      p.Vaddr,
		Offset:    p.Offset,
		Size:      p.Filesz,
		Addralign: 16,
		Data:      p.Data,
	})

	align := uint64(4)
	if img.Wide() {
		align = 8
	}
	img.Header.Shoff = bytebuf.AlignUp(strtab.Offset+strtab.Size, align)
	return nil
}
