package projector

import (
	"debug/elf"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/shockpkg/projector/elfimg"
	"github.com/shockpkg/projector/internal/catalog"
	"github.com/shockpkg/projector/patch"
)

// TitleSegment names the section added to ELF players for a title that
// does not fit the original string.
const TitleSegment = ".shockpkg"

type linuxArch struct {
	name      string
	machine   elf.Machine
	titleRefs []patch.Reference
	menu      []patch.Candidate
	pathFix   []patch.Candidate
	offsetFix []patch.Candidate
}

// titleString is a default title located in a data section.
type titleString struct {
	section *elfimg.Section
	offset  int
	size    int // including the NUL
}

func linuxPlayer(arch linuxArch) func([]byte, Options) ([]byte, error) {
	return func(player []byte, opts Options) ([]byte, error) {
		if err := elfimg.Validate(player, arch.machine); err != nil {
			return nil, err
		}
		if opts.DisableOutOfDate || opts.RemoveSignature || len(opts.VersionStrings) > 0 || len(opts.Icon) > 0 {
			return nil, errors.Wrap(ErrUnsupported, "out-of-date, signature, icon and version string patches are Windows and Mac only")
		}
		if opts.OffsetFix && arch.offsetFix == nil {
			return nil, errors.Wrap(ErrUnsupported, "offset fix")
		}
		img, err := elfimg.Decode(player, 0)
		if err != nil {
			return nil, err
		}
		text := img.SectionForAddress(img.Header.Entry)
		if text == nil || text.Data == nil {
			return nil, errors.Errorf("no section holds the entry point 0x%x", img.Header.Entry)
		}

		if opts.Title != "" {
			if err := arch.patchTitle(img, text, opts.Title); err != nil {
				return nil, err
			}
			applied(arch.name, "title", opts)
		}
		steps := []struct {
			on    bool
			label string
			table []patch.Candidate
		}{
			{opts.RemoveMenu, "menu removal", arch.menu},
			{opts.PathFix, "path fix", arch.pathFix},
			{opts.OffsetFix, "offset fix", arch.offsetFix},
		}
		for _, s := range steps {
			if !s.on {
				continue
			}
			if err := patch.Once(text.Data, s.table, s.label); err != nil {
				return nil, err
			}
			applied(arch.name, s.label, opts)
		}
		return img.Encode()
	}
}

// findTitles returns every NUL-terminated default title in the allocated
// data sections other than text.
func findTitles(img *elfimg.Image, text *elfimg.Section) []titleString {
	var out []titleString
	for _, s := range img.Sections {
		if s == text || s.Type != elf.SHT_PROGBITS || s.Flags&elf.SHF_ALLOC == 0 || s.Flags&elf.SHF_EXECINSTR != 0 {
			continue
		}
		start := 0
		for i, c := range s.Data {
			if c != 0 {
				continue
			}
			if i > start && catalog.KnownTitle.Match(s.Data[start:i]) {
				out = append(out, titleString{section: s, offset: start, size: i + 1 - start})
			}
			start = i + 1
		}
	}
	return out
}

// patchTitle writes title over the default title when it fits. Otherwise
// the title goes into a new segment and the unique code reference to the
// old string is retargeted.
func (arch linuxArch) patchTitle(img *elfimg.Image, text *elfimg.Section, title string) error {
	found := findTitles(img, text)
	if len(found) == 0 {
		return errors.New("no default window title string")
	}
	fits := true
	for _, f := range found {
		if len(title)+1 > f.size {
			fits = false
		}
	}
	if fits {
		for _, f := range found {
			slot := f.section.Data[f.offset : f.offset+f.size]
			clear(slot)
			copy(slot, title)
		}
		log.WithField("strings", len(found)).Debug("title rewritten in place")
		return nil
	}

	from := make([]uint64, len(found))
	for i, f := range found {
		from[i] = f.section.Addr + uint64(f.offset)
	}
	var sites []patch.Site
	for _, ref := range arch.titleRefs {
		for _, off := range ref.FindAll(text.Data) {
			site := patch.Site{Operand: ref.Operand, Match: off}
			if ref.Base == x86asm.EBX {
				base, ok := patch.FindPCBase(text.Data, text.Addr, off, x86asm.EBX)
				if !ok {
					continue
				}
				site.Base = base
			}
			sites = append(sites, site)
		}
	}
	hit, err := patch.Unique(text.Data, text.Addr, sites, from, "window title")
	if err != nil {
		return err
	}
	addr, err := img.AddLoadSegment(TitleSegment, append([]byte(title), 0))
	if err != nil {
		return err
	}
	s := sites[hit]
	return s.Operand.Encode(text.Data, s.Match, text.Addr, s.Base, addr)
}
