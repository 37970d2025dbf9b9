package peimg

import (
	"bytes"
	"encoding/binary"
	"iter"
	"strings"

	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
	"rsc.io/binaryregexp"

	"github.com/shockpkg/projector/bytebuf"
	"github.com/shockpkg/projector/patch"
)

// TitleSection names the section added to carry a window title that does
// not live in a string table.
const TitleSection = ".shockpk"

// TitlePolicy tells SetTitle how to recognize the default title.
type TitlePolicy struct {
	// Known matches the default title text.
	Known *binaryregexp.Regexp
	// Marker is the prefix of a sibling string identifying the string
	// table that holds the title.
	Marker string
	// Legacy matches a block of exactly two strings, the first being the
	// title.
	Legacy [2]*binaryregexp.Regexp
}

var (
	// push imm32
	titleRef32 = patch.Reference{
		Find:    bytebuf.MustPattern("68 ?? ?? ?? ??"),
		Op:      x86asm.PUSH,
		Operand: patch.Operand{Offset: 1, Style: patch.Absolute, Mode: 32},
	}
	// lea r9, [rip+disp32]
	titleRef64 = patch.Reference{
		Find:    bytebuf.MustPattern("4C 8D 0D ?? ?? ?? ??"),
		Op:      x86asm.LEA,
		Reg:     x86asm.R9,
		Base:    x86asm.RIP,
		Operand: patch.Operand{Offset: 3, End: 7, Style: patch.Relative, Mode: 64},
	}
)

// SetTitle replaces the default window title. A title stored in a string
// table is rewritten in place. Otherwise the title is placed in a new
// read-only section and the single code reference to the old title is
// retargeted to it. On error img is unchanged.
func (img *Image) SetTitle(title string, policy TitlePolicy) error {
	done, err := img.setStringTableTitle(title, policy)
	if err != nil || done {
		return err
	}
	return img.insertTitle(title, policy.Known)
}

// titleIndex returns the index of the title within a string block, or -1.
func (p TitlePolicy) titleIndex(strs []string) int {
	if p.Marker != "" {
		for _, s := range strs {
			if !strings.HasPrefix(s, p.Marker) {
				continue
			}
			for i, t := range strs {
				if p.Known.MatchString(t) {
					return i
				}
			}
			return -1
		}
	}
	if p.Legacy[0] == nil || p.Legacy[1] == nil {
		return -1
	}
	var idx []int
	for i, s := range strs {
		if s != "" {
			idx = append(idx, i)
		}
	}
	if len(idx) == 2 && p.Legacy[0].MatchString(strs[idx[0]]) && p.Legacy[1].MatchString(strs[idx[1]]) {
		return idx[0]
	}
	return -1
}

func (img *Image) setStringTableTitle(title string, policy TitlePolicy) (bool, error) {
	res, err := img.Resources(RTString)
	if err != nil {
		return false, err
	}
	type edit struct {
		data []byte
		enc  []byte
	}
	var edits []edit
	for _, r := range res {
		data, err := r.Bytes(img)
		if err != nil {
			return false, err
		}
		strs, err := ParseStringBlock(data)
		if err != nil {
			return false, errors.Wrapf(err, "peimg: string block %d", r.Name)
		}
		i := policy.titleIndex(strs)
		if i < 0 {
			continue
		}
		strs[i] = title
		enc := EncodeStringBlock(strs)
		if len(enc) > len(data) {
			return false, errors.Wrapf(ErrTooLong, "peimg: string block %d needs %d bytes, has %d", r.Name, len(enc), len(data))
		}
		edits = append(edits, edit{data: data, enc: enc})
	}
	for _, e := range edits {
		copy(e.data, e.enc)
		clear(e.data[len(e.enc):])
	}
	return len(edits) > 0, nil
}

// TitleAddresses returns the virtual addresses of NUL-terminated UTF-16LE
// strings outside the code section that match known.
func (img *Image) TitleAddresses(known *binaryregexp.Regexp) ([]uint64, error) {
	code, err := img.CodeSection()
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, s := range img.File.Sections {
		if s == code || s.Size == 0 {
			continue
		}
		data, err := img.SectionData(s)
		if err != nil {
			return nil, errors.Wrapf(err, "peimg: section %s", s.Name)
		}
		for off, text := range utf16Strings(data) {
			if known.MatchString(text) {
				out = append(out, img.ImageBase()+uint64(s.VirtualAddress)+uint64(off))
			}
		}
	}
	return out, nil
}

// utf16Strings yields each run of non-zero UTF-16 units at an even offset
// that ends in a NUL unit.
func utf16Strings(data []byte) iter.Seq2[int, string] {
	return func(yield func(int, string) bool) {
		start := 0
		for i := 0; i+1 < len(data); i += 2 {
			if binary.LittleEndian.Uint16(data[i:]) != 0 {
				continue
			}
			if i > start && !yield(start, decodeUTF16(data[start:i])) {
				return
			}
			start = i + 2
		}
	}
}

func (img *Image) titleReference() (patch.Reference, error) {
	switch img.Machine() {
	case pe.IMAGE_FILE_MACHINE_I386:
		return titleRef32, nil
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return titleRef64, nil
	}
	return patch.Reference{}, errors.Errorf("peimg: no title reference for machine 0x%x", img.Machine())
}

func (img *Image) insertTitle(title string, known *binaryregexp.Regexp) error {
	ref, err := img.titleReference()
	if err != nil {
		return err
	}
	from, err := img.TitleAddresses(known)
	if err != nil {
		return err
	}

	work := &Image{Data: bytes.Clone(img.Data)}
	if err := work.reload(); err != nil {
		return err
	}
	rva, err := work.AddSection(TitleSection, append(encodeUTF16(title), 0, 0), readOnlyData)
	if err != nil {
		return err
	}
	text, err := work.CodeSection()
	if err != nil {
		return err
	}
	code, err := work.SectionData(text)
	if err != nil {
		return err
	}
	var sites []patch.Site
	for _, off := range ref.FindAll(code) {
		sites = append(sites, patch.Site{Operand: ref.Operand, Match: off})
	}
	codeAddr := work.ImageBase() + uint64(text.VirtualAddress)
	dest := work.ImageBase() + uint64(rva)
	if err := patch.RetargetOnce(code, codeAddr, sites, from, dest, "window title"); err != nil {
		return err
	}
	*img = *work
	return nil
}
