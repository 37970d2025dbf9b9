// Package peimg applies projector edits to Windows PE images: resource
// string and version rewrites, section insertion, signature removal and
// code patches.
package peimg

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"

	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"

	"github.com/shockpkg/projector/bytebuf"
	"github.com/shockpkg/projector/patch"
)

var (
	ErrUnknownFormat = errors.New("peimg: unknown format")
	ErrTooLong       = errors.New("peimg: value does not fit the existing slot")
	ErrNoHeaderSpace = errors.New("peimg: no space for another section header")
)

const (
	dirResource = 2
	dirSecurity = 4

	sectionHeaderSize = 40

	// IMAGE_SCN_CNT_INITIALIZED_DATA | IMAGE_SCN_MEM_READ
	readOnlyData = 0x40000040
)

// Image is a PE file held in memory. File is the parsed view of Data and
// is refreshed after every structural edit.
type Image struct {
	Data []byte
	File *pe.File

	wide   bool
	peOff  int
	optOff int
}

// Decode parses a PE image. The image keeps its own copy of data.
func Decode(data []byte) (*Image, error) {
	img := &Image{Data: bytes.Clone(data)}
	if err := img.reload(); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) reload() error {
	f, err := pe.NewFile(bytes.NewReader(img.Data))
	if err != nil {
		return errors.Wrap(ErrUnknownFormat, err.Error())
	}
	switch f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		img.wide = false
	case *pe.OptionalHeader64:
		img.wide = true
	default:
		return errors.Wrap(ErrUnknownFormat, "no optional header")
	}
	img.File = f
	img.peOff = int(binary.LittleEndian.Uint32(img.Data[0x3c:]))
	img.optOff = img.peOff + 4 + 20
	return nil
}

func (img *Image) buf() *bytebuf.Buffer { return bytebuf.New(img.Data, binary.LittleEndian) }

// Wide reports a PE32+ image.
func (img *Image) Wide() bool { return img.wide }

// Machine returns the COFF machine type.
func (img *Image) Machine() uint16 { return img.File.FileHeader.Machine }

// ImageBase returns the preferred load address.
func (img *Image) ImageBase() uint64 {
	switch oh := img.File.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		return oh.ImageBase
	}
	return 0
}

func (img *Image) alignment() (section, file uint32) {
	switch oh := img.File.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return oh.SectionAlignment, oh.FileAlignment
	case *pe.OptionalHeader64:
		return oh.SectionAlignment, oh.FileAlignment
	}
	return 0x1000, 0x200
}

func (img *Image) sizeOfHeaders() uint32 {
	switch oh := img.File.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return oh.SizeOfHeaders
	case *pe.OptionalHeader64:
		return oh.SizeOfHeaders
	}
	return 0
}

// dirOffset returns the file offset of data directory entry i.
func (img *Image) dirOffset(i int) int {
	if img.wide {
		return img.optOff + 112 + 8*i
	}
	return img.optOff + 96 + 8*i
}

// Directory returns the RVA and size of data directory entry i.
func (img *Image) Directory(i int) (uint32, uint32) {
	var dirs [16]pe.DataDirectory
	var n uint32
	switch oh := img.File.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dirs, n = oh.DataDirectory, oh.NumberOfRvaAndSizes
	case *pe.OptionalHeader64:
		dirs, n = oh.DataDirectory, oh.NumberOfRvaAndSizes
	}
	if i >= int(n) || i >= len(dirs) {
		return 0, 0
	}
	return dirs[i].VirtualAddress, dirs[i].Size
}

// Offset maps an RVA to a file offset.
func (img *Image) Offset(rva uint32) (int, bool) {
	for _, s := range img.File.Sections {
		if rva >= s.VirtualAddress && rva-s.VirtualAddress < s.Size {
			return int(s.Offset + rva - s.VirtualAddress), true
		}
	}
	return 0, false
}

// RVA maps a file offset to an RVA.
func (img *Image) RVA(off int) (uint32, bool) {
	for _, s := range img.File.Sections {
		if off >= int(s.Offset) && off-int(s.Offset) < int(s.Size) {
			return s.VirtualAddress + uint32(off) - s.Offset, true
		}
	}
	return 0, false
}

// Section returns the named section, or nil.
func (img *Image) Section(name string) *pe.Section {
	return img.File.Section(name)
}

// SectionData returns the raw bytes of s. The slice aliases Data.
func (img *Image) SectionData(s *pe.Section) ([]byte, error) {
	return bytebuf.Slice(img.Data, int(s.Offset), int(s.Size))
}

// CodeSection returns the section holding the entry point.
func (img *Image) CodeSection() (*pe.Section, error) {
	var entry uint32
	switch oh := img.File.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		entry = oh.AddressOfEntryPoint
	case *pe.OptionalHeader64:
		entry = oh.AddressOfEntryPoint
	}
	for _, s := range img.File.Sections {
		if entry >= s.VirtualAddress && entry-s.VirtualAddress < max(s.VirtualSize, s.Size) {
			return s, nil
		}
	}
	if s := img.Section(".text"); s != nil {
		return s, nil
	}
	return nil, errors.New("peimg: no code section")
}

// AddSection appends a section holding data and returns its RVA. The
// section header must fit in the existing header area.
func (img *Image) AddSection(name string, data []byte, characteristics uint32) (uint32, error) {
	if len(name) > 8 {
		return 0, errors.Errorf("peimg: section name %q longer than 8 bytes", name)
	}
	sectAlign, fileAlign := img.alignment()
	fh := img.File.FileHeader
	table := img.optOff + int(fh.SizeOfOptionalHeader)
	at := table + sectionHeaderSize*int(fh.NumberOfSections)
	limit := int(img.sizeOfHeaders())
	for _, s := range img.File.Sections {
		if s.Offset > 0 && int(s.Offset) < limit {
			limit = int(s.Offset)
		}
	}
	if at+sectionHeaderSize > limit {
		return 0, ErrNoHeaderSpace
	}

	var vend, fend uint64
	for _, s := range img.File.Sections {
		vend = max(vend, uint64(s.VirtualAddress)+uint64(max(s.VirtualSize, s.Size)))
		fend = max(fend, uint64(s.Offset)+uint64(s.Size))
	}
	fend = max(fend, uint64(len(img.Data)))
	rva := bytebuf.AlignUp(vend, uint64(sectAlign))
	offset := bytebuf.AlignUp(fend, uint64(fileAlign))
	rawSize := bytebuf.AlignUp(uint64(len(data)), uint64(fileAlign))
	if rva+uint64(len(data)) > 0xffffffff || offset+rawSize > 0xffffffff {
		return 0, errors.New("peimg: section does not fit a 32-bit image")
	}

	b := img.buf()
	w := b.Writer(at)
	var n [8]byte
	copy(n[:], name)
	w.Bytes(n[:])
	w.U32(uint32(len(data)))
	w.U32(uint32(rva))
	w.U32(uint32(rawSize))
	w.U32(uint32(offset))
	w.U32(0)
	w.U32(0)
	w.U16(0)
	w.U16(0)
	w.U32(characteristics)
	if err := w.Err(); err != nil {
		return 0, errors.Wrap(err, "peimg: section header")
	}
	if err := b.PutUint16(img.peOff+4+2, fh.NumberOfSections+1); err != nil {
		return 0, err
	}
	sizeOfImage := bytebuf.AlignUp(rva+uint64(len(data)), uint64(sectAlign))
	if err := b.PutUint32(img.optOff+56, uint32(sizeOfImage)); err != nil {
		return 0, err
	}
	initData, err := b.Uint32(img.optOff + 8)
	if err != nil {
		return 0, err
	}
	if err := b.PutUint32(img.optOff+8, initData+uint32(rawSize)); err != nil {
		return 0, err
	}
	if err := b.PutUint32(img.optOff+64, 0); err != nil {
		return 0, err
	}

	grown := make([]byte, offset+rawSize)
	copy(grown, img.Data)
	copy(grown[offset:], data)
	img.Data = grown
	return uint32(rva), img.reload()
}

// StripSignature removes an Authenticode certificate table stored at the
// end of the file and clears the security directory. It reports whether
// a signature was present.
func (img *Image) StripSignature() (bool, error) {
	off, size := img.Directory(dirSecurity)
	if off == 0 || size == 0 {
		return false, nil
	}
	end := uint64(off) + uint64(size)
	if end > uint64(len(img.Data)) {
		return false, errors.Wrapf(bytebuf.ErrOutOfBounds, "peimg: certificate table 0x%x+0x%x", off, size)
	}
	if bytebuf.AlignUp(end, 8) < uint64(len(img.Data)) {
		return false, errors.New("peimg: certificate table is not at the end of the file")
	}
	b := img.buf()
	at := img.dirOffset(dirSecurity)
	if err := b.PutUint32(at, 0); err != nil {
		return false, err
	}
	if err := b.PutUint32(at+4, 0); err != nil {
		return false, err
	}
	if err := b.PutUint32(img.optOff+64, 0); err != nil {
		return false, err
	}
	img.Data = img.Data[:off]
	return true, img.reload()
}

// DisableOutOfDate patches the out-of-date check in the code section with
// the single matching candidate.
func (img *Image) DisableOutOfDate(candidates []patch.Candidate) error {
	s, err := img.CodeSection()
	if err != nil {
		return err
	}
	code, err := img.SectionData(s)
	if err != nil {
		return err
	}
	return patch.Once(code, candidates, "out-of-date check")
}

// Validate parses data with debug/pe and requires the given machine.
func Validate(data []byte, machine uint16) error {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "invalid PE image")
	}
	defer f.Close()
	if f.FileHeader.Machine != machine {
		return errors.Errorf("foreign platform (provided: 0x%x, expected: 0x%x)", f.FileHeader.Machine, machine)
	}
	return nil
}

func encodeUTF16(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, 2*len(units))
	for _, u := range units {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return out
}

func decodeUTF16(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(units))
}
