package projector_test

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/Binject/debug/pe"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"

	"github.com/shockpkg/projector"
	"github.com/shockpkg/projector/elfimg"
	"github.com/shockpkg/projector/machoimg"
	"github.com/shockpkg/projector/patch"
	"github.com/shockpkg/projector/peimg"
)

const defaultTitle = "Adobe Flash Player 32"

var testMovie = []byte("FWS\x04 stand-in movie body")

func mustBuild(t *testing.T, target string, player, movie []byte, opts projector.Options) []byte {
	t.Helper()
	out, err := projector.Build(target, player, movie, opts)
	if err != nil {
		t.Fatalf("Build %s: %v", target, err)
	}
	return out
}

func TestLookup(t *testing.T) {
	for _, name := range projector.TargetNames() {
		target, err := projector.Lookup(name)
		if err != nil {
			t.Fatalf("Lookup %s: %v", name, err)
		}
		if target.Name != name || target.ModifyPlayer == nil {
			t.Fatalf("Lookup %s: %+v", name, target)
		}
	}
	_, err := projector.Lookup("amiga")
	if !errors.Is(err, projector.ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
	if !strings.Contains(err.Error(), "linux-x86_64") {
		t.Fatalf("error does not list targets: %v", err)
	}
}

func TestBuildPreconditions(t *testing.T) {
	if _, err := projector.Build("linux-x86_64", nil, nil, projector.Options{}); !errors.Is(err, projector.ErrEmptyPlayer) {
		t.Fatalf("expected ErrEmptyPlayer, got %v", err)
	}
	if _, err := projector.Build("mac", []byte{1}, testMovie, projector.Options{}); !errors.Is(err, projector.ErrMovieUnsupported) {
		t.Fatalf("expected ErrMovieUnsupported, got %v", err)
	}
}

func TestSplice(t *testing.T) {
	player := []byte("player bytes")
	out, err := projector.Splice(player, testMovie)
	if err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if len(out) != len(player)+len(testMovie)+8 {
		t.Fatalf("spliced length %d", len(out))
	}
	if binary.LittleEndian.Uint32(out[len(out)-8:]) != projector.SpliceMagic {
		t.Fatalf("missing magic: % x", out[len(out)-8:])
	}
	movie, ok := projector.SplicedMovie(out)
	if !ok || !bytes.Equal(movie, testMovie) {
		t.Fatalf("SplicedMovie: %q %v", movie, ok)
	}
	if _, ok := projector.SplicedMovie(player); ok {
		t.Fatalf("SplicedMovie found a movie in a bare player")
	}

	corrupt := bytes.Clone(out)
	binary.LittleEndian.PutUint32(corrupt[len(corrupt)-4:], 0xffff)
	if _, ok := projector.SplicedMovie(corrupt); ok {
		t.Fatalf("SplicedMovie accepted an oversized length")
	}
}

// ELF fixture: one PT_LOAD covering the file, a PT_NOTE, and a lea rsi
// reference from .text to the default title in .rodata.
const (
	elfText   = 0x401000
	elfRodata = 0x401800
	elfNames  = "\x00.text\x00.rodata\x00.note\x00.shstrtab\x00"
)

var menu64 = []byte{
	0x48, 0x8b, 0xbb, 0x00, 0x01, 0x00, 0x00, // mov rdi, [rbx+0x100]
	0xe8, 0x00, 0x00, 0x00, 0x00,             // call gtk_widget_show
	0x48, 0x8b, 0xbb, 0x08, 0x01, 0x00, 0x00, // mov rdi, [rbx+0x108]
	0xbe, 0x01, 0x00, 0x00, 0x00,             // mov esi, 1
	0xe8,                                     // call
}

// pathFix64 is the x86_64 absolute-path check rewritten by the path fix.
var pathFix64 = []byte{
	0x41, 0x80, 0x3c, 0x24, 0x2f, // cmp byte [r12], '/'
	0x74, 0x10,                   // je
	0x48, 0x8d, 0xbc, 0x24,       // lea rdi, [rsp+...]
}

func linuxText64() []byte {
	text := bytes.Repeat([]byte{0x90}, 0x100)
	copy(text[0x10:], []byte{0x48, 0x8d, 0x35, 0xf9, 0x07, 0x00, 0x00}) // lea rsi, [rip+0x7f9]
	copy(text[0x40:], menu64)
	copy(text[0x80:], pathFix64)
	text[0xff] = 0xc3
	return text
}

func linuxPlayer(t *testing.T) []byte {
	t.Helper()
	return linuxImage(t, elf.ELFCLASS64, elf.EM_X86_64, linuxText64())
}

// linuxImage lays out text at 0x401000 and the default title at 0x401810
// in a single PT_LOAD, followed by a PT_NOTE and the section name table.
func linuxImage(t *testing.T, class elf.Class, machine elf.Machine, text []byte) []byte {
	t.Helper()
	rodata := make([]byte, 0x40)
	copy(rodata[0x10:], defaultTitle)
	note := []byte{4, 0, 0, 0, 4, 0, 0, 0, 1, 0, 0, 0, 'G', 'N', 'U', 0}

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	phoff := uint64(64)
	if class == elf.ELFCLASS32 {
		phoff = 52
	}
	img := &elfimg.Image{
		Class: class,
		Order: binary.LittleEndian,
		Header: elfimg.Header{
			Ident:    ident,
			Type:     elf.ET_EXEC,
			Machine:  machine,
			Version:  uint32(elf.EV_CURRENT),
			Entry:    elfText,
			Phoff:    phoff,
			Shoff:    0x2020,
			Shstrndx: 4,
		},
		Progs: []*elfimg.Prog{
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0x400000, Paddr: 0x400000, Filesz: 0x2000, Memsz: 0x2000, Align: 0x1000, Data: make([]byte, 0x2000)},
			{Type: elf.PT_NOTE, Flags: elf.PF_R, Offset: 0x1f00, Vaddr: 0x401f00, Paddr: 0x401f00, Filesz: 0x10, Memsz: 0x10, Align: 4, Data: note},
		},
		Sections: []*elfimg.Section{
			{},
			{Name: 1, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: elfText, Offset: 0x1000, Size: uint64(len(text)), Addralign: 16, Data: text},
			{Name: 7, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Addr: elfRodata, Offset: 0x1800, Size: 0x40, Addralign: 16, Data: rodata},
			{Name: 15, Type: elf.SHT_NOTE, Flags: elf.SHF_ALLOC, Addr: 0x401f00, Offset: 0x1f00, Size: 0x10, Addralign: 4, Data: note},
			{Name: 21, Type: elf.SHT_STRTAB, Offset: 0x2000, Size: uint64(len(elfNames)), Addralign: 1, Data: []byte(elfNames)},
		},
	}
	b, err := img.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func decodeELF(t *testing.T, b []byte) *elfimg.Image {
	t.Helper()
	return decodeELFFor(t, b, elf.EM_X86_64)
}

func decodeELFFor(t *testing.T, b []byte, machine elf.Machine) *elfimg.Image {
	t.Helper()
	if err := elfimg.Validate(b, machine); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	img, err := elfimg.Decode(b, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return img
}

func TestLinuxTitleInPlace(t *testing.T) {
	player := linuxPlayer(t)
	out := mustBuild(t, "linux-x86_64", player, nil, projector.Options{Title: "My Movie"})
	img := decodeELF(t, out)

	rodata := img.Section(".rodata")
	want := make([]byte, len(defaultTitle)+1)
	copy(want, "My Movie")
	if got := rodata.Data[0x10 : 0x10+len(want)]; !bytes.Equal(got, want) {
		t.Fatalf("title slot: %q", got)
	}
	if img.Section(projector.TitleSegment) != nil {
		t.Fatalf("short title added a segment")
	}
	if len(img.Progs) != 2 {
		t.Fatalf("program headers: %d", len(img.Progs))
	}
}

func TestLinuxTitleSegment(t *testing.T) {
	player := linuxPlayer(t)
	orig := bytes.Clone(player)
	title := "An Unusually Long Projector Window Title"
	out := mustBuild(t, "linux-x86_64", player, nil, projector.Options{Title: title})
	if !bytes.Equal(player, orig) {
		t.Fatalf("Build modified its input")
	}
	img := decodeELF(t, out)

	seg := img.Section(projector.TitleSegment)
	if seg == nil {
		t.Fatalf("missing %s section", projector.TitleSegment)
	}
	if string(seg.Data) != title+"\x00" {
		t.Fatalf("segment data: %q", seg.Data)
	}
	if p := img.ProgForAddress(seg.Addr); p == nil || p.Type != elf.PT_LOAD {
		t.Fatalf("title address 0x%x is not loaded", seg.Addr)
	}
	for _, p := range img.Progs {
		if p.Type == elf.PT_NOTE {
			t.Fatalf("PT_NOTE was not converted")
		}
	}

	text := img.Section(".text")
	disp := int64(int32(binary.LittleEndian.Uint32(text.Data[0x13:])))
	if want := int64(seg.Addr) - (elfText + 0x17); disp != want {
		t.Fatalf("lea displacement 0x%x, want 0x%x", disp, want)
	}
	if !bytes.HasPrefix(img.Section(".rodata").Data[0x10:], []byte(defaultTitle+"\x00")) {
		t.Fatalf("default title string was modified")
	}
}

func TestLinuxMenuRemoval(t *testing.T) {
	out := mustBuild(t, "linux-x86_64", linuxPlayer(t), nil, projector.Options{RemoveMenu: true})
	text := decodeELF(t, out).Section(".text")
	if got := text.Data[0x47:0x4c]; !bytes.Equal(got, []byte{0x0f, 0x1f, 0x44, 0x00, 0x00}) {
		t.Fatalf("menu call not replaced: % x", got)
	}
	if text.Data[0x40] != 0x48 || text.Data[0x58] != 0xe8 {
		t.Fatalf("bytes outside the replacement changed")
	}
}

func TestLinuxPathFix(t *testing.T) {
	out := mustBuild(t, "linux-x86_64", linuxPlayer(t), nil, projector.Options{PathFix: true})
	text := decodeELF(t, out).Section(".text")
	want := bytes.Clone(pathFix64)
	want[5] = 0xeb
	if got := text.Data[0x80 : 0x80+len(want)]; !bytes.Equal(got, want) {
		t.Fatalf("path check not rewritten: % x", got)
	}
}

func TestLinuxOffsetFixTwoGroups(t *testing.T) {
	text := linuxText64()
	copy(text[0xa0:], []byte{
		0xba, 0x02, 0x00, 0x00, 0x00, // mov edx, SEEK_END
		0xbe, 0xf8, 0xff, 0xff, 0xff, // mov esi, -8
		0x89, 0xef,                   // mov edi, ebp
		0xe8,                         // call lseek
	})
	copy(text[0xc0:], []byte{
		0x8b, 0x44, 0x24, 0x18, // mov eax, [rsp+0x18]
		0x89, 0xc6,             // mov esi, eax
		0xe8,                   // call lseek
	})
	out := mustBuild(t, "linux-x86_64", linuxImage(t, elf.ELFCLASS64, elf.EM_X86_64, text), nil, projector.Options{OffsetFix: true})
	got := decodeELF(t, out).Section(".text").Data

	seek := []byte{0xba, 0x02, 0x00, 0x00, 0x00, 0x6a, 0xf8, 0x5e, 0x90, 0x90, 0x89, 0xef, 0xe8}
	if !bytes.Equal(got[0xa0:0xa0+len(seek)], seek) {
		t.Fatalf("seek sequence: % x", got[0xa0:0xa0+len(seek)])
	}
	offset := []byte{0x48, 0x63, 0x74, 0x24, 0x18, 0x90, 0xe8}
	if !bytes.Equal(got[0xc0:0xc0+len(offset)], offset) {
		t.Fatalf("offset load: % x", got[0xc0:0xc0+len(offset)])
	}
}

// linuxText32 holds a get_pc_thunk call setting EBX to 0x402000, an
// EBX-relative lea of the default title, and the i386 path check.
func linuxText32() []byte {
	text := bytes.Repeat([]byte{0x90}, 0x100)
	copy(text[0x00:], []byte{0x8b, 0x1c, 0x24, 0xc3})             // mov ebx, [esp]; ret
	copy(text[0x08:], []byte{0xe8, 0xf3, 0xff, 0xff, 0xff})       // call 0x401000
	copy(text[0x0d:], []byte{0x81, 0xc3, 0xf3, 0x0f, 0x00, 0x00}) // add ebx, 0xff3
	copy(text[0x20:], []byte{0x8d, 0x83, 0x10, 0xf8, 0xff, 0xff}) // lea eax, [ebx-0x7f0]
	copy(text[0x40:], []byte{0x80, 0x3e, 0x2f, 0x0f, 0x84, 0x10, 0x00, 0x00, 0x00, 0x8d, 0x9d})
	text[0xff] = 0xc3
	return text
}

func TestLinuxI386TitleSegment(t *testing.T) {
	const ebx = 0x402000
	player := linuxImage(t, elf.ELFCLASS32, elf.EM_386, linuxText32())
	title := "An Unusually Long Projector Window Title"
	out := mustBuild(t, "linux-i386", player, testMovie, projector.Options{Title: title, PathFix: true})
	movie, ok := projector.SplicedMovie(out)
	if !ok || !bytes.Equal(movie, testMovie) {
		t.Fatalf("SplicedMovie: %q %v", movie, ok)
	}
	img := decodeELFFor(t, out[:len(out)-len(testMovie)-8], elf.EM_386)
	if img.Class != elf.ELFCLASS32 {
		t.Fatalf("class %s", img.Class)
	}

	seg := img.Section(projector.TitleSegment)
	if seg == nil || string(seg.Data) != title+"\x00" {
		t.Fatalf("title section: %+v", seg)
	}
	if p := img.ProgForAddress(seg.Addr); p == nil || p.Type != elf.PT_LOAD {
		t.Fatalf("title address 0x%x is not loaded", seg.Addr)
	}
	text := img.Section(".text")
	disp := int64(int32(binary.LittleEndian.Uint32(text.Data[0x22:])))
	if want := int64(seg.Addr) - ebx; disp != want {
		t.Fatalf("lea displacement 0x%x, want 0x%x", disp, want)
	}
	if text.Data[0x43] != 0x90 || text.Data[0x44] != 0xe9 {
		t.Fatalf("path check not rewritten: % x", text.Data[0x40:0x4b])
	}
}

func TestLinuxI386NoPCBase(t *testing.T) {
	text := linuxText32()
	// Without the thunk call the EBX value is unknown, so no reference
	// can be resolved.
	copy(text[0x08:0x13], bytes.Repeat([]byte{0x90}, 11))
	player := linuxImage(t, elf.ELFCLASS32, elf.EM_386, text)
	_, err := projector.Build("linux-i386", player, nil, projector.Options{Title: "An Unusually Long Projector Window Title"})
	if !errors.Is(err, patch.ErrNoReferences) {
		t.Fatalf("expected ErrNoReferences, got %v", err)
	}
}

func TestLinuxErrors(t *testing.T) {
	player := linuxPlayer(t)
	tests := []struct {
		name   string
		target string
		opts   projector.Options
		check  func(error) bool
	}{
		{"foreign", "linux-i386", projector.Options{}, func(err error) bool {
			return strings.Contains(err.Error(), "foreign platform")
		}},
		{"windows option", "linux-x86_64", projector.Options{DisableOutOfDate: true}, func(err error) bool {
			return errors.Is(err, projector.ErrUnsupported)
		}},
		{"no offset candidate", "linux-x86_64", projector.Options{OffsetFix: true}, func(err error) bool {
			return errors.Is(err, patch.ErrNoCandidates)
		}},
		{"icon", "linux-x86_64", projector.Options{Icon: []byte{0}}, func(err error) bool {
			return errors.Is(err, projector.ErrUnsupported)
		}},
		{"unknown title", "linux-x86_64", projector.Options{Title: "x"}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := player
			if tc.check == nil {
				// Replace the default title so that nothing matches.
				img := decodeELF(t, player)
				copy(img.Section(".rodata").Data[0x10:], "Custom")
				var err error
				if p, err = img.Encode(); err != nil {
					t.Fatalf("Encode: %v", err)
				}
			}
			_, err := projector.Build(tc.target, p, nil, tc.opts)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if tc.check != nil && !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLinuxSplice(t *testing.T) {
	player := linuxPlayer(t)
	out := mustBuild(t, "linux-x86_64", player, testMovie, projector.Options{})
	movie, ok := projector.SplicedMovie(out)
	if !ok || !bytes.Equal(movie, testMovie) {
		t.Fatalf("SplicedMovie: %q %v", movie, ok)
	}
	decodeELF(t, out[:len(out)-len(testMovie)-8])

	info, err := projector.Inspect(out)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Format != "elf" || info.Bits != 64 || info.Movie != len(testMovie) {
		t.Fatalf("Inspect: %+v", info)
	}
}

// Mach-O fixture: signed x86_64 executable whose lea rsi loads a constant
// CFString pointing at the default title.
const (
	macText     = 0x100001000
	macCString  = 0x100002000
	macCFString = 0x100002040
	macLinkedit = 0x100003000
)

func macName(s string) []byte {
	b := make([]byte, 16)
	copy(b, s)
	return b
}

func macSegment(name string, vmaddr, vmsize, fileoff, filesize uint64, prot uint32, sects ...[]byte) []byte {
	le := binary.LittleEndian
	b := le.AppendUint32(nil, uint32(types.LC_SEGMENT_64))
	b = le.AppendUint32(b, uint32(72+80*len(sects)))
	b = append(b, macName(name)...)
	for _, v := range []uint64{vmaddr, vmsize, fileoff, filesize} {
		b = le.AppendUint64(b, v)
	}
	for _, v := range []uint32{prot, prot, uint32(len(sects)), 0} {
		b = le.AppendUint32(b, v)
	}
	for _, s := range sects {
		b = append(b, s...)
	}
	return b
}

func macSection(name string, addr, size uint64, offset, flags uint32) []byte {
	le := binary.LittleEndian
	b := append(macName(name), macName("__TEXT")...)
	b = le.AppendUint64(b, addr)
	b = le.AppendUint64(b, size)
	for _, v := range []uint32{offset, 0, 0, 0, flags, 0, 0, 0} {
		b = le.AppendUint32(b, v)
	}
	return b
}

func macCommand(cmd types.LoadCmd, words ...uint32) []byte {
	le := binary.LittleEndian
	b := le.AppendUint32(nil, uint32(cmd))
	b = le.AppendUint32(b, uint32(8+4*len(words)))
	for _, w := range words {
		b = le.AppendUint32(b, w)
	}
	return b
}

func macPlayer() []byte {
	cmds := [][]byte{
		macSegment("__TEXT", 0x100000000, 0x3000, 0, 0x3000, 5,
			macSection("__text", macText, 0x40, 0x1000, 0x80000400),
			macSection("__cstring", macCString, 0x40, 0x2000, 2),
			macSection("__cfstring", macCFString, 0x20, 0x2040, 0),
		),
		macSegment("__LINKEDIT", macLinkedit, 0x1000, 0x3000, 0x100, 1),
		macCommand(types.LC_SYMTAB, 0x3000, 0, 0x3010, 0x10),
		macCommand(types.LC_CODE_SIGNATURE, 0x3080, 0x80),
	}
	all := bytes.Join(cmds, nil)

	out := make([]byte, 0x3100)
	h := types.FileHeader{
		Magic:        types.Magic64,
		CPU:          types.CPU(macho.CpuAmd64),
		SubCPU:       3,
		Type:         types.MH_EXECUTE,
		NCommands:    uint32(len(cmds)),
		SizeCommands: uint32(len(all)),
	}
	n := h.Put(out, binary.LittleEndian)
	copy(out[n:], all)

	code := out[0x1000:]
	copy(code, bytes.Repeat([]byte{0x90}, 0x40))
	copy(code[0x10:], []byte{0x48, 0x8d, 0x35, 0x29, 0x10, 0x00, 0x00}) // lea rsi, [rip+0x1029]
	code[0x3f] = 0xc3
	copy(out[0x2000:], defaultTitle)
	binary.LittleEndian.PutUint64(out[0x2048:], 0x7c8)
	binary.LittleEndian.PutUint64(out[0x2050:], macCString)
	binary.LittleEndian.PutUint64(out[0x2058:], uint64(len(defaultTitle)))
	copy(out[0x3080:], []byte{0xfa, 0xde, 0x0c, 0xc0})
	return out
}

func checkMacTitle(t *testing.T, thin []byte, title string) *machoimg.Image {
	t.Helper()
	if err := machoimg.Validate(thin, macho.CpuAmd64); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	img, err := machoimg.Decode(thin)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	seg, err := img.Segment(machoimg.TitleSegment)
	if err != nil || seg == nil {
		t.Fatalf("Segment %s: %v", machoimg.TitleSegment, err)
	}
	if seg.VMAddr != macLinkedit || seg.FileOff != 0x3000 {
		t.Fatalf("title segment at 0x%x/0x%x", seg.VMAddr, seg.FileOff)
	}
	linkedit, err := img.Segment("__LINKEDIT")
	if err != nil || linkedit == nil {
		t.Fatalf("Segment __LINKEDIT: %v", err)
	}
	if linkedit.VMAddr != seg.VMAddr+seg.VMSize || linkedit.FileOff != seg.FileOff+seg.FileSize {
		t.Fatalf("__LINKEDIT not shifted: %+v", linkedit)
	}
	if !bytes.HasPrefix(img.Data[seg.FileOff:], machoimg.EncodeTitle(title)) {
		t.Fatalf("title payload missing")
	}
	disp := int64(int32(binary.LittleEndian.Uint32(img.Data[0x1013:])))
	if want := int64(seg.VMAddr) - (macText + 0x17); disp != want {
		t.Fatalf("lea displacement 0x%x, want 0x%x", disp, want)
	}
	return img
}

func TestMacTitleAndUnsign(t *testing.T) {
	player := macPlayer()
	out := mustBuild(t, "mac", player, nil, projector.Options{Title: "My Movie", RemoveSignature: true})
	img := checkMacTitle(t, out, "My Movie")
	if img.Command(types.LC_CODE_SIGNATURE) != nil {
		t.Fatalf("code signature kept")
	}
	if len(out) != 0x3080+0x4000 {
		t.Fatalf("output length 0x%x", len(out))
	}

	again := mustBuild(t, "mac", out, nil, projector.Options{RemoveSignature: true})
	if !bytes.Equal(again, out) {
		t.Fatalf("unsigning an unsigned player changed it")
	}
}

func TestMacFat(t *testing.T) {
	fat, err := machoimg.AssembleFat([]machoimg.Slice{{
		Arch: machoimg.Arch{CPU: macho.CpuAmd64, SubCPU: 3},
		Data: macPlayer(),
	}})
	if err != nil {
		t.Fatalf("AssembleFat: %v", err)
	}
	out := mustBuild(t, "mac", fat, nil, projector.Options{Title: "Fat"})
	if !machoimg.IsFat(out) {
		t.Fatalf("output is not universal")
	}
	thin, err := machoimg.SliceFor(out, macho.CpuAmd64)
	if err != nil {
		t.Fatalf("SliceFor: %v", err)
	}
	checkMacTitle(t, thin, "Fat")

	info, err := projector.Inspect(out)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Format != "macho-fat" || info.Bits != 64 || len(info.Arches) != 1 {
		t.Fatalf("Inspect: %+v", info)
	}
}

func TestMacUnsupported(t *testing.T) {
	_, err := projector.Build("mac", macPlayer(), nil, projector.Options{RemoveMenu: true})
	if !errors.Is(err, projector.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := projector.Build("mac", linuxPlayer(t), nil, projector.Options{}); err == nil {
		t.Fatalf("expected an error for an ELF player")
	}
}

// PE fixture: i386 image with a push of the UTF-16 default title and the
// out-of-date check prologue.
const (
	peBase  = 0x400000
	peTitle = peBase + 0x2010
)

var outOfDate32 = []byte{
	0x55, 0x8b, 0xec, 0x83, 0xec, 0x10, 0x53, 0x56, 0x57, 0x8b, 0xf9,
	0xe8, 0x00, 0x00, 0x00, 0x00, 0x84, 0xc0, 0x74, 0x05,
}

func windowsPlayer() []byte {
	le := binary.LittleEndian
	data := make([]byte, 0x600)
	copy(data, "MZ")
	le.PutUint32(data[0x3c:], 0x40)
	copy(data[0x40:], "PE\x00\x00")
	le.PutUint16(data[0x44:], pe.IMAGE_FILE_MACHINE_I386)
	le.PutUint16(data[0x46:], 2)
	le.PutUint16(data[0x54:], 224)
	le.PutUint16(data[0x56:], 0x0102)

	opt := 0x58
	le.PutUint16(data[opt:], 0x10b)
	le.PutUint32(data[opt+4:], 0x200)
	le.PutUint32(data[opt+8:], 0x200)
	le.PutUint32(data[opt+16:], 0x1000)
	le.PutUint32(data[opt+20:], 0x1000)
	le.PutUint32(data[opt+24:], 0x2000)
	le.PutUint32(data[opt+28:], peBase)
	le.PutUint32(data[opt+32:], 0x1000)
	le.PutUint32(data[opt+36:], 0x200)
	le.PutUint32(data[opt+56:], 0x3000)
	le.PutUint32(data[opt+60:], 0x200)
	le.PutUint16(data[opt+68:], 2)
	le.PutUint32(data[opt+92:], 16)

	at := opt + 224
	for _, s := range []struct {
		name  string
		rva   uint32
		off   uint32
		flags uint32
	}{
		{".text", 0x1000, 0x200, 0x60000020},
		{".rdata", 0x2000, 0x400, 0x40000040},
	} {
		copy(data[at:], s.name)
		le.PutUint32(data[at+8:], 0x200)
		le.PutUint32(data[at+12:], s.rva)
		le.PutUint32(data[at+16:], 0x200)
		le.PutUint32(data[at+20:], s.off)
		le.PutUint32(data[at+36:], s.flags)
		at += 40
	}

	code := data[0x200:0x400]
	copy(code, bytes.Repeat([]byte{0xcc}, len(code)))
	code[0x10] = 0x68 // push offset title
	le.PutUint32(code[0x11:], peTitle)
	copy(code[0x40:], outOfDate32)

	title := data[0x410:]
	for i, r := range defaultTitle {
		le.PutUint16(title[2*i:], uint16(r))
	}
	return data
}

// windowsIconPlayer adds a resource tree to .rdata at RVA 0x2100 holding
// one 32x32 RT_ICON of 0x40 bytes and the RT_GROUP_ICON referencing it.
func windowsIconPlayer() []byte {
	const (
		rva = 0x2100
		sub = 0x80000000
	)
	le := binary.LittleEndian
	data := windowsPlayer()
	tree := data[0x500:0x600]
	dir := func(at int, entries ...[2]uint32) {
		le.PutUint16(tree[at+14:], uint16(len(entries)))
		for i, e := range entries {
			le.PutUint32(tree[at+16+8*i:], e[0])
			le.PutUint32(tree[at+20+8*i:], e[1])
		}
	}
	dir(0x00, [2]uint32{uint32(peimg.RTIcon), 0x20 | sub}, [2]uint32{uint32(peimg.RTGroupIcon), 0x38 | sub})
	dir(0x20, [2]uint32{1, 0x50 | sub})
	dir(0x38, [2]uint32{1, 0x68 | sub})
	dir(0x50, [2]uint32{0x409, 0x80})
	dir(0x68, [2]uint32{0x409, 0x90})
	le.PutUint32(tree[0x80:], rva+0xa0)
	le.PutUint32(tree[0x84:], 0x40)
	le.PutUint32(tree[0x90:], rva+0xe0)
	le.PutUint32(tree[0x94:], 20)
	copy(tree[0xa0:0xe0], bytes.Repeat([]byte{0xaa}, 0x40))

	group := tree[0xe0:]
	le.PutUint16(group[2:], 1)
	le.PutUint16(group[4:], 1)
	group[6], group[7] = 32, 32
	le.PutUint16(group[10:], 1)
	le.PutUint16(group[12:], 32)
	le.PutUint32(group[14:], 0x40)
	le.PutUint16(group[18:], 1)

	dirs := 0x58 + 96
	le.PutUint32(data[dirs+16:], rva)
	le.PutUint32(data[dirs+20:], 0xf4)
	return data
}

// icoFile wraps one 32x32 image in an .ico directory.
func icoFile(image []byte) []byte {
	le := binary.LittleEndian
	out := make([]byte, 22)
	le.PutUint16(out[2:], 1)
	le.PutUint16(out[4:], 1)
	out[6], out[7] = 32, 32
	le.PutUint16(out[10:], 1)
	le.PutUint16(out[12:], 32)
	le.PutUint32(out[14:], uint32(len(image)))
	le.PutUint32(out[18:], 22)
	return append(out, image...)
}

func TestWindowsIcon(t *testing.T) {
	image := bytes.Repeat([]byte{0x5a}, 0x30)
	out := mustBuild(t, "windows-i386", windowsIconPlayer(), nil, projector.Options{Icon: icoFile(image)})
	if err := peimg.Validate(out, pe.IMAGE_FILE_MACHINE_I386); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	img, err := peimg.Decode(out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	res, err := img.Resources(peimg.RTIcon)
	if err != nil || len(res) != 1 {
		t.Fatalf("Resources: %+v %v", res, err)
	}
	got, err := res[0].Bytes(img)
	if err != nil || !bytes.Equal(got, image) {
		t.Fatalf("icon data: % x %v", got, err)
	}

	_, err = projector.Build("windows-i386", windowsIconPlayer(), nil, projector.Options{Icon: icoFile(make([]byte, 0x41))})
	if !errors.Is(err, peimg.ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
	if _, err := projector.Build("windows-i386", windowsPlayer(), nil, projector.Options{Icon: icoFile(image)}); err == nil {
		t.Fatalf("icon replaced in a player without icon resources")
	}
}

func TestWindowsTitleSection(t *testing.T) {
	player := windowsPlayer()
	orig := bytes.Clone(player)
	out := mustBuild(t, "windows-i386", player, nil, projector.Options{
		Title:            "A Title Long Enough To Need Its Own Section",
		DisableOutOfDate: true,
	})
	if !bytes.Equal(player, orig) {
		t.Fatalf("Build modified its input")
	}
	if err := peimg.Validate(out, pe.IMAGE_FILE_MACHINE_I386); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	img, err := peimg.Decode(out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	s := img.Section(peimg.TitleSection)
	if s == nil {
		t.Fatalf("missing %s section", peimg.TitleSection)
	}
	code := img.Data[0x200:0x400]
	if got, want := binary.LittleEndian.Uint32(code[0x11:]), uint32(img.ImageBase())+s.VirtualAddress; got != want {
		t.Fatalf("push operand 0x%x, want 0x%x", got, want)
	}
	if code[0x40] != 0xc3 || code[0x41] != 0x8b {
		t.Fatalf("out-of-date check not patched: % x", code[0x40:0x44])
	}
}

func TestWindowsSplice(t *testing.T) {
	out := mustBuild(t, "windows-i386", windowsPlayer(), testMovie, projector.Options{})
	info, err := projector.Inspect(out)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Format != "pe" || info.Bits != 32 || info.Arches[0] != "i386" || info.Movie != len(testMovie) {
		t.Fatalf("Inspect: %+v", info)
	}
	if len(info.Sections) != 2 {
		t.Fatalf("sections: %v", info.Sections)
	}
}

func TestWindowsErrors(t *testing.T) {
	if _, err := projector.Build("windows-x86_64", windowsPlayer(), nil, projector.Options{}); err == nil || !strings.Contains(err.Error(), "foreign platform") {
		t.Fatalf("expected foreign platform error, got %v", err)
	}
	_, err := projector.Build("windows-i386", windowsPlayer(), nil, projector.Options{PathFix: true})
	if !errors.Is(err, projector.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestInspectUnknown(t *testing.T) {
	if _, err := projector.Inspect([]byte("not a binary")); !errors.Is(err, projector.ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}
