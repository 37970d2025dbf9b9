package machoimg

import (
	"debug/macho"
	"encoding/binary"
	"unicode/utf16"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
	"rsc.io/binaryregexp"

	"github.com/shockpkg/projector/bytebuf"
	"github.com/shockpkg/projector/patch"
)

const (
	TitleSegment = "__SHOCKPKG_DATA"
	TitleSection = "__shockpkg_data"

	titleMinSize = 0x4000
	titlePage    = 0x1000
	vmProtRead   = 1
	cpuArch64    = macho.Cpu(0x01000000)
)

var (
	ErrNoPatcher        = errors.New("no patcher")
	ErrDuplicatePatcher = errors.New("duplicate patcher")
)

// linkeditFields lists, per load command type, the byte offsets of every
// field that holds a file offset into __LINKEDIT.
var linkeditFields = map[types.LoadCmd][]int{
	types.LC_SYMTAB:                   {8, 16},
	types.LC_DYSYMTAB:                 {32, 40, 48, 56, 64, 72},
	types.LC_DYLD_INFO:                {8, 16, 24, 32, 40},
	types.LC_DYLD_INFO_ONLY:           {8, 16, 24, 32, 40},
	types.LC_CODE_SIGNATURE:           {8},
	types.LC_SEGMENT_SPLIT_INFO:       {8},
	types.LC_FUNCTION_STARTS:          {8},
	types.LC_DATA_IN_CODE:             {8},
	types.LC_DYLIB_CODE_SIGN_DRS:      {8},
	types.LC_LINKER_OPTIMIZATION_HINT: {8},
	types.LC_DYLD_EXPORTS_TRIE:        {8},
	types.LC_DYLD_CHAINED_FIXUPS:      {8},
}

// EncodeTitle returns the title payload: a little-endian 32-bit count of
// UTF-16 code units followed by the UTF-16LE units, padded to 16 bytes.
func EncodeTitle(title string) []byte {
	units := utf16.Encode([]rune(title))
	out := make([]byte, 4, 4+2*len(units))
	binary.LittleEndian.PutUint32(out, uint32(len(units)))
	for _, u := range units {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return bytebuf.Align(out, 16)
}

// InsertTitleSegment adds a read-only __SHOCKPKG_DATA segment holding the
// encoded title at the current address and file offset of __LINKEDIT,
// moves __LINKEDIT and everything that points into it forward, and
// returns the address of the title data.
func (img *Image) InsertTitleSegment(title string) (uint64, error) {
	linkedit, err := img.Segment("__LINKEDIT")
	if err != nil {
		return 0, err
	}
	if linkedit == nil {
		return 0, errors.New("machoimg: no __LINKEDIT segment")
	}
	payload := EncodeTitle(title)
	size := bytebuf.AlignUp(uint64(max(len(payload), titleMinSize)), titlePage)
	addr, offset := linkedit.VMAddr, linkedit.FileOff
	if offset > uint64(len(img.Data)) {
		return 0, errors.Wrapf(bytebuf.ErrOutOfBounds, "machoimg: __LINKEDIT offset 0x%x", offset)
	}

	seg := &Segment{
		Name:     TitleSegment,
		VMAddr:   addr,
		VMSize:   size,
		FileOff:  offset,
		FileSize: size,
		MaxProt:  vmProtRead,
		InitProt: vmProtRead,
		Sections: []*Section{{
			Name:    TitleSection,
			Segment: TitleSegment,
			Addr:    addr,
			Size:    uint64(len(payload)),
			Offset:  uint32(offset),
			Align:   4,
		}},
		wide: img.Wide(),
	}
	if err := seg.Store(img); err != nil {
		return 0, err
	}
	if err := img.checkSpace(len(seg.cmd.Data)); err != nil {
		return 0, err
	}

	for _, c := range img.Commands {
		if err := img.shiftLinkedit(c, offset, size); err != nil {
			return 0, err
		}
	}
	linkedit.VMAddr += size
	linkedit.FileOff += size
	if err := linkedit.Store(img); err != nil {
		return 0, err
	}
	for i, c := range img.Commands {
		if c == linkedit.cmd {
			img.insertCommand(i, seg.cmd)
			break
		}
	}

	block := make([]byte, size)
	copy(block, payload)
	data := make([]byte, 0, len(img.Data)+int(size))
	data = append(data, img.Data[:offset]...)
	data = append(data, block...)
	img.Data = append(data, img.Data[offset:]...)
	return addr, nil
}

// shiftLinkedit moves every file offset field of c that lies at or past
// from forward by size.
func (img *Image) shiftLinkedit(c *Command, from, size uint64) error {
	for _, at := range linkeditFields[c.Cmd] {
		if at+4 > len(c.Data) {
			return errors.Errorf("machoimg: %s command too short for field at %d", c.Cmd, at)
		}
		v := uint64(img.Order.Uint32(c.Data[at:]))
		if v < from {
			continue
		}
		if v+size > 0xffffffff {
			return errors.Errorf("machoimg: %s offset 0x%x overflows", c.Cmd, v)
		}
		img.Order.PutUint32(c.Data[at:], uint32(v+size))
	}
	return nil
}

// TitleMatcher locates the instruction that loads the default window
// title for one known player build.
type TitleMatcher struct {
	Name string
	CPU  macho.Cpu
	Ref  patch.Reference
	// PCBase names the register holding the PC base for 32-bit
	// position-independent references, or 0 when none is used.
	PCBase x86asm.Reg
	// CFString is set when the reference points at a constant CFString
	// whose character pointer leads to the title.
	CFString bool
}

type titleSite struct {
	matcher int
	site    patch.Site
}

// PatchTitleReference retargets the default window title reference in
// __TEXT,__text to titleAddr. Exactly one matcher must find references
// whose string matches known; every such reference of that matcher is
// rewritten.
func (img *Image) PatchTitleReference(titleAddr uint64, matchers []TitleMatcher, known *binaryregexp.Regexp) error {
	text, err := img.Section("__TEXT", "__text")
	if err != nil {
		return err
	}
	if text == nil {
		return errors.New("machoimg: no __TEXT,__text section")
	}
	code, err := img.SectionData(text)
	if err != nil {
		return errors.Wrap(err, "machoimg: __text")
	}
	return PatchTitleReference(code, text.Addr, titleAddr, macho.Cpu(img.Header.CPU), img, matchers, known)
}

// AddressSpace maps a virtual address to the file bytes loaded there.
type AddressSpace interface {
	Bytes(addr uint64) []byte
}

// PatchTitleReference is the section-level form of
// (*Image).PatchTitleReference.
func PatchTitleReference(code []byte, codeAddr, titleAddr uint64, cpu macho.Cpu, mem AddressSpace, matchers []TitleMatcher, known *binaryregexp.Regexp) error {
	var hits []titleSite
	for i, m := range matchers {
		if m.CPU != cpu {
			continue
		}
		for _, off := range m.Ref.FindAll(code) {
			site := patch.Site{Operand: m.Ref.Operand, Match: off}
			if m.PCBase != 0 {
				base, ok := patch.FindPCBase(code, codeAddr, off, m.PCBase)
				if !ok {
					continue
				}
				site.Base = base
			}
			addr, err := site.Operand.Resolve(code, off, codeAddr, site.Base)
			if err != nil {
				return err
			}
			if m.CFString {
				var ok bool
				if addr, ok = cfStringData(mem, addr, cpu&cpuArch64 != 0); !ok {
					continue
				}
			}
			if known.Match(cString(mem.Bytes(addr))) {
				hits = append(hits, titleSite{matcher: i, site: site})
			}
		}
	}
	if len(hits) == 0 {
		return &patch.CandidateError{Label: "window title", Err: ErrNoPatcher}
	}
	for _, h := range hits[1:] {
		if h.matcher != hits[0].matcher {
			return &patch.CandidateError{Label: "window title", Err: ErrDuplicatePatcher}
		}
	}
	for _, h := range hits {
		if err := h.site.Operand.Encode(code, h.site.Match, codeAddr, h.site.Base, titleAddr); err != nil {
			return errors.Wrapf(err, "machoimg: %s", matchers[h.matcher].Name)
		}
	}
	return nil
}

// cfStringData follows a constant CFString (isa, flags, data, length) to
// its character data.
func cfStringData(mem AddressSpace, addr uint64, wide bool) (uint64, bool) {
	b := mem.Bytes(addr)
	if wide {
		if len(b) < 32 {
			return 0, false
		}
		return binary.LittleEndian.Uint64(b[16:]), true
	}
	if len(b) < 16 {
		return 0, false
	}
	return uint64(binary.LittleEndian.Uint32(b[8:])), true
}

func cString(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return nil
}
