package machoimg

import (
	"bytes"
	"debug/macho"

	"github.com/blacktop/go-macho/types"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/shockpkg/projector/bytebuf"
)

const (
	fatHeaderSize = 8
	fatArchSize   = 20
	fatAlign      = 12
)

type fatHeader struct {
	Magic uint32 `struc:"uint32,big"`
	NArch uint32 `struc:"uint32,big"`
}

type fatArch struct {
	CPU    uint32 `struc:"uint32,big"`
	SubCPU uint32 `struc:"uint32,big"`
	Offset uint32 `struc:"uint32,big"`
	Size   uint32 `struc:"uint32,big"`
	Align  uint32 `struc:"uint32,big"`
}

// Arch is a CPU type and subtype pair.
type Arch struct {
	CPU    macho.Cpu
	SubCPU uint32
}

func (a Arch) String() string { return a.CPU.String() }

// Slice is one architecture image inside a universal binary, or the whole
// file for a thin binary.
type Slice struct {
	Arch
	Data []byte
}

func readFat(data []byte) ([]fatArch, error) {
	r := bytes.NewReader(data)
	var h fatHeader
	if err := struc.Unpack(r, &h); err != nil {
		return nil, errors.Wrap(err, "machoimg: fat header")
	}
	if types.Magic(h.Magic) != types.MagicFat {
		return nil, errors.Wrap(ErrUnknownFormat, "bad fat magic")
	}
	if uint64(h.NArch)*fatArchSize > uint64(len(data)-fatHeaderSize) {
		return nil, errors.Wrapf(bytebuf.ErrOutOfBounds, "machoimg: %d fat arch entries", h.NArch)
	}
	arches := make([]fatArch, h.NArch)
	for i := range arches {
		if err := struc.Unpack(r, &arches[i]); err != nil {
			return nil, errors.Wrapf(err, "machoimg: fat arch %d", i)
		}
	}
	return arches, nil
}

// Slices returns one slice per architecture of a universal binary, or a
// single slice holding data for a thin image. Slices alias data.
func Slices(data []byte) ([]Slice, error) {
	if !IsFat(data) {
		archs, err := Types(data)
		if err != nil {
			return nil, err
		}
		return []Slice{{Arch: archs[0], Data: data}}, nil
	}
	arches, err := readFat(data)
	if err != nil {
		return nil, err
	}
	out := make([]Slice, 0, len(arches))
	for i, a := range arches {
		b, err := bytebuf.Slice(data, int(a.Offset), int(a.Size))
		if err != nil {
			return nil, errors.Wrapf(err, "machoimg: fat arch %d", i)
		}
		out = append(out, Slice{Arch: Arch{CPU: macho.Cpu(a.CPU), SubCPU: a.SubCPU}, Data: b})
	}
	return out, nil
}

// Types returns the CPU types of every slice, reading the fat arch table
// or the thin header in whichever byte order and width it uses.
func Types(data []byte) ([]Arch, error) {
	if IsFat(data) {
		arches, err := readFat(data)
		if err != nil {
			return nil, err
		}
		out := make([]Arch, len(arches))
		for i, a := range arches {
			out[i] = Arch{CPU: macho.Cpu(a.CPU), SubCPU: a.SubCPU}
		}
		return out, nil
	}
	order, _, ok := byteOrder(data)
	if !ok || len(data) < 12 {
		return nil, errors.Wrap(ErrUnknownFormat, "bad magic")
	}
	return []Arch{{CPU: macho.Cpu(order.Uint32(data[4:])), SubCPU: order.Uint32(data[8:])}}, nil
}

// AssembleFat lays slices out the way lipo does: header, arch table, then
// each slice at the next 4096-byte boundary.
func AssembleFat(slices []Slice) ([]byte, error) {
	if len(slices) == 0 {
		return nil, errors.New("machoimg: no slices")
	}
	var buf bytes.Buffer
	if err := struc.Pack(&buf, &fatHeader{Magic: uint32(types.MagicFat), NArch: uint32(len(slices))}); err != nil {
		return nil, errors.Wrap(err, "machoimg: fat header")
	}
	offset := uint64(fatHeaderSize + fatArchSize*len(slices))
	offsets := make([]uint64, len(slices))
	for i, s := range slices {
		offset = bytebuf.AlignUp(offset, 1<<fatAlign)
		if offset+uint64(len(s.Data)) > 0xffffffff {
			return nil, errors.Errorf("machoimg: slice %d ends past 4GiB", i)
		}
		offsets[i] = offset
		arch := fatArch{
			CPU:    uint32(s.CPU),
			SubCPU: s.SubCPU,
			Offset: uint32(offset),
			Size:   uint32(len(s.Data)),
			Align:  fatAlign,
		}
		if err := struc.Pack(&buf, &arch); err != nil {
			return nil, errors.Wrapf(err, "machoimg: fat arch %d", i)
		}
		offset += uint64(len(s.Data))
	}
	out := make([]byte, offset)
	copy(out, buf.Bytes())
	for i, s := range slices {
		copy(out[offsets[i]:], s.Data)
	}
	return out, nil
}

// SliceFor returns the slice for cpu from a thin or universal binary and
// checks it with debug/macho.
func SliceFor(data []byte, cpu macho.Cpu) ([]byte, error) {
	slices, err := Slices(data)
	if err != nil {
		return nil, err
	}
	for _, s := range slices {
		if s.CPU != cpu {
			continue
		}
		if err := Validate(s.Data, cpu); err != nil {
			return nil, err
		}
		return s.Data, nil
	}
	return nil, errors.Errorf("foreign platform: no %s slice in Mach-O", cpu)
}

// Validate parses a thin image with debug/macho and requires an executable
// for cpu.
func Validate(data []byte, cpu macho.Cpu) error {
	file, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "invalid Mach-O image")
	}
	defer file.Close()

	if file.Cpu != cpu {
		return errors.Errorf("foreign platform (provided: %s, expected: %s)", file.Cpu, cpu)
	}
	if file.Type != macho.TypeExec {
		return errors.Errorf("unsupported Mach-O file type: %v", file.Type)
	}
	return nil
}
