package projector

import (
	"bytes"
	"fmt"

	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"

	"github.com/shockpkg/projector/elfimg"
	"github.com/shockpkg/projector/machoimg"
	"github.com/shockpkg/projector/peimg"
)

var ErrUnknownFormat = errors.New("projector: unknown binary format")

// Info describes a player or projector binary.
type Info struct {
	Format   string   `yaml:"format"`
	Bits     int      `yaml:"bits"`
	Arches   []string `yaml:"arches"`
	Sections []string `yaml:"sections"`
	Movie    int      `yaml:"movie,omitempty"`
}

// Inspect identifies the container format of data and lists its
// architectures and sections.
func Inspect(data []byte) (*Info, error) {
	var info *Info
	var err error
	switch {
	case bytes.HasPrefix(data, []byte("\x7fELF")):
		info, err = inspectELF(data)
	case machoimg.IsFat(data):
		info, err = inspectMachO(data, "macho-fat")
	case isThinMachO(data):
		info, err = inspectMachO(data, "macho")
	case bytes.HasPrefix(data, []byte("MZ")):
		info, err = inspectPE(data)
	default:
		return nil, ErrUnknownFormat
	}
	if err != nil {
		return nil, err
	}
	if movie, ok := SplicedMovie(data); ok {
		info.Movie = len(movie)
	}
	return info, nil
}

func isThinMachO(data []byte) bool {
	_, err := machoimg.Types(data)
	return err == nil && !machoimg.IsFat(data)
}

func inspectELF(data []byte) (*Info, error) {
	img, err := elfimg.Decode(data, 0)
	if err != nil {
		return nil, err
	}
	info := &Info{Format: "elf", Bits: 32, Arches: []string{img.Header.Machine.String()}}
	if img.Wide() {
		info.Bits = 64
	}
	for _, s := range img.Sections {
		if name := img.SectionName(s); name != "" {
			info.Sections = append(info.Sections, name)
		}
	}
	return info, nil
}

func inspectMachO(data []byte, format string) (*Info, error) {
	slices, err := machoimg.Slices(data)
	if err != nil {
		return nil, err
	}
	info := &Info{Format: format}
	for _, s := range slices {
		img, err := machoimg.Decode(s.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "slice %s", s.Arch)
		}
		info.Arches = append(info.Arches, s.Arch.String())
		info.Bits = max(info.Bits, 32)
		if img.Wide() {
			info.Bits = 64
		}
		segs, err := img.Segments()
		if err != nil {
			return nil, err
		}
		for _, seg := range segs {
			for _, sect := range seg.Sections {
				info.Sections = append(info.Sections, fmt.Sprintf("%s:%s,%s", s.Arch, seg.Name, sect.Name))
			}
		}
	}
	return info, nil
}

func inspectPE(data []byte) (*Info, error) {
	img, err := peimg.Decode(data)
	if err != nil {
		return nil, err
	}
	info := &Info{Format: "pe", Bits: 32}
	if img.Wide() {
		info.Bits = 64
	}
	switch img.Machine() {
	case pe.IMAGE_FILE_MACHINE_I386:
		info.Arches = []string{"i386"}
	case pe.IMAGE_FILE_MACHINE_AMD64:
		info.Arches = []string{"x86_64"}
	default:
		info.Arches = []string{fmt.Sprintf("0x%04x", img.Machine())}
	}
	for _, s := range img.File.Sections {
		info.Sections = append(info.Sections, s.Name)
	}
	return info, nil
}
