package patch

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/pkg/errors"
)

// Style selects how a 32-bit operand encodes an address.
type Style int

const (
	// Absolute operands hold address - base, where base is zero for plain
	// immediates and the resolved PC base for position-independent code.
	Absolute Style = iota
	// Relative operands hold address - (instruction address + End).
	Relative
)

func (s Style) String() string {
	if s == Relative {
		return "relative"
	}
	return "absolute"
}

// Operand locates a signed little-endian 32-bit address operand inside a
// matched instruction sequence.
type Operand struct {
	Offset int   // operand position relative to the match
	End    int   // Relative: end of the referencing instruction relative to the match
	Style  Style // how the stored value maps to the target address
	Mode   int   // 32 or 64; 32-bit addresses wrap modulo 2^32
}

func (o Operand) wrap(v uint64) uint64 {
	if o.Mode == 32 {
		return v & math.MaxUint32
	}
	return v
}

// Resolve returns the address encoded by the operand of the instruction
// matched at match. codeAddr is the virtual address of code[0].
func (o Operand) Resolve(code []byte, match int, codeAddr, base uint64) (uint64, error) {
	at := match + o.Offset
	if at < 0 || at+4 > len(code) {
		return 0, errors.Errorf("patch: operand at 0x%x outside code", at)
	}
	stored := int64(int32(binary.LittleEndian.Uint32(code[at:])))
	switch o.Style {
	case Relative:
		return o.wrap(codeAddr + uint64(match+o.End) + uint64(stored)), nil
	default:
		return o.wrap(base + uint64(stored)), nil
	}
}

// Encode rewrites the operand so that it references dest.
func (o Operand) Encode(code []byte, match int, codeAddr, base, dest uint64) error {
	at := match + o.Offset
	if at < 0 || at+4 > len(code) {
		return errors.Errorf("patch: operand at 0x%x outside code", at)
	}
	var v int64
	switch o.Style {
	case Relative:
		v = int64(dest) - int64(codeAddr+uint64(match+o.End))
	default:
		v = int64(dest) - int64(base)
	}
	if o.Mode == 32 {
		v = int64(int32(uint32(v)))
	} else if v < math.MinInt32 || v > math.MaxInt32 {
		return errors.Errorf("patch: %s displacement 0x%x to 0x%x out of range", o.Style, v, dest)
	}
	binary.LittleEndian.PutUint32(code[at:], uint32(int32(v)))
	return nil
}

// Rewrite reports whether the operand currently references one of from.
// When it does and dest is non-nil the operand is rewritten to reference
// *dest; with a nil dest nothing is written.
func (o Operand) Rewrite(code []byte, match int, codeAddr, base uint64, from []uint64, dest *uint64) (bool, error) {
	addr, err := o.Resolve(code, match, codeAddr, base)
	if err != nil {
		return false, err
	}
	if !slices.Contains(from, addr) {
		return false, nil
	}
	if dest == nil {
		return true, nil
	}
	return true, o.Encode(code, match, codeAddr, base, *dest)
}

var (
	ErrNoReferences        = errors.New("no references")
	ErrDuplicateReferences = errors.New("duplicate references")
)

// Site is a located instruction whose operand may reference an address.
type Site struct {
	Operand Operand
	Match   int
	Base    uint64
}

// Unique returns the index of the only site whose operand references an
// address in from. Nothing is written.
func Unique(code []byte, codeAddr uint64, sites []Site, from []uint64, label string) (int, error) {
	hit := -1
	for i, s := range sites {
		ok, err := s.Operand.Rewrite(code, s.Match, codeAddr, s.Base, from, nil)
		if err != nil {
			return -1, errors.Wrapf(err, "%s", label)
		}
		if !ok {
			continue
		}
		if hit >= 0 {
			return -1, &CandidateError{Label: label, Err: ErrDuplicateReferences}
		}
		hit = i
	}
	if hit < 0 {
		return -1, &CandidateError{Label: label, Err: ErrNoReferences}
	}
	return hit, nil
}

// RetargetOnce requires exactly one site to reference an address in from
// and rewrites that one to dest.
func RetargetOnce(code []byte, codeAddr uint64, sites []Site, from []uint64, dest uint64, label string) error {
	hit, err := Unique(code, codeAddr, sites, from, label)
	if err != nil {
		return err
	}
	s := sites[hit]
	return s.Operand.Encode(code, s.Match, codeAddr, s.Base, dest)
}
