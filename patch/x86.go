package patch

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/shockpkg/projector/bytebuf"
)

// Decode decodes the instruction at off in 32-bit or 64-bit mode.
func Decode(code []byte, off, mode int) (x86asm.Inst, error) {
	if off < 0 || off >= len(code) {
		return x86asm.Inst{}, errors.Errorf("patch: decode offset 0x%x outside code", off)
	}
	inst, err := x86asm.Decode(code[off:], mode)
	if err != nil {
		return x86asm.Inst{}, errors.Wrapf(err, "patch: decode at 0x%x", off)
	}
	return inst, nil
}

// Reference describes an instruction form carrying an address operand. A
// fuzzy match only counts when it decodes to Op with the expected
// registers and length.
type Reference struct {
	Find    bytebuf.Pattern
	Op      x86asm.Op
	Reg     x86asm.Reg // first argument register, or 0 for any
	Base    x86asm.Reg // memory base register, or 0 for an immediate operand
	Operand Operand
}

// Matches decodes the instruction at off and checks it against r.
func (r Reference) Matches(code []byte, off int) bool {
	inst, err := Decode(code, off, r.Operand.Mode)
	if err != nil || inst.Op != r.Op {
		return false
	}
	if r.Operand.Style == Relative && inst.Len != r.Operand.End {
		return false
	}
	if r.Operand.Offset+4 > inst.Len {
		return false
	}
	if r.Reg != 0 {
		if reg, ok := inst.Args[0].(x86asm.Reg); !ok || reg != r.Reg {
			return false
		}
	}
	if r.Base == 0 {
		return true
	}
	for _, arg := range inst.Args {
		if mem, ok := arg.(x86asm.Mem); ok {
			return mem.Base == r.Base && mem.Index == 0
		}
	}
	return false
}

// FindAll returns every offset in code where r occurs.
func (r Reference) FindAll(code []byte) []int {
	var out []int
	for off := range bytebuf.FindFuzzy(code, r.Find, 0, -1, false) {
		if r.Matches(code, off) {
			out = append(out, off)
		}
	}
	return out
}

// pcThunk matches "call rel32; add reg, imm32" where reg is filled in from
// the 0x81 /0 ModRM byte.
var pcThunk = bytebuf.MustPattern("E8 ?? ?? ?? ?? 81 ?? ?? ?? ?? ??")

// FindPCBase resolves the value of a 32-bit base register set up by the
// position-independent idiom
//
//	call __x86.get_pc_thunk.reg
//	add  reg, imm32
//
// searching backward from until. The base is the call address plus five
// plus the immediate. When the call target lies inside code it must be a
// thunk that loads reg from the stack and returns.
func FindPCBase(code []byte, codeAddr uint64, until int, reg x86asm.Reg) (uint64, bool) {
	n, ok := reg32Index(reg)
	if !ok {
		return 0, false
	}
	modrm := byte(0xc0 | n)
	for off := range bytebuf.FindFuzzy(code, pcThunk, 0, until, true) {
		if code[off+6] != modrm {
			continue
		}
		rel := int64(int32(binary.LittleEndian.Uint32(code[off+1:])))
		target := int64(off) + 5 + rel
		if target >= 0 && target+4 <= int64(len(code)) && !isPCThunk(code[target:], n) {
			continue
		}
		imm := binary.LittleEndian.Uint32(code[off+7:])
		return (codeAddr + uint64(off) + 5 + uint64(imm)) & 0xffffffff, true
	}
	return 0, false
}

// isPCThunk checks for "mov reg, [esp]; ret".
func isPCThunk(b []byte, n int) bool {
	return b[0] == 0x8b && b[1] == byte(0x04|n<<3) && b[2] == 0x24 && b[3] == 0xc3
}

func reg32Index(reg x86asm.Reg) (int, bool) {
	switch reg {
	case x86asm.EAX:
		return 0, true
	case x86asm.ECX:
		return 1, true
	case x86asm.EDX:
		return 2, true
	case x86asm.EBX:
		return 3, true
	case x86asm.ESP:
		return 4, true
	case x86asm.EBP:
		return 5, true
	case x86asm.ESI:
		return 6, true
	case x86asm.EDI:
		return 7, true
	}
	return 0, false
}
