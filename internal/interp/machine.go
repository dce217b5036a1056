// Package interp executes a verified instruction stream directly, one
// instruction at a time, against an 11-register file and a private stack
// (spec §4.3).
package interp

import (
	"fmt"
	"unsafe"

	"github.com/xyproto/xbpf/internal/isa"
	"github.com/xyproto/xbpf/internal/vmtypes"
)

// Program is the immutable, already-verified state every Machine executes
// against: the linked instruction stream plus the helper/dispatcher/bounds
// configuration that the root VM assembles.
type Program struct {
	Insts           []isa.Instruction
	FunctionEntries []bool

	Helpers    map[uint32]vmtypes.Helper
	Dispatcher vmtypes.ExternalDispatcher
	DispatcherCookie any

	HasUnwind   bool
	UnwindIndex int32

	BoundsCheckEnabled bool
	BoundsCheck        vmtypes.BoundsCheckFunc
	BoundsCheckCookie  any

	MaxCallDepth int
}

// Machine is one interpreter execution context: a register file (owned by
// the caller, so concurrent Exec calls can each use their own) and a
// private stack.
type Machine struct {
	Prog  *Program
	Regs  *[11]uint64
	Stack []byte
}

// NewMachine builds a Machine over prog with a freshly allocated stack of
// stackSize bytes (must be non-zero and a multiple of 16) and the given
// register storage.
func NewMachine(prog *Program, regs *[11]uint64, stackSize int) *Machine {
	return &Machine{Prog: prog, Regs: regs, Stack: make([]byte, stackSize)}
}

type frame struct {
	retPC              int
	r6, r7, r8, r9     uint64
}

// Exec runs the program to completion against mem (the bytecode's R1/R2
// argument pair) and returns the final value of R0.
func (m *Machine) Exec(mem []byte) (uint64, error) {
	regs := m.Regs
	for i := range regs {
		regs[i] = 0
	}

	var stackBase, stackTop uint64
	if len(m.Stack) > 0 {
		stackBase = uint64(uintptr(unsafe.Pointer(&m.Stack[0])))
		stackTop = stackBase + uint64(len(m.Stack))
	}
	regs[10] = stackTop

	if len(mem) > 0 {
		regs[1] = uint64(uintptr(unsafe.Pointer(&mem[0])))
	}
	regs[2] = uint64(len(mem))

	insts := m.Prog.Insts
	maxDepth := m.Prog.MaxCallDepth
	if maxDepth == 0 {
		maxDepth = vmtypes.MaxCallDepth
	}

	var callStack []frame
	pc := 0

	for {
		if pc < 0 || pc >= len(insts) {
			return 0, faultf("pc %d out of range", pc)
		}
		cur := pc
		in := insts[pc]
		pc++

		switch in.Class() {
		case isa.ClassLd:
			if !in.IsLDDW() {
				return 0, faultf("unsupported LD opcode 0x%02x at instruction %d", in.Opcode, cur)
			}
			hi := insts[pc]
			pc++
			regs[in.Dst] = isa.LDDWImmediate(in, hi)

		case isa.ClassLdx:
			addr := uint64(int64(regs[in.Src]) + int64(in.Offset))
			width := memWidth(in.Opcode)
			if err := m.checkAccess(addr, width, stackBase, stackTop); err != nil {
				return 0, err
			}
			regs[in.Dst] = loadWidth(addr, width)

		case isa.ClassSt:
			addr := uint64(int64(regs[in.Dst]) + int64(in.Offset))
			width := memWidth(in.Opcode)
			if err := m.checkAccess(addr, width, stackBase, stackTop); err != nil {
				return 0, err
			}
			storeWidth(addr, width, uint64(in.Imm))

		case isa.ClassStx:
			addr := uint64(int64(regs[in.Dst]) + int64(in.Offset))
			width := memWidth(in.Opcode)
			if err := m.checkAccess(addr, width, stackBase, stackTop); err != nil {
				return 0, err
			}
			storeWidth(addr, width, regs[in.Src])

		case isa.ClassAlu, isa.ClassAlu64:
			execALU(regs, in)

		case isa.ClassJmp, isa.ClassJmp32:
			switch {
			case in.IsExit():
				if len(callStack) == 0 {
					return regs[0], nil
				}
				f := callStack[len(callStack)-1]
				callStack = callStack[:len(callStack)-1]
				regs[6], regs[7], regs[8], regs[9] = f.r6, f.r7, f.r8, f.r9
				pc = f.retPC

			case in.IsCall():
				if in.Src == 1 {
					if len(callStack) >= maxDepth {
						return 0, faultf("call depth exceeded (max %d)", maxDepth)
					}
					callStack = append(callStack, frame{
						retPC: pc, r6: regs[6], r7: regs[7], r8: regs[8], r9: regs[9],
					})
					pc = cur + int(in.Imm) + 1
					continue
				}
				result, err := m.callExternal(regs, in.Imm)
				if err != nil {
					return 0, err
				}
				regs[0] = result
				if m.Prog.HasUnwind && in.Imm == m.Prog.UnwindIndex && result == 0 {
					return regs[0], nil
				}

			default:
				if branchTaken(regs, in) {
					pc = cur + int(in.Offset) + 1
				}
			}

		default:
			return 0, faultf("unsupported opcode 0x%02x at instruction %d", in.Opcode, cur)
		}
	}
}

func (m *Machine) callExternal(regs *[11]uint64, imm int32) (uint64, error) {
	if m.Prog.Dispatcher != nil {
		return m.Prog.Dispatcher(regs[1], regs[2], regs[3], regs[4], regs[5], imm, m.Prog.DispatcherCookie), nil
	}
	h, ok := m.Prog.Helpers[uint32(imm)]
	if !ok {
		return 0, faultf("call to unregistered helper index %d", imm)
	}
	return h.Fn(regs[1], regs[2], regs[3], regs[4], regs[5]), nil
}

func (m *Machine) checkAccess(addr uint64, width int, stackBase, stackTop uint64) error {
	if stackTop != 0 && addr >= stackBase && addr+uint64(width) <= stackTop && addr+uint64(width) >= addr {
		return nil
	}
	if !m.Prog.BoundsCheckEnabled {
		return nil
	}
	if m.Prog.BoundsCheck == nil {
		return faultf("bounds checking enabled but no callback registered")
	}
	if !m.Prog.BoundsCheck(addr, width, m.Prog.BoundsCheckCookie) {
		return faultf("bounds check failed for %d-byte access at 0x%x", width, addr)
	}
	return nil
}

func faultf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrRuntimeFault)
}
