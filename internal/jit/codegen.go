// Package jit translates a verified instruction stream into x86-64
// machine code (spec §4.4): register mapping, prologue/epilogue, one
// emission case per opcode family, a jump-fixup table resolved in a single
// pass after emission, and a retpoline-protected indirect call for
// external helper dispatch.
package jit

import (
	"fmt"
	"os"

	"github.com/xyproto/xbpf/internal/isa"
)

// VerboseMode gates the code generator's instruction-by-instruction trace,
// mirroring the teacher's package-level verbose flag rather than
// introducing a logging framework.
var VerboseMode = false

// CodeGen emits native code for one compilation. It is not safe for
// concurrent use; build one CodeGen per Translate/Compile call.
type CodeGen struct {
	buf    []byte
	regs   registerMap
	pcLocs []int
	jumps  []fixup

	exitLoc           int
	retpolineLoc      int
	dispatcherSlotLoc int

	stackSize int
}

// New builds a CodeGen targeting abi with the default register mapping
// and the given private-stack size (spec's UBPF_STACK_SIZE).
func New(abi ABI, stackSize int) *CodeGen {
	return &CodeGen{regs: defaultRegisterMap(abi), stackSize: stackSize}
}

// SetRegisterOffset installs the test-only rotated register mapping
// described by spec.md's "register-map offset" on this instance, rather
// than mutating process-wide state (spec §13's Open Question resolution).
func (c *CodeGen) SetRegisterOffset(offset int) {
	c.regs = rotatedRegisterMap(c.regs.abi, offset)
}

// WithRegisterMap returns a copy of c configured to use an explicit
// register map, for tests that want full control rather than a rotation.
func (c *CodeGen) WithRegisterMap(m [numVirtualRegs]int) *CodeGen {
	c2 := *c
	c2.regs.virtualToHost = m
	return &c2
}

func (c *CodeGen) trace(format string, args ...any) {
	if VerboseMode {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

// Translate emits the full compiled program for insts (already verified)
// and returns the generated machine code buffer. functionEntries marks
// local-call targets so their stack-realignment prologue byte is emitted;
// hasUnwind/unwindIndex implement the unwind-on-zero convention.
func (c *CodeGen) Translate(insts []isa.Instruction, functionEntries []bool, hasUnwind bool, unwindIndex int32) ([]byte, error) {
	c.pcLocs = make([]int, len(insts))

	c.emitPrologue()

	i := 0
	inMain := true
	for i < len(insts) {
		in := insts[i]
		c.pcLocs[i] = len(c.buf)
		c.trace("jit: pc=%d opcode=0x%02x dst=%d src=%d off=%d imm=%d", i, in.Opcode, in.Dst, in.Src, in.Offset, in.Imm)

		if i == 0 || (i < len(functionEntries) && functionEntries[i]) {
			c.aluImm32(true, 0x81, group1Sub, rsp, 8)
			if i > 0 {
				inMain = false
			}
		}

		dst := c.regs.host(in.Dst)
		src := c.regs.host(in.Src)

		if in.IsLDDW() {
			if i+1 >= len(insts) {
				return nil, transFaultf("LDDW at instruction %d has no follow-on record", i)
			}
			hi := insts[i+1]
			c.pcLocs[i+1] = len(c.buf)
			imm := isa.LDDWImmediate(in, hi)
			c.movImm64(dst, imm)
			i += 2
			continue
		}

		targetPC := i + int(in.Offset) + 1

		switch in.Class() {
		case isa.ClassAlu:
			c.emitALU(false, in, src, dst)
		case isa.ClassAlu64:
			c.emitALU(true, in, src, dst)

		case isa.ClassJmp, isa.ClassJmp32:
			is32 := in.Class() == isa.ClassJmp32
			switch {
			case in.IsExit():
				if inMain {
					c.emitJmp(targetExit, 0)
				} else {
					c.aluImm32(true, 0x81, group1Add, rsp, 8)
					c.ret()
				}
			case in.IsCall():
				if in.Src == 1 {
					localTarget := i + int(in.Imm) + 1
					c.emitLocalCall(localTarget)
				} else {
					c.emitExternalCall(in.Imm)
					if hasUnwind && in.Imm == unwindIndex {
						c.cmpImm32(true, c.regs.host(0), 0)
						c.emitJcc(0x84, targetExit, 0)
					}
				}
			default:
				c.emitBranch(is32, in, src, dst, targetPC)
			}

		case isa.ClassLdx:
			c.emitLoad(memWidthOf(in.Opcode), src, dst, in.Offset)
		case isa.ClassSt:
			c.emitStoreImm32(memWidthOf(in.Opcode), dst, in.Offset, in.Imm)
		case isa.ClassStx:
			c.emitStore(memWidthOf(in.Opcode), dst, src, in.Offset)

		default:
			return nil, transFaultf("unknown instruction at PC %d: opcode 0x%02x", i, in.Opcode)
		}

		i++
	}

	c.emitEpilogue()
	c.retpolineLoc = c.emitRetpoline()
	c.dispatcherSlotLoc = len(c.buf)
	c.emit8(0) // patched by the caller (root VM) to the live dispatcher address

	if err := c.resolveFixups(); err != nil {
		return nil, err
	}
	return c.buf, nil
}

// DispatcherSlotOffset is the byte offset within the returned buffer of
// the 8-byte dispatcher function-pointer slot; the caller overwrites it
// with the address the retpoline should ultimately land on.
func (c *CodeGen) DispatcherSlotOffset() int { return c.dispatcherSlotLoc }

func memWidthOf(opcode uint8) int {
	switch opcode & 0x18 {
	case isa.SizeW:
		return 4
	case isa.SizeH:
		return 2
	case isa.SizeB:
		return 1
	default:
		return 8
	}
}

// emitPrologue follows spec §4.4: save non-volatile host registers, align
// the stack if needed, move the first native argument into mapped R1, set
// mapped R10 to RSP, reserve the private stack, reserve Windows home
// space, and call into a trampoline that lands at EXIT.
func (c *CodeGen) emitPrologue() {
	for _, reg := range c.regs.nonvolatile {
		c.pushReg(reg)
	}
	if len(c.regs.nonvolatile)%2 == 0 {
		c.aluImm32(true, 0x81, group1Sub, rsp, 8)
	}

	r1 := c.regs.host(1)
	if r1 != c.regs.firstParamReg {
		c.movReg(true, c.regs.firstParamReg, r1)
	}

	c.movReg(true, rsp, c.regs.host(10))
	c.aluImm32(true, 0x81, group1Sub, rsp, int32(c.stackSize))

	if c.regs.abi == ABIWin64 {
		c.aluImm32(true, 0x81, group1Sub, rsp, 32)
	}

	// call over the following 5-byte jmp; a return to that jmp lands at EXIT
	c.emit1(0xE8)
	c.emit4(5)
	c.emitJmp(targetExit, 0)
}

func (c *CodeGen) emitEpilogue() {
	c.exitLoc = len(c.buf)
	r0 := c.regs.host(0)
	if r0 != rax {
		c.movReg(true, r0, rax)
	}
	c.movReg(true, c.regs.host(10), rsp)
	if len(c.regs.nonvolatile)%2 == 0 {
		c.aluImm32(true, 0x81, group1Add, rsp, 8)
	}
	for i := len(c.regs.nonvolatile) - 1; i >= 0; i-- {
		c.popReg(c.regs.nonvolatile[i])
	}
	c.ret()
}

// emitExternalCall stages the six logical helper-call operands (virtual
// R1..R5 plus the 32-bit helper-index immediate) into the argument slots
// the retpoline's eventual target expects, per c.regs.abi, then issues
// the retpoline-protected indirect call. SysV has six integer argument
// registers, so every operand fits in rdi/rsi/rdx/rcx/r8/r9; Win64 has
// only four (rcx/rdx/r8/r9), so R5 and the immediate are written to the
// stack past the mandatory 32-byte shadow space.
func (c *CodeGen) emitExternalCall(imm int32) {
	if c.regs.abi == ABIWin64 {
		const argsAreaSize = 48 // 32-byte shadow space + 2 eightbyte stack args
		c.aluImm32(true, 0x81, group1Sub, rsp, argsAreaSize)
		c.emitStore(8, rsp, c.regs.host(5), 32)
		c.emitStoreImm32(8, rsp, 40, imm)
		c.movReg(true, c.regs.rcxAlt, rcx)
		c.emitCallRel32(targetRetpoline, 0)
		c.aluImm32(true, 0x81, group1Add, rsp, argsAreaSize)
		return
	}
	c.movReg(true, c.regs.rcxAlt, rcx)
	c.movImm32(true, r9, imm)
	c.emitCallRel32(targetRetpoline, 0)
}

// emitLocalCall pushes the callee-saved virtual registers, performs a
// direct near call to the target instruction, and pops them back — 32
// bytes total, preserving 16-byte alignment (spec §4.4).
func (c *CodeGen) emitLocalCall(targetPC int) {
	c.pushReg(c.regs.host(6))
	c.pushReg(c.regs.host(7))
	c.pushReg(c.regs.host(8))
	c.pushReg(c.regs.host(9))
	if c.regs.abi == ABIWin64 {
		c.aluImm32(true, 0x81, group1Sub, rsp, 32)
	}
	c.emitCallRel32(targetInstruction, targetPC)
	if c.regs.abi == ABIWin64 {
		c.aluImm32(true, 0x81, group1Add, rsp, 32)
	}
	c.popReg(c.regs.host(9))
	c.popReg(c.regs.host(8))
	c.popReg(c.regs.host(7))
	c.popReg(c.regs.host(6))
}
