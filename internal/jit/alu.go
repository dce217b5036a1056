package jit

import "github.com/xyproto/xbpf/internal/isa"

// emitALU emits one ALU/ALU64 instruction. src/dst are already the host
// registers the virtual operands map to; in carries the original fields
// needed to pick immediate-vs-register form and the operation itself.
func (c *CodeGen) emitALU(w64 bool, in isa.Instruction, src, dst int) {
	op := in.ALUOp()

	if op == isa.OpNeg {
		c.group3(w64, group3Neg, dst)
		return
	}
	if op == isa.OpEnd {
		c.emitByteswap(w64, in, dst)
		return
	}
	if op == isa.OpMov {
		if in.UsesSrcReg() {
			if !w64 && src == dst {
				c.emitRegReg(false, 0x89, src, dst) // still clears the upper 32 bits
			} else {
				c.movReg(w64, src, dst)
			}
		} else if w64 {
			c.movImm64(dst, uint64(int64(in.Imm)))
		} else {
			c.movImm32(false, dst, in.Imm)
		}
		return
	}

	switch op {
	case isa.OpAdd, isa.OpSub, isa.OpOr, isa.OpAnd, isa.OpXor:
		digit := map[uint8]byte{isa.OpAdd: group1Add, isa.OpSub: group1Sub, isa.OpOr: group1Or, isa.OpAnd: group1And, isa.OpXor: group1Xor}[op]
		opcodeReg := map[uint8]byte{isa.OpAdd: 0x01, isa.OpSub: 0x29, isa.OpOr: 0x09, isa.OpAnd: 0x21, isa.OpXor: 0x31}[op]
		if in.UsesSrcReg() {
			c.aluReg(w64, opcodeReg, src, dst)
		} else {
			c.aluImm32(w64, 0x81, digit, dst, in.Imm)
		}

	case isa.OpLsh, isa.OpRsh, isa.OpArsh:
		digit := map[uint8]byte{isa.OpLsh: group2Shl, isa.OpRsh: group2Shr, isa.OpArsh: group2Sar}[op]
		if in.UsesSrcReg() {
			c.movReg(true, src, rcx)
			c.shiftCL(w64, digit, dst)
		} else {
			mask := byte(0x3f)
			if !w64 {
				mask = 0x1f
			}
			c.shiftImm8(w64, digit, dst, byte(in.Imm)&mask)
		}

	case isa.OpMul, isa.OpDiv, isa.OpMod:
		c.emitMulDivMod(w64, op, in, src, dst)

	default:
		// Unknown ALU op; the verifier should have rejected this already.
	}
}

// 32-bit ALU forms above (aluReg/aluImm32/shiftImm8/shiftCL/group3 with
// w64=false) already write the 32-bit sub-register, which the x86-64
// architecture zero-extends into the full 64-bit register automatically —
// no separate zero-extension step is needed.

// emitByteswap implements BE/LE (spec §4.3): TO_LE is a no-op on a
// little-endian host; TO_BE swaps the register's bytes for the requested
// width using BSWAP (32/64-bit) or an explicit rotate+mask (16-bit, since
// x86 has no native 16-bit BSWAP).
func (c *CodeGen) emitByteswap(w64 bool, in isa.Instruction, dst int) {
	if !in.UsesSrcReg() {
		return // TO_LE: little-endian host, nothing to do
	}
	switch in.Imm {
	case 16:
		// xchg al,ah-equivalent via rol dst, 8 on the 16-bit sub-register,
		// then zero-extend: 66 C1 C0 08 ; movzx dst, dst(16-bit)
		c.emit1(0x66)
		c.emit1(rex(false, false, false, isExtended(dst)))
		c.emit1(0xC1)
		c.emit1(0xC0 | byte(dst&7))
		c.emit1(8)
		c.emit1(rex(false, isExtended(dst), false, isExtended(dst)))
		c.emit1(0x0F)
		c.emit1(0xB7)
		c.emit1(modrmDirect(dst, dst))
	case 32:
		c.emit1(rex(false, false, false, isExtended(dst)))
		c.emit1(0x0F)
		c.emit1(0xC8 | byte(dst&7))
	case 64:
		c.emit1(rex(true, false, false, isExtended(dst)))
		c.emit1(0x0F)
		c.emit1(0xC8 | byte(dst&7))
	}
}

// emitBranch emits a compare (against register or immediate) followed by
// the conditional jump matching in's comparison op, targeting targetPC.
func (c *CodeGen) emitBranch(is32 bool, in isa.Instruction, src, dst int, targetPC int) {
	w64 := !is32
	op := in.ALUOp()

	if op == isa.OpJa {
		c.emitJmp(targetInstruction, targetPC)
		return
	}

	if op == isa.OpJset {
		if in.UsesSrcReg() {
			c.testReg(w64, src, dst)
		} else {
			c.testImm32(w64, dst, in.Imm)
		}
	} else {
		if in.UsesSrcReg() {
			c.cmpReg(w64, src, dst)
		} else {
			c.cmpImm32(w64, dst, in.Imm)
		}
	}

	cc := map[uint8]byte{
		isa.OpJeq:  0x84,
		isa.OpJgt:  0x87,
		isa.OpJge:  0x83,
		isa.OpJset: 0x85,
		isa.OpJne:  0x85,
		isa.OpJsgt: 0x8F,
		isa.OpJsge: 0x8D,
		isa.OpJlt:  0x82,
		isa.OpJle:  0x86,
		isa.OpJslt: 0x8C,
		isa.OpJsle: 0x8E,
	}[op]
	c.emitJcc(cc, targetInstruction, targetPC)
}
