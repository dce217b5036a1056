package jit

import "github.com/xyproto/xbpf/internal/isa"

// emitMulDivMod implements MUL/DIV/MOD (spec §4.3's zero-divisor
// convention: DIV-by-zero yields 0, MOD-by-zero leaves the dividend
// unchanged), transliterated from the reference JIT's muldivmod helper:
// RAX:RDX are the only operand-size-native multiply/divide registers, so
// the operand and dividend are staged through RCX/RAX/RDX regardless of
// which virtual registers dst/src actually live in, and any virtual
// register that happens to already live in RAX or RDX is saved and
// restored around the sequence.
func (c *CodeGen) emitMulDivMod(w64 bool, op uint8, in isa.Instruction, src, dst int) {
	// Stage the operand into RCX first, before anything else is disturbed:
	// RCX is never a virtual register's home on either ABI (see regs.go),
	// so this is always safe regardless of aliasing.
	if in.UsesSrcReg() {
		c.movReg(w64, src, rcx)
	} else if w64 {
		c.movImm64(rcx, uint64(int64(in.Imm)))
	} else {
		c.movImm32(false, rcx, in.Imm)
	}

	savedRAX := dst != rax
	savedRDX := dst != rdx
	if savedRAX {
		c.pushReg(rax)
	}
	if savedRDX {
		c.pushReg(rdx)
	}

	c.movReg(w64, dst, rax) // stage the dividend/multiplicand into RAX

	switch op {
	case isa.OpMul:
		c.group3(w64, group3Mul, rcx)
		c.movReg(w64, rax, dst)

	case isa.OpDiv, isa.OpMod:
		c.testReg(w64, rcx, rcx)
		zeroSite := c.emitJccShortPlaceholder(0x84) // JE

		c.zeroExtendEdx(w64)
		c.group3(w64, group3Div, rcx)
		doneSite := c.emitJmpShortPlaceholder()

		c.patchHere(zeroSite)
		if op == isa.OpDiv {
			c.aluReg(w64, 0x31, rax, rax) // xor rax, rax
		} else {
			c.movReg(w64, rax, rdx) // MOD by zero: remainder is the unchanged dividend
		}

		c.patchHere(doneSite)
		if op == isa.OpDiv {
			c.movReg(w64, rax, dst)
		} else {
			c.movReg(w64, rdx, dst)
		}
	}

	if savedRDX {
		c.popReg(rdx)
	}
	if savedRAX {
		c.popReg(rax)
	}
}

// zeroExtendEdx clears RDX/EDX ahead of an unsigned DIV, which otherwise
// divides the full RDX:RAX (or EDX:EAX) pair.
func (c *CodeGen) zeroExtendEdx(w64 bool) {
	c.aluReg(w64, 0x31, rdx, rdx) // xor rdx, rdx
}
