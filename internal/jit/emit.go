package jit

// Low-level x86-64 encoding primitives: REX prefixes, ModR/M + SIB bytes,
// and the handful of opcode forms the translator needs. These follow the
// standard AMD64 instruction encoding (Intel SDM vol. 2) rather than any
// single retrieved source, since no pack example carries a from-scratch
// x86 encoder at this level of detail (see DESIGN.md); everything above
// this layer (which opcode/ModR/M form each eBPF operation maps to) is
// grounded directly in the reference JIT's translate() switch.

const (
	group1Add = 0
	group1Or  = 1
	group1And = 4
	group1Sub = 5
	group1Xor = 6
	group1Cmp = 7

	group2Shl = 4
	group2Shr = 5
	group2Sar = 7

	group3Test = 0
	group3Not  = 2
	group3Neg  = 3
	group3Mul  = 4
	group3Div  = 6
)

func (c *CodeGen) emit1(b byte) { c.buf = append(c.buf, b) }

func (c *CodeGen) emit4(v uint32) {
	c.buf = append(c.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (c *CodeGen) emit8(v uint64) {
	c.buf = append(c.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

// rex builds a REX prefix byte. w selects 64-bit operand size; r/x/b are
// the extension bits for the ModR/M reg field, the SIB index field, and
// the ModR/M rm (or SIB base, or opcode) field respectively.
func rex(w, r, x, b bool) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

func modrmDirect(reg, rm int) byte {
	return 0xC0 | byte(reg&7)<<3 | byte(rm&7)
}

// emitRegReg emits "opcode /r" with the ModR/M register-direct form used
// by ADD/SUB/OR/AND/XOR/CMP/TEST/MOV's reg-reg encodings: reg is the
// instruction's "reg" field, rm is its "r/m" field.
func (c *CodeGen) emitRegReg(w64 bool, opcode byte, reg, rm int) {
	c.emit1(rex(w64, isExtended(reg), false, isExtended(rm)))
	c.emit1(opcode)
	c.emit1(modrmDirect(reg, rm))
}

func (c *CodeGen) aluReg(w64 bool, opcode byte, src, dst int) {
	c.emitRegReg(w64, opcode, src, dst)
}

func (c *CodeGen) movReg(w64 bool, src, dst int) {
	if src == dst {
		return
	}
	c.emitRegReg(w64, 0x89, src, dst)
}

func (c *CodeGen) cmpReg(w64 bool, src, dst int) {
	c.emitRegReg(w64, 0x39, src, dst)
}

func (c *CodeGen) testReg(w64 bool, src, dst int) {
	c.emitRegReg(w64, 0x85, src, dst)
}

// aluImm32 emits "opcode /digit id32" against dst, e.g. 0x81 for the
// group-1 ALU immediate forms.
func (c *CodeGen) aluImm32(w64 bool, opcode, digit byte, dst int, imm int32) {
	c.emit1(rex(w64, false, false, isExtended(dst)))
	c.emit1(opcode)
	c.emit1(0xC0 | digit<<3 | byte(dst&7))
	c.emit4(uint32(imm))
}

func (c *CodeGen) shiftImm8(w64 bool, digit byte, dst int, imm8 byte) {
	c.emit1(rex(w64, false, false, isExtended(dst)))
	c.emit1(0xC1)
	c.emit1(0xC0 | digit<<3 | byte(dst&7))
	c.emit1(imm8)
}

func (c *CodeGen) shiftCL(w64 bool, digit byte, dst int) {
	c.emit1(rex(w64, false, false, isExtended(dst)))
	c.emit1(0xD3)
	c.emit1(0xC0 | digit<<3 | byte(dst&7))
}

// group3 emits "0xF7 /digit" against dst: NEG, MUL (unsigned, rax:rdx),
// DIV (unsigned, rax:rdx).
func (c *CodeGen) group3(w64 bool, digit byte, dst int) {
	c.emit1(rex(w64, false, false, isExtended(dst)))
	c.emit1(0xF7)
	c.emit1(0xC0 | digit<<3 | byte(dst&7))
}

func (c *CodeGen) testImm32(w64 bool, dst int, imm int32) {
	c.emit1(rex(w64, false, false, isExtended(dst)))
	c.emit1(0xF7)
	c.emit1(0xC0 | byte(group3Test)<<3 | byte(dst&7))
	c.emit4(uint32(imm))
}

func (c *CodeGen) cmpImm32(w64 bool, dst int, imm int32) {
	c.aluImm32(w64, 0x81, group1Cmp, dst, imm)
}

func (c *CodeGen) movImm32(w64 bool, dst int, imm int32) {
	c.emit1(rex(w64, false, false, isExtended(dst)))
	c.emit1(0xC7)
	c.emit1(0xC0 | byte(dst&7))
	c.emit4(uint32(imm))
}

// movImm64 emits a full 64-bit "movabs dst, imm64".
func (c *CodeGen) movImm64(dst int, imm uint64) {
	c.emit1(rex(true, false, false, isExtended(dst)))
	c.emit1(0xB8 | byte(dst&7))
	c.emit8(imm)
}

func (c *CodeGen) pushReg(reg int) {
	if isExtended(reg) {
		c.emit1(rex(false, false, false, true))
	}
	c.emit1(0x50 | byte(reg&7))
}

func (c *CodeGen) popReg(reg int) {
	if isExtended(reg) {
		c.emit1(rex(false, false, false, true))
	}
	c.emit1(0x58 | byte(reg&7))
}

func (c *CodeGen) ret() { c.emit1(0xC3) }

// memModRM emits the ModR/M (+ SIB if the base register is RSP/R12) byte
// sequence for "[base + disp32]", leaving the 32-bit displacement to the
// caller — used by both load and store emission.
func (c *CodeGen) memModRM(reg, base int, disp int32) {
	rm := base & 7
	if rm == rsp&7 {
		c.emit1(0x80 | byte(reg&7)<<3 | 4)
		c.emit1(0x24) // SIB: scale=0, index=none, base=RSP/R12
	} else {
		c.emit1(0x80 | byte(reg&7)<<3 | byte(rm))
	}
	c.emit4(uint32(disp))
}

// emitLoad loads `width` bytes from [base+disp] into dst, zero-extending
// into the full 64-bit register for widths under 8 (matching native x86
// mov-to-r32 zero-extension for 4 bytes, and explicit movzx for 1/2).
func (c *CodeGen) emitLoad(width int, base, dst int, disp int16) {
	switch width {
	case 1:
		c.emit1(rex(false, isExtended(dst), false, isExtended(base)))
		c.emit1(0x0F)
		c.emit1(0xB6)
		c.memModRM(dst, base, int32(disp))
	case 2:
		c.emit1(rex(false, isExtended(dst), false, isExtended(base)))
		c.emit1(0x0F)
		c.emit1(0xB7)
		c.memModRM(dst, base, int32(disp))
	case 4:
		c.emit1(rex(false, isExtended(dst), false, isExtended(base)))
		c.emit1(0x8B)
		c.memModRM(dst, base, int32(disp))
	default:
		c.emit1(rex(true, isExtended(dst), false, isExtended(base)))
		c.emit1(0x8B)
		c.memModRM(dst, base, int32(disp))
	}
}

// emitStore stores src into [base+disp] as `width` bytes.
func (c *CodeGen) emitStore(width int, base, src int, disp int16) {
	switch width {
	case 1:
		c.emit1(rex(false, isExtended(src), false, isExtended(base)))
		c.emit1(0x88)
		c.memModRM(src, base, int32(disp))
	case 2:
		c.emit1(0x66)
		c.emit1(rex(false, isExtended(src), false, isExtended(base)))
		c.emit1(0x89)
		c.memModRM(src, base, int32(disp))
	case 4:
		c.emit1(rex(false, isExtended(src), false, isExtended(base)))
		c.emit1(0x89)
		c.memModRM(src, base, int32(disp))
	default:
		c.emit1(rex(true, isExtended(src), false, isExtended(base)))
		c.emit1(0x89)
		c.memModRM(src, base, int32(disp))
	}
}

// emitStoreImm32 stores the sign-extended 32-bit immediate imm into
// [base+disp] as `width` bytes.
func (c *CodeGen) emitStoreImm32(width int, base int, disp int16, imm int32) {
	switch width {
	case 1:
		c.emit1(rex(false, false, false, isExtended(base)))
		c.emit1(0xC6)
		c.memModRM(0, base, int32(disp))
		c.emit1(byte(imm))
	case 2:
		c.emit1(0x66)
		c.emit1(rex(false, false, false, isExtended(base)))
		c.emit1(0xC7)
		c.memModRM(0, base, int32(disp))
		c.buf = append(c.buf, byte(imm), byte(imm>>8))
	case 4:
		c.emit1(rex(false, false, false, isExtended(base)))
		c.emit1(0xC7)
		c.memModRM(0, base, int32(disp))
		c.emit4(uint32(imm))
	default:
		c.emit1(rex(true, false, false, isExtended(base)))
		c.emit1(0xC7)
		c.memModRM(0, base, int32(disp))
		c.emit4(uint32(imm))
	}
}
