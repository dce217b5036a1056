package jit

// emitJccShortPlaceholder emits a near conditional jump whose displacement
// is filled in immediately by the caller once the branch target is known,
// rather than going through the instruction-indexed fixup table — used for
// the short forward branches a single bytecode instruction expands into
// (e.g. the MUL/DIV/MOD zero-divisor check), which never cross a bytecode
// instruction boundary.
func (c *CodeGen) emitJccShortPlaceholder(cc byte) (patchSite int) {
	c.emit1(0x0F)
	c.emit1(cc)
	patchSite = len(c.buf)
	c.emit4(0)
	return patchSite
}

func (c *CodeGen) emitJmpShortPlaceholder() (patchSite int) {
	c.emit1(0xE9)
	patchSite = len(c.buf)
	c.emit4(0)
	return patchSite
}

func (c *CodeGen) emitCallShortPlaceholder() (patchSite int) {
	c.emit1(0xE8)
	patchSite = len(c.buf)
	c.emit4(0)
	return patchSite
}

// patchBackward resolves a placeholder to land at an already-emitted
// location target (used for the retpoline's backward speculation-capture
// loop).
func (c *CodeGen) patchBackward(patchSite, target int) {
	disp := int32(target - (patchSite + 4))
	c.buf[patchSite] = byte(disp)
	c.buf[patchSite+1] = byte(disp >> 8)
	c.buf[patchSite+2] = byte(disp >> 16)
	c.buf[patchSite+3] = byte(disp >> 24)
}

// patchHere resolves a placeholder produced by emitJccShortPlaceholder or
// emitJmpShortPlaceholder to land at the current end of the buffer.
func (c *CodeGen) patchHere(patchSite int) {
	disp := int32(len(c.buf) - (patchSite + 4))
	c.buf[patchSite] = byte(disp)
	c.buf[patchSite+1] = byte(disp >> 8)
	c.buf[patchSite+2] = byte(disp >> 16)
	c.buf[patchSite+3] = byte(disp >> 24)
}
