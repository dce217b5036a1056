package jit

// emitRetpoline emits the speculation-safe indirect call thunk external
// helper calls target: it loads the live dispatcher address out of the
// trailing dispatcher slot and "returns" into it, rather than using a
// speculatable indirect CALL/JMP, following the standard retpoline
// construction (Turner, "Retpoline: a software construct for preventing
// branch-target-injection").
func (c *CodeGen) emitRetpoline() int {
	start := len(c.buf)

	callSite := c.emitCallShortPlaceholder() // call load_target

	captureSpec := len(c.buf)
	c.emit1(0xF3)
	c.emit1(0x90) // pause
	c.emit1(0x0F)
	c.emit1(0xAE)
	c.emit1(0xE8) // lfence
	backJmp := c.emitJmpShortPlaceholder()
	c.patchBackward(backJmp, captureSpec)

	c.patchHere(callSite) // load_target: begins right here

	c.emit1(rex(true, false, false, false))
	c.emit1(0x8B)
	c.emit1(0x05) // ModR/M: RAX, RIP-relative
	c.emitRel32Placeholder(targetExternalDispatcher, 0)

	// mov [rsp], rax
	c.emit1(rex(true, false, false, false))
	c.emit1(0x89)
	c.emit1(0x04)
	c.emit1(0x24)

	c.ret()

	return start
}
