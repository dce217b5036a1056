package jit

// fixupTarget names what a recorded jump/call patch site should resolve
// to once the whole program has been emitted (spec §9's "opaque target
// descriptor").
type fixupTarget int

const (
	targetInstruction fixupTarget = iota
	targetExit
	targetRetpoline
	targetExternalDispatcher
)

// fixup records a 32-bit relative displacement left as a placeholder at
// patchSite (the byte offset of the first byte of the 4-byte field,
// immediately following the opcode that addresses it).
type fixup struct {
	patchSite int
	target    fixupTarget
	instIndex int // meaningful only when target == targetInstruction
}

// emitRel32Placeholder reserves 4 zero bytes for a later relative
// displacement and records how to resolve them.
func (c *CodeGen) emitRel32Placeholder(target fixupTarget, instIndex int) {
	c.jumps = append(c.jumps, fixup{patchSite: len(c.buf), target: target, instIndex: instIndex})
	c.emit4(0)
}

func (c *CodeGen) emitJmp(target fixupTarget, instIndex int) {
	c.emit1(0xE9)
	c.emitRel32Placeholder(target, instIndex)
}

// emitJcc emits a near conditional jump (0F 8x) for condition code cc
// (e.g. 0x84 for JE).
func (c *CodeGen) emitJcc(cc byte, target fixupTarget, instIndex int) {
	c.emit1(0x0F)
	c.emit1(cc)
	c.emitRel32Placeholder(target, instIndex)
}

func (c *CodeGen) emitCallRel32(target fixupTarget, instIndex int) {
	c.emit1(0xE8)
	c.emitRel32Placeholder(target, instIndex)
}

// resolveFixups walks every recorded patch site and writes
// target_address - (patch_site + 4) as a little-endian i32, per spec §4.4's
// post-pass.
func (c *CodeGen) resolveFixups() error {
	for _, f := range c.jumps {
		var targetAddr int
		switch f.target {
		case targetInstruction:
			if f.instIndex < 0 || f.instIndex >= len(c.pcLocs) {
				return transFaultf("jump targets out-of-range instruction %d", f.instIndex)
			}
			targetAddr = c.pcLocs[f.instIndex]
		case targetExit:
			targetAddr = c.exitLoc
		case targetRetpoline:
			targetAddr = c.retpolineLoc
		case targetExternalDispatcher:
			targetAddr = c.dispatcherSlotLoc
		default:
			return transFaultf("unresolvable fixup target %d at patch site %d", f.target, f.patchSite)
		}
		disp := int32(targetAddr - (f.patchSite + 4))
		c.buf[f.patchSite] = byte(disp)
		c.buf[f.patchSite+1] = byte(disp >> 8)
		c.buf[f.patchSite+2] = byte(disp >> 16)
		c.buf[f.patchSite+3] = byte(disp >> 24)
	}
	return nil
}
