package jit

import (
	"testing"

	"github.com/xyproto/xbpf/internal/isa"
)

func mov64(dst uint8, imm int32) isa.Instruction {
	return isa.Instruction{Opcode: isa.ClassAlu64 | isa.OpMov, Dst: dst, Imm: imm}
}

func addReg64(dst, src uint8) isa.Instruction {
	return isa.Instruction{Opcode: isa.ClassAlu64 | isa.OpAdd | isa.SrcReg, Dst: dst, Src: src}
}

func divImm64(dst uint8, imm int32) isa.Instruction {
	return isa.Instruction{Opcode: isa.ClassAlu64 | isa.OpDiv, Dst: dst, Imm: imm}
}

func exitInst() isa.Instruction {
	return isa.Instruction{Opcode: isa.OpExitInst}
}

func TestTranslateSimpleProgramProducesNonEmptyBuffer(t *testing.T) {
	insts := []isa.Instruction{
		mov64(0, 7),
		mov64(1, 35),
		addReg64(0, 1),
		exitInst(),
	}
	c := New(ABISysV, 512)
	buf, err := c.Translate(insts, make([]bool, len(insts)), false, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(buf) == 0 {
		t.Fatal("expected non-empty machine code buffer")
	}
	if c.DispatcherSlotOffset() == 0 || c.DispatcherSlotOffset()+8 != len(buf) {
		t.Fatalf("dispatcher slot should be the last 8 bytes of the buffer, got offset %d len %d", c.DispatcherSlotOffset(), len(buf))
	}
}

func TestTranslateResolvesAllJumpFixups(t *testing.T) {
	insts := []isa.Instruction{
		mov64(0, 0),
		{Opcode: isa.ClassJmp | isa.OpJa, Offset: 1},
		mov64(0, 99), // skipped
		mov64(0, 1),
		exitInst(),
	}
	c := New(ABISysV, 512)
	if _, err := c.Translate(insts, make([]bool, len(insts)), false, 0); err != nil {
		t.Fatalf("Translate: %v", err)
	}
}

func TestTranslateDivisionByZero(t *testing.T) {
	insts := []isa.Instruction{
		mov64(0, 42),
		divImm64(0, 0),
		exitInst(),
	}
	c := New(ABISysV, 512)
	if _, err := c.Translate(insts, make([]bool, len(insts)), false, 0); err != nil {
		t.Fatalf("Translate: %v", err)
	}
}

func TestTranslateLocalCall(t *testing.T) {
	insts := []isa.Instruction{
		{Opcode: isa.ClassJmp | isa.OpCall, Src: 1, Imm: 2}, // call target at index 3
		mov64(0, 1),
		exitInst(),
		mov64(0, 3), // callee entry
		exitInst(),
	}
	functionEntries := make([]bool, len(insts))
	functionEntries[3] = true
	c := New(ABISysV, 512)
	if _, err := c.Translate(insts, functionEntries, false, 0); err != nil {
		t.Fatalf("Translate: %v", err)
	}
}

func TestTranslateExternalCallWithUnwind(t *testing.T) {
	insts := []isa.Instruction{
		mov64(0, 0),
		{Opcode: isa.ClassJmp | isa.OpCall, Imm: 5},
		exitInst(),
	}
	c := New(ABISysV, 512)
	if _, err := c.Translate(insts, make([]bool, len(insts)), true, 5); err != nil {
		t.Fatalf("Translate: %v", err)
	}
}

func TestTranslateRejectsTruncatedLDDW(t *testing.T) {
	insts := []isa.Instruction{
		{Opcode: isa.OpLDDW, Dst: 0, Imm: 1},
	}
	c := New(ABISysV, 512)
	if _, err := c.Translate(insts, make([]bool, len(insts)), false, 0); err == nil {
		t.Fatal("expected an error for a truncated LDDW pair")
	}
}

// Spec §8's translate-determinism invariant: re-running Translate with the
// same rotated register-map offset on an identical instruction stream
// produces byte-identical machine code.
func TestTranslateIsDeterministicForAGivenRegisterOffset(t *testing.T) {
	insts := []isa.Instruction{
		mov64(0, 1),
		mov64(1, 2),
		addReg64(0, 1),
		exitInst(),
	}

	c1 := New(ABISysV, 512)
	c1.SetRegisterOffset(3)
	buf1, err := c1.Translate(insts, make([]bool, len(insts)), false, 0)
	if err != nil {
		t.Fatalf("Translate 1: %v", err)
	}

	c2 := New(ABISysV, 512)
	c2.SetRegisterOffset(3)
	buf2, err := c2.Translate(insts, make([]bool, len(insts)), false, 0)
	if err != nil {
		t.Fatalf("Translate 2: %v", err)
	}

	if len(buf1) != len(buf2) {
		t.Fatalf("expected identical buffer lengths, got %d and %d", len(buf1), len(buf2))
	}
	for i := range buf1 {
		if buf1[i] != buf2[i] {
			t.Fatalf("buffers diverge at byte %d: %#x vs %#x", i, buf1[i], buf2[i])
		}
	}
}

func TestTranslateWin64ABIEmitsHomeSpace(t *testing.T) {
	insts := []isa.Instruction{mov64(0, 1), exitInst()}
	c := New(ABIWin64, 512)
	buf, err := c.Translate(insts, make([]bool, len(insts)), false, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(buf) == 0 {
		t.Fatal("expected non-empty buffer for Win64 ABI")
	}
	subRsp32 := []byte{0x48, 0x81, 0xEC, 0x20, 0x00, 0x00, 0x00} // sub rsp, 32
	if indexOf(buf, subRsp32) < 0 {
		t.Fatal("expected the Win64 prologue to reserve 32 bytes of home space")
	}
}

// TestTranslateWin64ExternalCallStagesArgsPerConvention exercises the
// Win64 branch of emitExternalCall: with the default map, virtual R5
// lives in r14 and R1's rcxAlt stand-in is r10, neither of which are
// Win64 argument registers, so both must be staged explicitly (R5 and
// the call immediate onto the stack past the 32-byte shadow space, R1
// into rcx) rather than reusing the SysV register-only sequence.
func TestTranslateWin64ExternalCallStagesArgsPerConvention(t *testing.T) {
	const helperImm = 9000
	insts := []isa.Instruction{
		mov64(0, 0),
		{Opcode: isa.ClassJmp | isa.OpCall, Imm: helperImm},
		exitInst(),
	}
	c := New(ABIWin64, 512)
	buf, err := c.Translate(insts, make([]bool, len(insts)), false, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	subRsp48 := []byte{0x48, 0x81, 0xEC, 0x30, 0x00, 0x00, 0x00}
	storeR5ToStack := []byte{0x4C, 0x89, 0xB4, 0x24, 0x20, 0x00, 0x00, 0x00} // mov [rsp+32], r14
	storeImmToStack := []byte{0x48, 0xC7, 0x84, 0x24, 0x28, 0x00, 0x00, 0x00, 0x28, 0x23, 0x00, 0x00}
	stageR1IntoRcx := []byte{0x4C, 0x89, 0xD1} // mov rcx, r10
	addRsp48 := []byte{0x48, 0x81, 0xC4, 0x30, 0x00, 0x00, 0x00}

	subAt := indexOf(buf, subRsp48)
	storeR5At := indexOf(buf, storeR5ToStack)
	storeImmAt := indexOf(buf, storeImmToStack)
	stageAt := indexOf(buf, stageR1IntoRcx)
	callAt := -1
	if stageAt >= 0 {
		if rel := indexOf(buf[stageAt+len(stageR1IntoRcx):], []byte{0xE8}); rel >= 0 {
			callAt = stageAt + len(stageR1IntoRcx) + rel
		}
	}
	addAt := indexOf(buf, addRsp48)

	if subAt < 0 {
		t.Fatal("expected a 48-byte stack reservation (shadow space + stack args) before the external call")
	}
	if storeR5At < 0 {
		t.Fatal("expected virtual R5 (r14) to be stored to [rsp+32] for Win64 arg 5")
	}
	if storeImmAt < 0 {
		t.Fatal("expected the call immediate stored to [rsp+40] for Win64 arg 6")
	}
	if stageAt < 0 {
		t.Fatal("expected virtual R1's rcxAlt stand-in (r10) moved into rcx for Win64 arg 1")
	}
	if callAt < subAt {
		t.Fatal("expected the indirect call to follow the stack setup, not precede it")
	}
	if addAt <= callAt {
		t.Fatal("expected the 48-byte stack release to follow the call")
	}
	if !(subAt < storeR5At && storeR5At < storeImmAt && storeImmAt < stageAt && stageAt < callAt) {
		t.Fatalf("expected stack reservation, R5 store, immediate store, then rcx staging in that order, got offsets %d %d %d %d", subAt, storeR5At, storeImmAt, stageAt)
	}
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func TestTranslateAllMemoryWidths(t *testing.T) {
	for _, width := range []uint8{isa.SizeB, isa.SizeH, isa.SizeW, isa.SizeDW} {
		insts := []isa.Instruction{
			{Opcode: isa.ClassStx | width, Dst: 10, Src: 0, Offset: -8},
			{Opcode: isa.ClassLdx | width, Dst: 0, Src: 10, Offset: -8},
			exitInst(),
		}
		c := New(ABISysV, 512)
		if _, err := c.Translate(insts, make([]bool, len(insts)), false, 0); err != nil {
			t.Fatalf("width 0x%02x: Translate: %v", width, err)
		}
	}
}

func TestTranslateByteswap(t *testing.T) {
	for _, width := range []int32{16, 32, 64} {
		insts := []isa.Instruction{
			mov64(0, 1),
			{Opcode: isa.ClassAlu | isa.OpEnd | isa.SrcReg, Dst: 0, Imm: width},
			exitInst(),
		}
		c := New(ABISysV, 512)
		if _, err := c.Translate(insts, make([]bool, len(insts)), false, 0); err != nil {
			t.Fatalf("width %d: Translate: %v", width, err)
		}
	}
}
