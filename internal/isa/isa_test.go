package isa

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Instruction{
		{Opcode: ClassAlu64 | OpAdd, Dst: 1, Src: 2, Offset: 0, Imm: 0},
		{Opcode: ClassAlu64 | OpMov | SrcReg, Dst: 6, Src: 7},
		{Opcode: ClassJmp | OpJeq, Dst: 3, Src: 0, Offset: -12, Imm: 5},
		{Opcode: OpLDDW, Dst: 0, Imm: -1},
		{Opcode: ClassLdx | SizeDW | ModeMem, Dst: 2, Src: 10, Offset: 16},
	}
	for _, in := range cases {
		enc := in.Encode()
		got, err := Decode(enc[:])
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != in {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, in)
		}
	}
}

func TestDecodeShortRecord(t *testing.T) {
	if _, err := Decode(make([]byte, 4)); err == nil {
		t.Fatal("expected an error decoding a short record")
	}
}

func TestClassAndOperandHelpers(t *testing.T) {
	call := Instruction{Opcode: ClassJmp | OpCall, Src: 1, Imm: 2}
	if !call.IsCall() {
		t.Fatal("IsCall() should be true for a CALL opcode")
	}
	if call.Class() != ClassJmp {
		t.Fatalf("Class() = %#x, want ClassJmp", call.Class())
	}

	exit := Instruction{Opcode: ClassJmp | OpExit}
	if !exit.IsExit() {
		t.Fatal("IsExit() should be true for an EXIT opcode")
	}

	lddw := Instruction{Opcode: OpLDDW}
	if !lddw.IsLDDW() {
		t.Fatal("IsLDDW() should be true for the LDDW opcode")
	}

	regOp := Instruction{Opcode: ClassAlu | OpAdd | SrcReg}
	if !regOp.UsesSrcReg() {
		t.Fatal("UsesSrcReg() should be true when the SrcReg bit is set")
	}
	if regOp.ALUOp() != OpAdd {
		t.Fatalf("ALUOp() = %#x, want OpAdd", regOp.ALUOp())
	}
	if !regOp.Is32() {
		t.Fatal("a ClassAlu instruction should report Is32() true")
	}

	imm64 := Instruction{Opcode: ClassAlu64 | OpAdd}
	if imm64.Is32() {
		t.Fatal("a ClassAlu64 instruction should report Is32() false")
	}
}

func TestDecodeEncodeProgram(t *testing.T) {
	insts := []Instruction{
		{Opcode: ClassAlu64 | OpMov, Dst: 0, Imm: 7},
		{Opcode: ClassJmp | OpExit},
	}
	buf := EncodeProgram(insts)
	if len(buf) != Size*len(insts) {
		t.Fatalf("EncodeProgram length = %d, want %d", len(buf), Size*len(insts))
	}
	got, err := DecodeProgram(buf)
	if err != nil {
		t.Fatalf("DecodeProgram: %v", err)
	}
	if len(got) != len(insts) {
		t.Fatalf("DecodeProgram returned %d instructions, want %d", len(got), len(insts))
	}
	for i := range insts {
		if got[i] != insts[i] {
			t.Fatalf("instruction %d mismatch: got %+v, want %+v", i, got[i], insts[i])
		}
	}
}

func TestDecodeProgramRejectsMisalignedLength(t *testing.T) {
	if _, err := DecodeProgram(make([]byte, Size+1)); err == nil {
		t.Fatal("expected an error for a length not a multiple of Size")
	}
}

func TestLDDWImmediateRoundTrip(t *testing.T) {
	want := uint64(0xdeadbeef_cafef00d)
	lo, hi := SplitLDDWImmediate(want)
	got := LDDWImmediate(Instruction{Imm: lo}, Instruction{Imm: hi})
	if got != want {
		t.Fatalf("LDDWImmediate round trip = %#x, want %#x", got, want)
	}
}
