package loader

import (
	"encoding/binary"
	"testing"

	"github.com/xyproto/xbpf/internal/isa"
)

func mov64Imm(dst uint8, imm int32) isa.Instruction {
	return isa.Instruction{Opcode: isa.ClassAlu64 | isa.OpMov, Dst: dst, Imm: imm}
}

func exitInst() isa.Instruction {
	return isa.Instruction{Opcode: isa.OpExitInst}
}

func TestLoadPlainProgram(t *testing.T) {
	insts := []isa.Instruction{mov64Imm(0, 5), exitInst()}
	linked, err := Load(isa.EncodeProgram(insts))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(linked.Instructions) != 2 {
		t.Fatalf("got %d instructions, want 2", len(linked.Instructions))
	}
	if linked.Instructions[0].Imm != 5 {
		t.Errorf("imm = %d, want 5", linked.Instructions[0].Imm)
	}
}

func TestLoadPlainProgramRejectsTruncated(t *testing.T) {
	if _, err := Load([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated program")
	}
}

// fixtureSection is one section of a hand-assembled ELF64 relocatable
// image: name, type/flags, payload, and (for SHT_SYMTAB/SHT_REL) the link
// and info fields a real linker would set.
type fixtureSection struct {
	name  string
	typ   uint32
	flags uint64
	data  []byte
	link  uint32
	info  uint32
	ent   uint64
}

// buildELF assembles a minimal, valid ELF64 relocatable image from a list
// of sections, appending the conventional .shstrtab section itself. Section
// 0 is the reserved null section; sections are laid out in the given order
// starting at index 1.
func buildELF(sections []fixtureSection) []byte {
	all := append([]fixtureSection{{}}, sections...)
	shstrtabIdx := len(all)
	var shstrtab []byte
	shstrtab = append(shstrtab, 0)
	nameOff := make([]uint32, shstrtabIdx+1)
	for i := 1; i < shstrtabIdx; i++ {
		nameOff[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, append([]byte(all[i].name), 0)...)
	}
	nameOff[shstrtabIdx] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, append([]byte(".shstrtab"), 0)...)
	all = append(all, fixtureSection{name: ".shstrtab", typ: shtStrtab, data: shstrtab})

	buf := make([]byte, ehdrSize)
	offsets := make([]uint64, len(all))
	for i := 1; i < len(all); i++ {
		offsets[i] = uint64(len(buf))
		buf = append(buf, all[i].data...)
		for len(buf)%8 != 0 {
			buf = append(buf, 0)
		}
	}

	shoff := uint64(len(buf))
	for i, s := range all {
		rec := make([]byte, shdrSize)
		binary.LittleEndian.PutUint32(rec[0:4], nameOff[i])
		binary.LittleEndian.PutUint32(rec[4:8], s.typ)
		binary.LittleEndian.PutUint64(rec[8:16], s.flags)
		binary.LittleEndian.PutUint64(rec[24:32], offsets[i])
		binary.LittleEndian.PutUint64(rec[32:40], uint64(len(s.data)))
		binary.LittleEndian.PutUint32(rec[40:44], s.link)
		binary.LittleEndian.PutUint32(rec[44:48], s.info)
		binary.LittleEndian.PutUint64(rec[48:56], 1)
		binary.LittleEndian.PutUint64(rec[56:64], s.ent)
		buf = append(buf, rec...)
	}

	hdr := make([]byte, ehdrSize)
	hdr[0], hdr[1], hdr[2], hdr[3] = elfMagic0, elfMagic1, elfMagic2, elfMagic3
	hdr[4] = elfClass64
	hdr[5] = elfDataLSB
	hdr[6] = elfVersionCur
	hdr[7] = elfOSABINone
	binary.LittleEndian.PutUint16(hdr[16:18], etREL)
	binary.LittleEndian.PutUint16(hdr[18:20], emBPF)
	binary.LittleEndian.PutUint64(hdr[40:48], shoff)
	binary.LittleEndian.PutUint16(hdr[58:60], shdrSize)
	binary.LittleEndian.PutUint16(hdr[60:62], uint16(len(all)))
	binary.LittleEndian.PutUint16(hdr[62:64], uint16(shstrtabIdx))
	copy(buf[0:ehdrSize], hdr)
	return buf
}

// symtabEntry encodes a single Elf64_Sym record.
func symtabEntry(nameOff uint32, typ byte, shndx uint16, value, size uint64) []byte {
	rec := make([]byte, symSize)
	binary.LittleEndian.PutUint32(rec[0:4], nameOff)
	rec[4] = typ
	binary.LittleEndian.PutUint16(rec[6:8], shndx)
	binary.LittleEndian.PutUint64(rec[8:16], value)
	binary.LittleEndian.PutUint64(rec[16:24], size)
	return rec
}

func relEntry(offset uint64, symIdx uint32, relType uint32) []byte {
	rec := make([]byte, relSize)
	binary.LittleEndian.PutUint64(rec[0:8], offset)
	binary.LittleEndian.PutUint64(rec[8:16], uint64(symIdx)<<32|uint64(relType))
	return rec
}

func TestLoadELFConcatenatesFunctionsMainFirst(t *testing.T) {
	textCode := isa.EncodeProgram([]isa.Instruction{mov64Imm(0, 3), exitInst()})

	strtab := append([]byte{0}, append([]byte("main"), 0)...)
	symtab := append(symtabEntry(0, 0, 0, 0, 0), symtabEntry(1, sttFunc, 1, 0, uint64(len(textCode)))...)

	img := buildELF([]fixtureSection{
		{name: ".text", typ: shtProgbits, flags: shfAlloc | shfExecinstr, data: textCode},
		{name: ".symtab", typ: shtSymtab, data: symtab, link: 3, ent: symSize},
		{name: ".strtab", typ: shtStrtab, data: strtab},
	})

	linked, err := LoadELF(img, "", nil, nil)
	if err != nil {
		t.Fatalf("LoadELF: %v", err)
	}
	if len(linked.Instructions) != 2 {
		t.Fatalf("got %d instructions, want 2", len(linked.Instructions))
	}
	if linked.Functions[linked.Main].Name != "main" {
		t.Errorf("main function name = %q, want main", linked.Functions[linked.Main].Name)
	}

	// Two functions in one .text section, with "helper" listed first in the
	// symbol table: main (the symbol at offset 0) must still land first.
	twoCode := isa.EncodeProgram([]isa.Instruction{mov64Imm(0, 3), exitInst(), mov64Imm(0, 1), exitInst()})
	twoStrtab := append([]byte{0}, append([]byte("main"), 0)...)
	twoStrtab = append(twoStrtab, append([]byte("helper"), 0)...)
	twoSymtab := symtabEntry(0, 0, 0, 0, 0)
	twoSymtab = append(twoSymtab, symtabEntry(6, sttFunc, 1, 16, 16)...) // helper
	twoSymtab = append(twoSymtab, symtabEntry(1, sttFunc, 1, 0, 16)...)  // main
	twoImg := buildELF([]fixtureSection{
		{name: ".text", typ: shtProgbits, flags: shfAlloc | shfExecinstr, data: twoCode},
		{name: ".symtab", typ: shtSymtab, data: twoSymtab, link: 3, ent: symSize},
		{name: ".strtab", typ: shtStrtab, data: twoStrtab},
	})
	two, err := LoadELF(twoImg, "", nil, nil)
	if err != nil {
		t.Fatalf("LoadELF (two functions): %v", err)
	}
	if len(two.Instructions) != 4 {
		t.Fatalf("two functions: got %d instructions, want 4", len(two.Instructions))
	}
	if two.Functions[0].Name != "main" || two.Functions[1].Name != "helper" {
		t.Errorf("function order = %q, %q, want main, helper", two.Functions[0].Name, two.Functions[1].Name)
	}
	if two.Instructions[0].Imm != 3 || two.Instructions[2].Imm != 1 {
		t.Errorf("linked imms = %d, %d, want 3 (main) then 1 (helper)", two.Instructions[0].Imm, two.Instructions[2].Imm)
	}
}

func TestLoadELFMissingMainFails(t *testing.T) {
	textCode := isa.EncodeProgram([]isa.Instruction{exitInst()})

	strtab := append([]byte{0}, append([]byte("helper"), 0)...)
	symtab := append(symtabEntry(0, 0, 0, 0, 0), symtabEntry(1, sttFunc, 1, 0, uint64(len(textCode)))...)

	img := buildELF([]fixtureSection{
		{name: ".text", typ: shtProgbits, flags: shfAlloc | shfExecinstr, data: textCode},
		{name: ".symtab", typ: shtSymtab, data: symtab, link: 3, ent: symSize},
		{name: ".strtab", typ: shtStrtab, data: strtab},
	})

	if _, err := LoadELF(img, "entry", nil, nil); err == nil {
		t.Fatal("expected missing-entry error")
	}
}

func TestLoadELFHelperRelocation(t *testing.T) {
	// main() calls helper index via a CALL whose immediate is relocated
	// by name; src=0 so this is a helper reference, not a local call.
	prog := []isa.Instruction{
		{Opcode: isa.OpCallInst, Src: 0, Imm: 0},
		exitInst(),
	}
	textCode := isa.EncodeProgram(prog)

	strtab := append([]byte{0}, append([]byte("main"), 0)...)
	strtab = append(strtab, append([]byte("gather_bytes"), 0)...)
	symtab := symtabEntry(0, 0, 0, 0, 0)
	symtab = append(symtab, symtabEntry(1, sttFunc, 1, 0, uint64(len(textCode)))...)
	symtab = append(symtab, symtabEntry(6, 0, 0, 0, 0)...) // "gather_bytes" undefined symbol

	rel := relEntry(0, 2, relBPF6432)

	img := buildELF([]fixtureSection{
		{name: ".text", typ: shtProgbits, flags: shfAlloc | shfExecinstr, data: textCode},
		{name: ".symtab", typ: shtSymtab, data: symtab, link: 3, ent: symSize},
		{name: ".strtab", typ: shtStrtab, data: strtab},
		{name: ".rel.text", typ: shtRel, data: rel, info: 1, ent: relSize},
	})

	helpers := func(name string) (uint32, bool) {
		if name == "gather_bytes" {
			return 0, true
		}
		return 0, false
	}

	linked, err := LoadELF(img, "", helpers, nil)
	if err != nil {
		t.Fatalf("LoadELF: %v", err)
	}
	if linked.Instructions[0].Imm != 0 {
		t.Errorf("relocated call imm = %d, want 0", linked.Instructions[0].Imm)
	}
}
