// Package loader turns a raw instruction stream — or a 64-bit little-endian
// relocatable object image built from several functions — into the single
// linked instruction stream the verifier and interpreter/JIT consume.
package loader

import (
	"fmt"

	"github.com/xyproto/xbpf/internal/isa"
)

// Function describes one function discovered in an object image, after its
// code has been copied into the linked instruction stream.
type Function struct {
	Name          string
	SourceSection int    // index of the section the function's code lives in
	SourceOffset  uint64 // byte offset of the function's start within that section
	Size          uint64 // byte size of the function's code
	Landed        int    // instruction offset of the function's start in the linked program
}

// Linked is the result of loading an object image: a single flat
// instruction stream with every function's code concatenated (main first)
// and every relocation already applied.
type Linked struct {
	Instructions []isa.Instruction
	Functions    []Function
	Main         int // index into Functions of the entry point
	Warnings     []string
}

// HelperLookup resolves a helper function's name to its registered index.
// ok is false when the name is not registered.
type HelperLookup func(name string) (index uint32, ok bool)

// DataRelocator resolves an R_BPF_64_64 data reference: it is given the
// referenced data section's bytes, the section's declared size, and the
// symbol's name/offset/size within that section, and returns the 64-bit
// value to splice into the LDDW pair.
type DataRelocator func(sectionData []byte, sectionSize uint64, symName string, symOffset, symSize uint64) (uint64, error)

// Load decodes a plain, already-linked instruction stream with no object
// file framing — the "plain loader" path used both directly by callers and
// as the final step of LoadELF.
func Load(code []byte) (*Linked, error) {
	insts, err := isa.DecodeProgram(code)
	if err != nil {
		return nil, wrapf(ErrMalformedImage, "%v", err)
	}
	return &Linked{Instructions: insts}, nil
}

// LoadELF parses a relocatable object image, concatenates its functions
// (the identified main function first), applies relocations, and returns
// the linked instruction stream. mainName selects the entry point by name;
// an empty mainName falls back to the symbol at offset 0 of ".text".
func LoadELF(image []byte, mainName string, helpers HelperLookup, dataReloc DataRelocator) (*Linked, error) {
	hdr, err := parseELFHeader(image)
	if err != nil {
		return nil, err
	}

	shs, err := readSectionHeaders(image, hdr)
	if err != nil {
		return nil, err
	}

	shstrtab, err := sectionBytes(image, shs, int(hdr.SHStrNdx))
	if err != nil {
		return nil, fmt.Errorf("section name string table: %w", err)
	}

	names := make([]string, len(shs))
	for i, sh := range shs {
		n, err := cstring(shstrtab, sh.NameOff)
		if err != nil {
			return nil, fmt.Errorf("name of section %d: %w", i, err)
		}
		names[i] = n
	}

	symtabIdx := -1
	for i, sh := range shs {
		if sh.Type == shtSymtab {
			if symtabIdx != -1 {
				return nil, wrapf(ErrMalformedImage, "more than one symbol table")
			}
			symtabIdx = i
		}
	}
	if symtabIdx == -1 {
		return nil, wrapf(ErrMalformedImage, "no symbol table")
	}
	symtabSh := shs[symtabIdx]
	symtabBytes, err := sectionBytes(image, shs, symtabIdx)
	if err != nil {
		return nil, fmt.Errorf("symbol table: %w", err)
	}
	if symtabSh.EntSize == 0 || uint64(len(symtabBytes))%symtabSh.EntSize != 0 {
		return nil, wrapf(ErrMalformedImage, "malformed symbol table size")
	}
	strtabIdx := int(symtabSh.Link)
	strtabBytes, err := sectionBytes(image, shs, strtabIdx)
	if err != nil {
		return nil, fmt.Errorf("string table: %w", err)
	}

	nsyms := len(symtabBytes) / symSize
	syms := make([]elfSymbol, nsyms)
	symNames := make([]string, nsyms)
	for i := 0; i < nsyms; i++ {
		s := parseSymbol(symtabBytes[i*symSize : i*symSize+symSize])
		syms[i] = s
		if s.NameOff != 0 {
			n, err := cstring(strtabBytes, s.NameOff)
			if err != nil {
				return nil, fmt.Errorf("name of symbol %d: %w", i, err)
			}
			symNames[i] = n
		}
	}

	textIdx := -1
	for i, n := range names {
		if n == ".text" {
			textIdx = i
			break
		}
	}

	type candidate struct {
		symIdx int
	}
	var candidates []candidate
	for i, s := range syms {
		if s.symType() != sttFunc {
			continue
		}
		if int(s.Shndx) >= len(shs) || !shs[s.Shndx].executable() {
			continue
		}
		candidates = append(candidates, candidate{symIdx: i})
	}

	mainCandidate := -1
	for _, c := range candidates {
		if mainName != "" {
			if symNames[c.symIdx] == mainName {
				mainCandidate = c.symIdx
				break
			}
			continue
		}
		s := syms[c.symIdx]
		if int(s.Shndx) == textIdx && s.Value == 0 {
			mainCandidate = c.symIdx
			break
		}
	}
	if mainCandidate == -1 {
		label := mainName
		if label == "" {
			label = "main"
		}
		return nil, wrapf(ErrMissingEntry, "%s function not found", label)
	}

	orderedSymIdx := make([]int, 0, len(candidates))
	orderedSymIdx = append(orderedSymIdx, mainCandidate)
	for _, c := range candidates {
		if c.symIdx != mainCandidate {
			orderedSymIdx = append(orderedSymIdx, c.symIdx)
		}
	}

	var insts []isa.Instruction
	functions := make([]Function, len(orderedSymIdx))
	functionOf := make(map[int]int, len(orderedSymIdx)) // symIdx -> index into functions
	for fi, si := range orderedSymIdx {
		s := syms[si]
		data, err := sectionBytes(image, shs, int(s.Shndx))
		if err != nil {
			return nil, fmt.Errorf("section of function %q: %w", symNames[si], err)
		}
		if err := boundsCheck(uint64(len(data)), s.Value, s.Size); err != nil {
			return nil, fmt.Errorf("function %q body: %w", symNames[si], err)
		}
		body := data[s.Value : s.Value+s.Size]
		fnInsts, err := isa.DecodeProgram(body)
		if err != nil {
			return nil, wrapf(ErrMalformedImage, "function %q: %v", symNames[si], err)
		}
		functions[fi] = Function{
			Name:          symNames[si],
			SourceSection: int(s.Shndx),
			SourceOffset:  s.Value,
			Size:          s.Size,
			Landed:        len(insts),
		}
		functionOf[si] = fi
		insts = append(insts, fnInsts...)
	}

	linked := &Linked{Instructions: insts, Functions: functions, Main: functionOf[mainCandidate]}

	// locate the function (by its landed range) that owns a given byte
	// offset within a source section, so a relocation can be mapped to an
	// instruction index in the linked stream.
	findFunc := func(sectionIdx int, byteOff uint64) (int, bool) {
		for fi, f := range functions {
			if f.SourceSection != sectionIdx {
				continue
			}
			if byteOff >= f.SourceOffset && byteOff < f.SourceOffset+f.Size {
				return fi, true
			}
		}
		return 0, false
	}

	for shIdx, sh := range shs {
		if sh.Type != shtRel {
			continue
		}
		targetIdx := int(sh.Info)
		if targetIdx >= len(shs) || !shs[targetIdx].executable() {
			continue
		}
		relBytes, err := sectionBytes(image, shs, shIdx)
		if err != nil {
			return nil, fmt.Errorf("relocation section %d: %w", shIdx, err)
		}
		if len(relBytes)%relSize != 0 {
			return nil, wrapf(ErrMalformedImage, "malformed relocation section %d", shIdx)
		}
		for ri := 0; ri+relSize <= len(relBytes); ri += relSize {
			rel := parseRel(relBytes[ri : ri+relSize])
			fi, ok := findFunc(targetIdx, rel.Offset)
			if !ok {
				return nil, wrapf(ErrBadRelocation, "relocation at offset %d targets no known function", rel.Offset)
			}
			f := functions[fi]
			instIdx := f.Landed + int((rel.Offset-f.SourceOffset)/isa.Size)
			if instIdx < 0 || instIdx >= len(insts) {
				return nil, wrapf(ErrBadRelocation, "relocation targets out-of-range instruction %d", instIdx)
			}

			symIdx := rel.symIndex()
			if int(symIdx) >= len(syms) {
				return nil, wrapf(ErrBadRelocation, "relocation references out-of-range symbol %d", symIdx)
			}
			sym := syms[symIdx]
			symName := symNames[symIdx]

			switch rel.relType() {
			case relBPF6464:
				if err := applyDataRelocation(image, shs, insts, instIdx, sym, symName, dataReloc); err != nil {
					return nil, err
				}
			case relBPF6432:
				if err := applyCallRelocation(insts, instIdx, functions, functionOf, int(symIdx), symName, helpers); err != nil {
					return nil, err
				}
			default:
				linked.Warnings = append(linked.Warnings,
					fmt.Sprintf("relocation section %d entry %d: unsupported type %d, skipped", shIdx, ri/relSize, rel.relType()))
			}
		}
	}

	return linked, nil
}

func readSectionHeaders(image []byte, hdr elfHeader) ([]sectionHeader, error) {
	if hdr.SHEntSize != shdrSize {
		return nil, wrapf(ErrMalformedImage, "unexpected section header entry size %d", hdr.SHEntSize)
	}
	if err := boundsCheck(uint64(len(image)), hdr.SHOff, uint64(hdr.SHNum)*uint64(hdr.SHEntSize)); err != nil {
		return nil, fmt.Errorf("section header table: %w", err)
	}
	shs := make([]sectionHeader, hdr.SHNum)
	for i := 0; i < int(hdr.SHNum); i++ {
		off := hdr.SHOff + uint64(i)*uint64(hdr.SHEntSize)
		shs[i] = parseSectionHeader(image[off : off+shdrSize])
	}
	for i, sh := range shs {
		if sh.Type == shtNobits {
			continue
		}
		if err := boundsCheck(uint64(len(image)), sh.Off, sh.Size); err != nil {
			return nil, fmt.Errorf("section %d payload: %w", i, err)
		}
	}
	return shs, nil
}

func sectionBytes(image []byte, shs []sectionHeader, idx int) ([]byte, error) {
	if idx < 0 || idx >= len(shs) {
		return nil, fmt.Errorf("section index %d out of range: %w", idx, ErrMalformedImage)
	}
	sh := shs[idx]
	return image[sh.Off : sh.Off+sh.Size], nil
}

func applyDataRelocation(image []byte, shs []sectionHeader, insts []isa.Instruction, instIdx int, sym elfSymbol, symName string, dataReloc DataRelocator) error {
	lo := insts[instIdx]
	if !lo.IsLDDW() {
		return wrapf(ErrBadRelocation, "R_BPF_64_64 relocation does not target an LDDW instruction")
	}
	if instIdx+1 >= len(insts) {
		return wrapf(ErrBadRelocation, "LDDW at instruction %d has no follow-on record", instIdx)
	}
	if int(sym.Shndx) >= len(shs) || !shs[sym.Shndx].writableData() {
		return wrapf(ErrBadRelocation, "R_BPF_64_64 symbol %q is not in a writable data section", symName)
	}
	data, err := sectionBytes(image, shs, int(sym.Shndx))
	if err != nil {
		return fmt.Errorf("data section of symbol %q: %w", symName, err)
	}
	if err := boundsCheck(uint64(len(data)), sym.Value, sym.Size); err != nil {
		return fmt.Errorf("symbol %q range: %w", symName, err)
	}
	if dataReloc == nil {
		return wrapf(ErrBadRelocation, "no data-relocation callback registered for symbol %q", symName)
	}
	val, err := dataReloc(data, uint64(len(data)), symName, sym.Value, sym.Size)
	if err != nil {
		return fmt.Errorf("data relocation for symbol %q: %w", symName, err)
	}
	loImm, hiImm := isa.SplitLDDWImmediate(val)
	insts[instIdx].Imm = loImm
	insts[instIdx+1].Imm = hiImm
	return nil
}

// applyCallRelocation handles R_BPF_64_32: if the patched instruction's src
// field is 1 it is a local call and symIdx names the target function symbol,
// whose landed offset becomes target.Landed - (instIdx+1); otherwise it is a
// helper-by-name reference resolved through helpers.
func applyCallRelocation(insts []isa.Instruction, instIdx int, functions []Function, functionOf map[int]int, symIdx int, symName string, helpers HelperLookup) error {
	in := insts[instIdx]
	if in.Src == 1 {
		targetFI, ok := functionOf[symIdx]
		if !ok {
			return wrapf(ErrBadRelocation, "local call relocation references a non-function symbol %q", symName)
		}
		insts[instIdx].Imm = int32(functions[targetFI].Landed - (instIdx + 1))
		return nil
	}
	idx, ok := helpers(symName)
	if !ok {
		return wrapf(ErrBadRelocation, "unknown helper %q", symName)
	}
	insts[instIdx].Imm = int32(idx)
	return nil
}
