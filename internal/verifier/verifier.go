// Package verifier runs the structural checks required before a linked
// instruction stream may be interpreted or compiled (spec §4.2).
package verifier

import (
	"fmt"

	"github.com/xyproto/xbpf/internal/isa"
)

// ExternalCallValidator reports whether imm identifies a callable external
// helper — either a registered helper-table index or, when an external
// dispatcher validator is installed, whatever that validator accepts.
type ExternalCallValidator func(imm int32) bool

// Result holds the verifier's output: the function-entry bitmap used by the
// interpreter and code generator to know where to realign the stack.
type Result struct {
	// FunctionEntries marks every instruction index that is a local-call
	// target (the program's own entry point is not marked here — callers
	// that also treat pc 0 as an entry should OR it in themselves).
	FunctionEntries []bool
}

// Verify checks insts against every structural rule in spec §4.2 and
// returns the function-entry bitmap. maxInstructions bounds program length;
// validExternal judges external (src==0) call immediates.
func Verify(insts []isa.Instruction, maxInstructions int, validExternal ExternalCallValidator) (*Result, error) {
	if len(insts) == 0 {
		return nil, rejectf("empty program")
	}
	if len(insts) > maxInstructions {
		return nil, rejectf("program has %d instructions, exceeds cap of %d", len(insts), maxInstructions)
	}
	if !insts[len(insts)-1].IsExit() {
		return nil, rejectf("last instruction is not EXIT")
	}

	// First pass: walk the program respecting LDDW's two-record width, so
	// we know which indices are an LDDW's second (tail) half before
	// validating any branch target against them.
	isLDDWTail := make([]bool, len(insts))
	i := 0
	for i < len(insts) {
		in := insts[i]
		if in.IsLDDW() {
			if i+1 >= len(insts) {
				return nil, rejectf("LDDW at instruction %d has no follow-on record", i)
			}
			tail := insts[i+1]
			if tail.Dst != 0 || tail.Src != 0 || tail.Offset != 0 || tail.Opcode != isa.OpLDDW {
				return nil, rejectf("LDDW at instruction %d has a malformed follow-on record", i)
			}
			isLDDWTail[i+1] = true
			i += 2
			continue
		}
		i++
	}

	entries := make([]bool, len(insts))

	inRangeTarget := func(target int) bool {
		return target >= 0 && target < len(insts) && !isLDDWTail[target]
	}

	i = 0
	for i < len(insts) {
		in := insts[i]

		if in.Dst > isa.FrameReg || in.Src > isa.FrameReg {
			return nil, rejectf("instruction %d uses a register index outside 0..10", i)
		}
		if writesDst(in) && in.Dst == isa.FrameReg {
			return nil, rejectf("instruction %d writes to R10", i)
		}

		if in.IsLDDW() {
			i += 2
			continue
		}

		switch in.Class() {
		case isa.ClassJmp, isa.ClassJmp32:
			switch {
			case in.IsExit():
				// no target to validate
			case in.IsCall():
				if in.Src == 1 {
					target := i + int(in.Imm) + 1
					if !inRangeTarget(target) {
						return nil, rejectf("local call at instruction %d targets out-of-range instruction %d", i, target)
					}
					entries[target] = true
				} else {
					if validExternal == nil || !validExternal(in.Imm) {
						return nil, rejectf("call at instruction %d is not a known helper or valid external call", i)
					}
				}
			default:
				target := i + int(in.Offset) + 1
				if !inRangeTarget(target) {
					return nil, rejectf("branch at instruction %d targets out-of-range instruction %d", i, target)
				}
			}
		}

		i++
	}

	return &Result{FunctionEntries: entries}, nil
}

func writesDst(in isa.Instruction) bool {
	switch in.Class() {
	case isa.ClassLd, isa.ClassLdx, isa.ClassAlu, isa.ClassAlu64:
		return true
	default:
		return false
	}
}

func rejectf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrVerifierRejected)
}
