package jit

import "errors"

// ErrTranslatorFault is the sentinel every code-generation failure wraps:
// an unknown opcode, a buffer too small to hold the emitted code, an
// excessive jump count, or an unresolvable fixup.
var ErrTranslatorFault = errors.New("jit: translator fault")
