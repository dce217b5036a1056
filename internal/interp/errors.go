package interp

import "errors"

// ErrRuntimeFault is the sentinel every interpreter-detected fault wraps:
// a failed bounds check, an exceeded call depth, or (only possible if the
// verifier was bypassed) an opcode the interpreter does not recognize.
var ErrRuntimeFault = errors.New("interp: runtime fault")
