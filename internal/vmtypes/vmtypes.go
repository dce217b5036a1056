// Package vmtypes holds the callback and configuration types shared by the
// interpreter, the code generator, and the public VM surface, so none of
// them has to import the others just to agree on a function signature.
package vmtypes

// Defaults mirrored from the reference implementation's configuration
// header (ubpf_config.h): a generous instruction cap, a helper table large
// enough for any realistic program, a 512-byte private stack, and a call
// depth deep enough for ordinary recursion-free helper chains.
const (
	MaxInstructions = 65536
	MaxHelpers      = 8192
	DefaultStackSize = 512
	MaxCallDepth     = 10
)

// HelperFunc is a host function callable from inside a program via CALL
// with src==0, dispatched by helper-table index. Its five arguments mirror
// virtual registers R1..R5; its result lands in R0.
type HelperFunc func(r1, r2, r3, r4, r5 uint64) uint64

// Helper pairs a registered helper with the name it was registered under,
// so the loader's by-name relocation and diagnostics can refer to it.
type Helper struct {
	Name string
	Fn   HelperFunc
}

// ExternalDispatcher replaces helper-table dispatch entirely: when
// registered, every external call (src==0) is routed through it instead of
// indexing the helper table directly. imm is the call instruction's raw
// immediate and cookie is the opaque value supplied at registration.
type ExternalDispatcher func(r1, r2, r3, r4, r5 uint64, imm int32, cookie any) uint64

// ExternalValidator judges whether imm is an acceptable external-call
// immediate when a dispatcher is installed, standing in for "is a
// registered helper index" in the no-dispatcher case.
type ExternalValidator func(imm int32, cookie any) bool

// BoundsCheckFunc judges whether a width-byte memory access at addr (as
// seen from inside a running program) is permitted. A false result aborts
// execution before the access is observable.
type BoundsCheckFunc func(addr uint64, width int, cookie any) bool
