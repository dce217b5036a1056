// Package xbpf implements a small eBPF-like virtual machine: a fixed-width
// instruction set, an ELF-like object loader, a structural verifier, a
// portable interpreter, and an x86-64 just-in-time translator, wired
// together behind a single VM handle.
package xbpf

import (
	"fmt"
	"sync"

	"github.com/xyproto/xbpf/internal/engine"
	"github.com/xyproto/xbpf/internal/interp"
	"github.com/xyproto/xbpf/internal/isa"
	"github.com/xyproto/xbpf/internal/jit"
	"github.com/xyproto/xbpf/internal/loader"
	"github.com/xyproto/xbpf/internal/verifier"
	"github.com/xyproto/xbpf/internal/vmtypes"
)

// VerboseMode records whether tracing was requested. Nothing in this
// package, the loader or the verifier reads it; the code generator's
// instruction trace is gated by internal/jit.VerboseMode, which the
// command-line driver sets from the same flag.
var VerboseMode = false

// VM is a single isolated virtual machine: one loaded program plus the
// helper table, external dispatcher, and bounds-check hook it executes
// against. A VM is not safe for concurrent Load/Unload. Each Exec call
// builds its own interpreter Machine and stack. The function returned by
// Compile may be called from multiple goroutines, but those calls take a
// process-wide lock and run one at a time.
type VM struct {
	mu sync.Mutex

	stackSize    int
	maxCallDepth int
	maxInstr     int

	helpers     map[uint32]vmtypes.Helper
	helperNames map[string]uint32

	dispatcher       vmtypes.ExternalDispatcher
	dispatcherCookie any
	externalValid    vmtypes.ExternalValidator

	boundsCheck       vmtypes.BoundsCheckFunc
	boundsCheckCookie any
	boundsEnabled     bool

	dataReloc loader.DataRelocator

	hasUnwind   bool
	unwindIndex int32

	pointerSecret uint64

	errorPrint func(string)

	regs *[isa.NumRegisters]uint64

	linked *loader.Linked
	prog   *interp.Program

	// compiledMem is the executable region backing the closure Compile
	// returned, if any; released on Unload/Destroy. Typed as an interface
	// rather than the platform-specific execMemory struct so this file
	// carries no build tag.
	compiledMem interface{ release() error }
}

func (vm *VM) releaseCompiled() {
	if vm.compiledMem != nil {
		vm.compiledMem.release()
		vm.compiledMem = nil
	}
}

// Create builds a fresh, unloaded VM with the spec's default stack size,
// call-depth bound, and instruction cap.
func Create() *VM {
	return &VM{
		stackSize:    vmtypes.DefaultStackSize,
		maxCallDepth: vmtypes.MaxCallDepth,
		maxInstr:     vmtypes.MaxInstructions,
		helpers:      make(map[uint32]vmtypes.Helper),
		helperNames:  make(map[string]uint32),
	}
}

// Destroy releases a VM's loaded program. The VM may be reused for another
// Load afterward.
func (vm *VM) Destroy() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.linked = nil
	vm.prog = nil
	vm.releaseCompiled()
}

// ToggleBoundsCheck enables or disables the bounds-check callback for
// memory accesses outside the VM's own private stack, returning whatever
// it was set to before this call.
func (vm *VM) ToggleBoundsCheck(enabled bool) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	prev := vm.boundsEnabled
	vm.boundsEnabled = enabled
	return prev
}

// SetErrorPrint installs a callback that receives the formatted message of
// every error load/exec/compile/translate produces, in addition to the
// normal Go error return (spec §5: "error printing is routed through a
// user-settable callback"). A nil fn disables reporting.
func (vm *VM) SetErrorPrint(fn func(msg string)) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.errorPrint = fn
}

func (vm *VM) report(err error) error {
	if err != nil {
		vm.mu.Lock()
		fn := vm.errorPrint
		vm.mu.Unlock()
		if fn != nil {
			fn(err.Error())
		}
	}
	return err
}

// RegisterBoundsCheck installs the callback consulted for non-stack memory
// accesses when bounds checking is enabled.
func (vm *VM) RegisterBoundsCheck(fn vmtypes.BoundsCheckFunc, cookie any) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.boundsCheck = fn
	vm.boundsCheckCookie = cookie
}

// RegisterHelper installs a helper callable by external CALL instructions
// whose immediate equals index.
func (vm *VM) RegisterHelper(index uint32, name string, fn vmtypes.HelperFunc) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if index >= vmtypes.MaxHelpers {
		return fmt.Errorf("xbpf: helper index %d exceeds the maximum of %d", index, vmtypes.MaxHelpers)
	}
	vm.helpers[index] = vmtypes.Helper{Name: name, Fn: fn}
	if name != "" {
		vm.helperNames[name] = index
	}
	return nil
}

// RegisterExternalDispatcher installs a single callback that handles every
// external call immediate itself, bypassing the helper table. validator, if
// non-nil, is consulted by the verifier to accept/reject call immediates at
// load time.
func (vm *VM) RegisterExternalDispatcher(fn vmtypes.ExternalDispatcher, cookie any, validator vmtypes.ExternalValidator) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.dispatcher = fn
	vm.dispatcherCookie = cookie
	vm.externalValid = validator
}

// RegisterDataRelocation installs the callback LoadELF uses to resolve
// R_BPF_64_64 data-section references.
func (vm *VM) RegisterDataRelocation(fn loader.DataRelocator) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.dataReloc = fn
}

// SetUnwindIndex marks the external call immediate that triggers the
// unwind-on-zero convention: when that call returns 0, execution ends
// immediately with R0 as the result, rather than continuing.
func (vm *VM) SetUnwindIndex(index int32) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.hasUnwind = true
	vm.unwindIndex = index
}

// SetPointerSecret stores an opaque 64-bit value on the VM. Nothing in this
// package reads it back or uses it to mask pointers. The secret cannot
// change after a program is loaded: this fails once a program is installed,
// and Unload clears the way for a new secret.
func (vm *VM) SetPointerSecret(secret uint64) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.linked != nil {
		return fmt.Errorf("xbpf: pointer secret cannot change after a program is loaded")
	}
	vm.pointerSecret = secret
	return nil
}

// SetStackSize overrides the private stack size (spec's UBPF_STACK_SIZE);
// the new size applies to the next Exec, Compile or Translate call.
func (vm *VM) SetStackSize(n int) { vm.mu.Lock(); vm.stackSize = n; vm.mu.Unlock() }

// SetMaxCallDepth overrides the local-call nesting bound for subsequent
// loads.
func (vm *VM) SetMaxCallDepth(n int) { vm.mu.Lock(); vm.maxCallDepth = n; vm.mu.Unlock() }

func (vm *VM) helperLookup(name string) (uint32, bool) {
	idx, ok := vm.helperNames[name]
	return idx, ok
}

func (vm *VM) validateExternalCall(imm int32) bool {
	if vm.externalValid != nil {
		return vm.externalValid(imm, vm.dispatcherCookie)
	}
	_, ok := vm.helpers[uint32(imm)]
	return ok
}

// Load verifies and installs a plain, already-linked instruction stream
// (no ELF framing).
func (vm *VM) Load(code []byte) error {
	linked, err := loader.Load(code)
	if err != nil {
		return vm.report(err)
	}
	return vm.report(vm.install(linked))
}

// LoadBytes is an alias for Load kept for callers that prefer a name
// distinct from the ELF path.
func (vm *VM) LoadBytes(code []byte) error { return vm.Load(code) }

// LoadELF parses a relocatable object image, links its functions (main
// first), applies relocations, verifies the result, and installs it.
func (vm *VM) LoadELF(image []byte) error { return vm.LoadELFWithMain(image, "") }

// LoadELFWithMain is LoadELF with an explicit entry-point symbol name.
func (vm *VM) LoadELFWithMain(image []byte, mainName string) error {
	vm.mu.Lock()
	dataReloc := vm.dataReloc
	vm.mu.Unlock()

	linked, err := loader.LoadELF(image, mainName, vm.helperLookup, dataReloc)
	if err != nil {
		return vm.report(err)
	}
	return vm.report(vm.install(linked))
}

func (vm *VM) install(linked *loader.Linked) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.linked != nil {
		return fmt.Errorf("xbpf: %w", loader.ErrAlreadyLoaded)
	}

	result, err := verifier.Verify(linked.Instructions, vm.maxInstr, vm.validateExternalCall)
	if err != nil {
		return err
	}

	functionEntries := result.FunctionEntries
	if len(functionEntries) > 0 {
		functionEntries[0] = true
	}

	vm.linked = linked
	vm.prog = &interp.Program{
		Insts:              linked.Instructions,
		FunctionEntries:    functionEntries,
		Helpers:            vm.helpers,
		Dispatcher:         vm.dispatcher,
		DispatcherCookie:   vm.dispatcherCookie,
		HasUnwind:          vm.hasUnwind,
		UnwindIndex:        vm.unwindIndex,
		BoundsCheckEnabled: vm.boundsEnabled,
		BoundsCheck:        vm.boundsCheck,
		BoundsCheckCookie:  vm.boundsCheckCookie,
		MaxCallDepth:       vm.maxCallDepth,
	}
	return nil
}

// Unload discards the currently loaded program, allowing a fresh Load.
func (vm *VM) Unload() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.linked = nil
	vm.prog = nil
	vm.releaseCompiled()
}

// Registers returns a freshly zeroed register file sized for one Machine,
// independent of whatever SetRegisters may have installed.
func (vm *VM) Registers() *[isa.NumRegisters]uint64 {
	var regs [isa.NumRegisters]uint64
	return &regs
}

// SetRegisters repoints the register storage that later Exec calls run
// against; ptr must not be nil. The function returned by Compile keeps its
// registers in host registers and does not use this storage.
func (vm *VM) SetRegisters(ptr *[isa.NumRegisters]uint64) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.regs = ptr
}

// GetRegisters returns the register storage currently installed by
// SetRegisters, allocating and installing a fresh one on first use.
func (vm *VM) GetRegisters() *[isa.NumRegisters]uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.regs == nil {
		vm.regs = vm.Registers()
	}
	return vm.regs
}

// Exec interprets the loaded program against mem and returns R0. It runs
// against whatever register storage SetRegisters last installed, or a
// fresh one otherwise.
func (vm *VM) Exec(mem []byte) (uint64, error) {
	vm.mu.Lock()
	prog := vm.prog
	stackSize := vm.stackSize
	regs := vm.regs
	vm.mu.Unlock()

	if prog == nil {
		return 0, vm.report(fmt.Errorf("xbpf: %w", loader.ErrMissingEntry))
	}
	if regs == nil {
		regs = vm.Registers()
	}
	m := interp.NewMachine(prog, regs, stackSize)
	result, err := m.Exec(mem)
	return result, vm.report(err)
}

// Execute is an alias for Exec kept for callers migrating from the
// reference implementation's naming.
func (vm *VM) Execute(mem []byte) (uint64, error) { return vm.Exec(mem) }

// Translate runs the x86-64 code generator over the loaded program for the
// given platform without allocating executable memory, returning the raw
// machine code buffer — useful for inspection.
func (vm *VM) Translate(p engine.Platform) ([]byte, error) {
	vm.mu.Lock()
	prog := vm.prog
	stackSize := vm.stackSize
	vm.mu.Unlock()

	if prog == nil {
		return nil, vm.report(fmt.Errorf("xbpf: %w", loader.ErrMissingEntry))
	}

	abi := jit.ABISysV
	if p.UsesWin64ABI() {
		abi = jit.ABIWin64
	}
	cg := jit.New(abi, stackSize)
	buf, err := cg.Translate(prog.Insts, prog.FunctionEntries, prog.HasUnwind, prog.UnwindIndex)
	return buf, vm.report(err)
}

// TranslateToBuffer is the caller-supplied-buffer form of Translate named
// in spec §6 ("translate-to-buffer (buffer, inout size)"): it writes the
// generated machine code into buf and returns the exact number of bytes
// written, failing rather than truncating if buf is too small.
func (vm *VM) TranslateToBuffer(p engine.Platform, buf []byte) (int, error) {
	code, err := vm.Translate(p)
	if err != nil {
		return 0, err
	}
	if len(buf) < len(code) {
		return 0, vm.report(fmt.Errorf("xbpf: buffer of %d bytes is too small for %d bytes of generated code: %w", len(buf), len(code), jit.ErrTranslatorFault))
	}
	n := copy(buf, code)
	return n, nil
}
