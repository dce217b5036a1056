//go:build !windows && amd64

package xbpf

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/xyproto/xbpf/internal/jit"
	"github.com/xyproto/xbpf/internal/loader"
)

// callCompiled enters a JIT-compiled program; see call_unix_amd64.s.
func callCompiled(code, memPtr, memLen uintptr) uint64

// dispatchShimEntry is the fixed landing address installed in every
// compiled program's dispatcher slot; see call_unix_amd64.s.
func dispatchShimEntry()

var dispatchShimAddr = reflect.ValueOf(dispatchShimEntry).Pointer()

// runningMu and runningVM serialize JIT entry across the process:
// dispatchShimEntry has no way to learn which *VM is calling except through
// a shared slot, so every closure returned by Compile holds runningMu for
// the duration of one call, so compiled programs run one at a time across
// the process. The pure-Go interpreter path (VM.Exec) has no such
// restriction; only the native JIT path pays this cost (see DESIGN.md).
var (
	runningMu sync.Mutex
	runningVM *VM
)

func dispatchFromNative(r1, r2, r3, r4, r5, imm uint64) uint64 {
	vm := runningVM
	n := int32(uint32(imm))
	if vm.dispatcher != nil {
		return vm.dispatcher(r1, r2, r3, r4, r5, n, vm.dispatcherCookie)
	}
	if h, ok := vm.helpers[uint32(n)]; ok {
		return h.Fn(r1, r2, r3, r4, r5)
	}
	return 0
}

// Compile translates the loaded program to native x86-64 code for the host
// platform, maps it executable, and returns a function that invokes it
// against a given mem buffer. The executable region is released when the
// VM is Unloaded or Destroyed.
func (vm *VM) Compile() (func(mem []byte) (uint64, error), error) {
	vm.mu.Lock()
	prog := vm.prog
	stackSize := vm.stackSize
	vm.mu.Unlock()

	if prog == nil {
		return nil, vm.report(fmt.Errorf("xbpf: %w", loader.ErrMissingEntry))
	}

	cg := jit.New(jit.ABISysV, stackSize)
	buf, err := cg.Translate(prog.Insts, prog.FunctionEntries, prog.HasUnwind, prog.UnwindIndex)
	if err != nil {
		return nil, vm.report(err)
	}

	slot := cg.DispatcherSlotOffset()
	for i := 0; i < 8; i++ {
		buf[slot+i] = byte(dispatchShimAddr >> (8 * i))
	}

	mem, err := allocateExecMemory(buf)
	if err != nil {
		return nil, vm.report(err)
	}

	vm.mu.Lock()
	vm.releaseCompiled()
	vm.compiledMem = mem
	vm.mu.Unlock()

	codeAddr := uintptr(unsafe.Pointer(&mem.mem[0]))

	return func(progMem []byte) (uint64, error) {
		runningMu.Lock()
		runningVM = vm
		defer func() {
			runningVM = nil
			runningMu.Unlock()
		}()

		var memPtr, memLen uintptr
		if len(progMem) > 0 {
			memPtr = uintptr(unsafe.Pointer(&progMem[0]))
			memLen = uintptr(len(progMem))
		}
		return callCompiled(codeAddr, memPtr, memLen), nil
	}, nil
}
