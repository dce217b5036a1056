//go:build windows

package xbpf

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

func unsafeSliceFromPointer(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// execMemory on Windows is allocated with VirtualAlloc and, once the code
// is written, switched to execute-read with VirtualProtect — the Win64
// counterpart of the unix mmap/mprotect allocator. Compile() always fails
// on Windows (see compile_other.go), so nothing in this package calls
// allocateExecMemory on this platform.
type execMemory struct {
	addr uintptr
	size int
}

func allocateExecMemory(code []byte) (*execMemory, error) {
	size := len(code)
	if size == 0 {
		size = 1
	}
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, fmt.Errorf("xbpf: VirtualAlloc: %w", err)
	}
	dst := unsafeSliceFromPointer(addr, size)
	copy(dst, code)

	var oldProtect uint32
	if err := windows.VirtualProtect(addr, uintptr(size), windows.PAGE_EXECUTE_READ, &oldProtect); err != nil {
		windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
		return nil, fmt.Errorf("xbpf: VirtualProtect: %w", err)
	}
	return &execMemory{addr: addr, size: size}, nil
}

func (e *execMemory) release() error {
	if e == nil || e.addr == 0 {
		return nil
	}
	err := windows.VirtualFree(e.addr, 0, windows.MEM_RELEASE)
	e.addr = 0
	return err
}
