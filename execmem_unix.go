//go:build !windows

package xbpf

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// execMemory is a page allocated PROT_READ|PROT_WRITE, filled with machine
// code, then remapped PROT_READ|PROT_EXEC — mirroring the reference JIT's
// mmap/mprotect allocator (golang.org/x/sys/unix, matching the platform
// dependency the teacher already carries for its own unix-only file
// watcher in filewatcher_unix.go).
type execMemory struct {
	mem []byte
}

func allocateExecMemory(code []byte) (*execMemory, error) {
	size := (len(code) + unix.Getpagesize() - 1) &^ (unix.Getpagesize() - 1)
	if size == 0 {
		size = unix.Getpagesize()
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("xbpf: mmap executable region: %w", err)
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("xbpf: mprotect executable region: %w", err)
	}
	return &execMemory{mem: mem}, nil
}

func (e *execMemory) release() error {
	if e == nil || e.mem == nil {
		return nil
	}
	err := unix.Munmap(e.mem)
	e.mem = nil
	return err
}
