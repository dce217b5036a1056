//go:build windows || !amd64

package xbpf

import "fmt"

// Compile always fails on this platform: the dispatch-bridge shim in
// call_unix_amd64.s is SysV/unix-only (see DESIGN.md), and the translator
// backend itself is amd64-only (internal/engine), so there is no native
// path to compile to here. Use Exec for the portable interpreter path.
func (vm *VM) Compile() (func(mem []byte) (uint64, error), error) {
	return nil, vm.report(fmt.Errorf("xbpf: native compilation is unsupported on this platform; use Exec"))
}
