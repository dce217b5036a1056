package main

import (
	"github.com/xyproto/env/v2"
)

// config holds the knobs that the teacher's own dependencies.go pattern
// (FLAPC_<NAME> env overrides layered over CLI flags: a set variable wins
// over the flag) would read for this tool: XBPF_BOUNDS_CHECK, XBPF_VERBOSE,
// XBPF_STACK_SIZE.
type config struct {
	boundsCheck bool
	verbose     bool
	stackSize   int
}

// loadConfig reads environment overrides, falling back to the given flag
// defaults when a variable is unset.
func loadConfig(flagVerbose, flagBoundsCheck bool, flagStackSize int) config {
	return config{
		boundsCheck: env.BoolOr("XBPF_BOUNDS_CHECK", flagBoundsCheck),
		verbose:     env.BoolOr("XBPF_VERBOSE", flagVerbose),
		stackSize:   env.IntOr("XBPF_STACK_SIZE", flagStackSize),
	}
}
