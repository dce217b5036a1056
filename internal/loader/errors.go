package loader

import "errors"

// Sentinel errors, one family per spec error kind. Wrap these with
// fmt.Errorf("...: %w", ErrX) to add the offending detail while keeping
// errors.Is working for callers.
var (
	// ErrMalformedImage covers bad magic, truncated headers, and section
	// or symbol bounds that fall outside the image.
	ErrMalformedImage = errors.New("loader: malformed image")

	// ErrUnsupportedImage covers wrong class, endianness, machine, ABI,
	// or object type.
	ErrUnsupportedImage = errors.New("loader: unsupported image")

	// ErrMissingEntry is returned when no main function can be identified.
	ErrMissingEntry = errors.New("loader: main function not found")

	// ErrBadRelocation covers relocations applied to the wrong kind of
	// instruction, unresolved symbols or helpers, and missing relocation
	// callbacks. Relocations of an unknown type are not errors: they are
	// skipped and recorded in Linked.Warnings.
	ErrBadRelocation = errors.New("loader: bad relocation")

	// ErrAlreadyLoaded is returned by Load/LoadELF when called twice
	// without an intervening Unload.
	ErrAlreadyLoaded = errors.New("loader: already loaded")
)
