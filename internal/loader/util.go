package loader

import "fmt"

// wrapf formats msg with args and wraps it around sentinel so callers can
// still errors.Is(err, sentinel) after the detail is attached.
func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}

func boundsCheck(total uint64, off, size uint64) error {
	end := off + size
	if end < off || end > total {
		return fmt.Errorf("range [%d,%d) exceeds image size %d: %w", off, end, total, ErrMalformedImage)
	}
	return nil
}

func cstring(b []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(b)) {
		return "", fmt.Errorf("string offset %d out of range: %w", off, ErrMalformedImage)
	}
	end := off
	for end < uint32(len(b)) && b[end] != 0 {
		end++
	}
	if end >= uint32(len(b)) {
		return "", fmt.Errorf("unterminated string at offset %d: %w", off, ErrMalformedImage)
	}
	return string(b[off:end]), nil
}
