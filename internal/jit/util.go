package jit

import "fmt"

func transFaultf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrTranslatorFault)
}
