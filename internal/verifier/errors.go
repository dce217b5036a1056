package verifier

import "errors"

// ErrVerifierRejected is the sentinel every structural rejection wraps, so
// callers can distinguish "verifier says no" from load or runtime failures
// with a single errors.Is check while still reading a specific message.
var ErrVerifierRejected = errors.New("verifier: rejected")
