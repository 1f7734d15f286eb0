// Package errs holds the error taxonomy shared by the MES packages.
package errs

import "errors"

var (

	// Configuration errors surface as "cannot compute" results, never crashes.

	ErrConfiguration      = errors.New("configuration error")
	ErrNoActiveShift      = wrap(ErrConfiguration, "no active shift")
	ErrMissingTagMapping  = wrap(ErrConfiguration, "missing tag mapping")
	ErrMissingCredentials = wrap(ErrConfiguration, "missing credentials")
	ErrUnknownMachine     = wrap(ErrConfiguration, "unknown machine")

	// External collaborators.

	ErrExternalSource = errors.New("external source error")
	ErrRateLimited    = errors.New("rate limited")
	ErrPoolExhausted  = errors.New("connection pool exhausted")
	ErrNotFound       = errors.New("not found")

	// Rejected at the write boundary.

	ErrDataIntegrity      = errors.New("data integrity error")
	ErrUnmappedCode       = wrap(ErrDataIntegrity, "unmapped dictionary code")
	ErrRecursiveHierarchy = wrap(ErrDataIntegrity, "recursive parent assignment")
	ErrUnmappedShiftLabel = wrap(ErrDataIntegrity, "unmapped shift label")
)

type wrapped struct {
	parent error
	msg    string
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.parent }

func wrap(parent error, msg string) error {
	return &wrapped{parent: parent, msg: msg}
}

// Retryable reports whether err is transient and the unit of work may be retried later.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrPoolExhausted)
}
