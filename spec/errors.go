package spec

import "github.com/pkg/errors"

// Error taxonomy of the lifecycle engine. Wrap with extErrors.Wrap and test with errors.Is.
var (
	ErrVerification      = errors.New("verification failure")
	ErrDuplicateEvent    = errors.New("duplicate event")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrExternalCall      = errors.New("external call failure")
	ErrPersistence       = errors.New("persistence failure")
	ErrImmutable         = errors.New("record is immutable")
)
