package customization

import (
	"errors"

	"tourmatch/ledger"
)

var (
	ErrNotFound          = errors.New("customization: not found")
	ErrInvalidTransition = errors.New("customization: invalid transition")
	ErrWrongState        = errors.New("customization: operation not allowed in current state")
	ErrDuplicateProposal = errors.New("customization: partner already submitted a proposal")
	// ErrConflict is returned when another mutation won the version race. The
	// caller should re-read before retrying.
	ErrConflict        = errors.New("customization: concurrent modification")
	ErrAlreadyResolved = errors.New("customization: already resolved")
	ErrNotEligible     = errors.New("customization: partner not eligible")
	ErrForbidden       = errors.New("customization: forbidden")
	ErrInvalidStatus   = errors.New("customization: invalid status")
	ErrInvalidInput    = errors.New("customization: invalid input")

	// ErrInsufficientBalance is the ledger's error, re-exported for callers of
	// this package.
	ErrInsufficientBalance = ledger.ErrInsufficientBalance

	// Store-level errors.
	ErrVersionConflict  = errors.New("customization: version conflict")
	ErrDuplicateRequest = errors.New("customization: request already exists")
)
