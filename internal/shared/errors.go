package shared

import "errors"

// Core error taxonomy shared by the serial, day, ledger and custody packages.
// Package errors wrap these with %w so callers can branch with errors.Is.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the actor lacks the permission for an action.
	ErrForbidden = errors.New("forbidden")
	// ErrValidation indicates malformed input rejected before any write.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition indicates a state machine transition is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrConflict indicates the request collides with current state.
	ErrConflict = errors.New("conflict")

	// ErrDayClosed indicates the accounting day does not accept postings.
	ErrDayClosed = errors.New("accounting day closed")
	// ErrDuplicateCode indicates a transaction code that was already used.
	ErrDuplicateCode = errors.New("transaction code already used")
	// ErrUnbalancedEntry indicates debit legs and credit legs differ.
	ErrUnbalancedEntry = errors.New("entry legs do not balance")
	// ErrUnknownAccount indicates a leg references a missing or non-posting account.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrNegativeBalanceNotAllowed indicates a posting would overdraw a protected account.
	ErrNegativeBalanceNotAllowed = errors.New("negative balance not allowed")
	// ErrCustodyDiscrepancy indicates custody balances disagree with the ledger.
	ErrCustodyDiscrepancy = errors.New("custody balance does not match ledger")
	// ErrConcurrentModification indicates optimistic retries were exhausted.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrUnavailable indicates an external collaborator did not answer in time.
	ErrUnavailable = errors.New("collaborator unavailable")
)
