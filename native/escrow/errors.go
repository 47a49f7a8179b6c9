package escrow

import "errors"

// Typed failures surfaced by the escrow engine. Every guard violation is
// detected before any persistence write or value transfer, so callers can
// retry with corrected input without observing partial state.
var (
	// ErrNotFound indicates no escrow record exists for the identifier.
	ErrNotFound = errors.New("escrow: not found")
	// ErrAlreadyExists indicates a creation collision on the identifier.
	ErrAlreadyExists = errors.New("escrow: already exists")
	// ErrUnauthorized indicates a signature or principal mismatch.
	ErrUnauthorized = errors.New("escrow: unauthorized access")
	// ErrNotActive indicates the operation requires an Active escrow.
	ErrNotActive = errors.New("escrow: not active")
	// ErrMilestoneNotFound indicates the milestone index is out of bounds.
	ErrMilestoneNotFound = errors.New("escrow: milestone not found")
	// ErrMilestoneAlreadyReleased indicates a double release, or an attempt
	// to cancel after a release has occurred.
	ErrMilestoneAlreadyReleased = errors.New("escrow: milestone already released")
	// ErrInvalidAmount indicates a non-positive milestone amount or an
	// aggregate that exceeds the signed 128-bit range.
	ErrInvalidAmount = errors.New("escrow: invalid milestone amount")
	// ErrTooManyMilestones indicates the milestone cardinality cap was hit.
	ErrTooManyMilestones = errors.New("escrow: too many milestones")
	// ErrSelfDealing indicates the depositor and recipient are the same
	// identity.
	ErrSelfDealing = errors.New("escrow: depositor and recipient must differ")
	// ErrInsufficientBalance indicates the source account cannot cover a
	// requested transfer.
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
)
