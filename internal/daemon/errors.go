package daemon

import (
	"errors"

	"github.com/fleetmarket/fleetd/internal/db"
)

// Errors that form the API contract. Store sentinels are re-exported so
// handlers and callers match them with errors.Is without importing db.
var (
	ErrLockConflict          = db.ErrLockConflict
	ErrNotLockHolder         = db.ErrNotLockHolder
	ErrContractNotFound      = db.ErrContractNotFound
	ErrContractNotLockable   = db.ErrContractNotLockable
	ErrContractExists        = db.ErrContractExists
	ErrInvalidTransition     = db.ErrInvalidTransition
	ErrTokenInvalid          = db.ErrTokenInvalid
	ErrTokenAlreadyUsed      = db.ErrTokenAlreadyUsed
	ErrTokenExpired          = db.ErrTokenExpired
	ErrPoolNotFound          = db.ErrPoolNotFound
	ErrPoolNotEmpty          = db.ErrPoolNotEmpty
	ErrPoolNameTaken         = db.ErrPoolNameTaken
	ErrOfferingNotFound      = db.ErrOfferingNotFound
	ErrAgentAlreadyDelegated = db.ErrAgentAlreadyDelegated
	ErrDelegationNotFound    = db.ErrDelegationNotFound

	ErrAgentNotDelegated = errors.New("agent not delegated for this contract")
	ErrLocationMismatch  = errors.New("agent location does not match pool region")
)

// validationError marks caller input problems that map to 400.
type validationError struct {
	msg string
}

func (e validationError) Error() string { return e.msg }

func invalidInput(msg string) error {
	return validationError{msg: msg}
}
