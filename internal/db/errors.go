package db

import (
	"errors"
	"strings"
)

var (
	ErrPoolNotFound          = errors.New("pool not found")
	ErrPoolNameTaken         = errors.New("pool name already in use")
	ErrPoolNotEmpty          = errors.New("pool not empty")
	ErrDelegationNotFound    = errors.New("delegation not found")
	ErrAgentAlreadyDelegated = errors.New("agent already delegated")
	ErrTokenInvalid          = errors.New("setup token invalid")
	ErrTokenAlreadyUsed      = errors.New("setup token already used")
	ErrTokenExpired          = errors.New("setup token expired")
	ErrOfferingNotFound      = errors.New("offering not found")
	ErrContractNotFound      = errors.New("contract not found")
	ErrContractExists        = errors.New("contract already exists")
	ErrContractNotLockable   = errors.New("contract not lockable in current status")
	ErrLockConflict          = errors.New("provisioning lock held by another agent")
	ErrNotLockHolder         = errors.New("caller does not hold the provisioning lock")
	ErrInvalidTransition     = errors.New("invalid contract status transition")
)

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
