// Package models provides data structures and constants for fleetd.
//
// This package contains the core domain models of the control plane:
//   - AgentPool: a group of agents sharing a region and provisioner type
//   - AgentDelegation: the binding of one agent identity to at most one pool
//   - SetupToken: a one-time credential that registers an agent into a pool
//   - Offering and Contract: marketplace entities the matcher routes
//   - ProvisioningLock: the lease an agent holds while provisioning a contract
//   - RunningInstance and Verdict: the reconciliation protocol
//
// Models carry no serialization tags; the HTTP layer defines its own wire types.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/fleetmarket/fleetd/internal/regions"
)

// ProvisionerType is the closed set of backends an agent pool can drive.
// The control plane only uses it as a matching key.
type ProvisionerType string

const (
	ProvisionerProxmox ProvisionerType = "proxmox"
	ProvisionerScript  ProvisionerType = "script"
	ProvisionerManual  ProvisionerType = "manual"
	ProvisionerHetzner ProvisionerType = "hetzner"
)

// ProvisionerTypes lists every supported provisioner type.
func ProvisionerTypes() []ProvisionerType {
	return []ProvisionerType{ProvisionerProxmox, ProvisionerScript, ProvisionerManual, ProvisionerHetzner}
}

// ParseProvisionerType validates a provisioner type. Input is case-insensitive.
func ParseProvisionerType(value string) (ProvisionerType, error) {
	normalized := ProvisionerType(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range ProvisionerTypes() {
		if normalized == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown provisioner type %q", value)
}

// AgentPool groups agents of one owner that serve a region with a given
// provisioner type.
type AgentPool struct {
	ID              string
	OwnerID         string
	Name            string
	Region          regions.ID
	ProvisionerType ProvisionerType
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PoolStats are the live counters reported next to a pool.
type PoolStats struct {
	AgentCount      int
	OnlineCount     int
	OfferingsCount  int
	ActiveContracts int
}

// PoolWithStats pairs a pool with its live counters.
type PoolWithStats struct {
	Pool  AgentPool
	Stats PoolStats
}

// AgentDelegation binds an agent identity to an owner and, optionally, a pool.
//
// A nil PoolID marks a legacy agent registered before pools existed.
// Delegations are never deleted; RevokedAt makes them inert.
type AgentDelegation struct {
	ID        int64
	AgentID   string
	OwnerID   string
	PoolID    *string
	Label     string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Active reports whether the delegation has not been revoked.
func (d AgentDelegation) Active() bool {
	return d.RevokedAt == nil
}

// SetupToken is a one-time registration credential. Only the hash of the
// token is stored.
type SetupToken struct {
	TokenHash   string
	PoolID      string
	Label       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	UsedAt      *time.Time
	UsedByAgent *string
}

// AgentStatus is the heartbeat record of a delegated agent.
type AgentStatus struct {
	AgentID          string
	Version          string
	RunningInstances int
	LastHeartbeatAt  time.Time
}

// Online reports whether the last heartbeat is within window of now.
func (s AgentStatus) Online(now time.Time, window time.Duration) bool {
	if s.LastHeartbeatAt.IsZero() {
		return false
	}
	return now.Sub(s.LastHeartbeatAt) <= window
}

// Offering is the marketplace listing a contract refers to. An explicit
// AgentPoolID overrides country-based routing.
type Offering struct {
	ID                string
	OwnerID           string
	DatacenterCountry string
	ProvisionerType   ProvisionerType
	AgentPoolID       *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ContractStatus is the lifecycle state of a rental contract.
//
//	requested → accepted → provisioning → provisioned → active
//
// Any non-terminal state may move to cancelled, expired or payment_failed.
// A failed termination is recorded as termination_failed; a completed one
// as terminated.
type ContractStatus string

const (
	ContractRequested         ContractStatus = "requested"
	ContractAccepted          ContractStatus = "accepted"
	ContractProvisioning      ContractStatus = "provisioning"
	ContractProvisioned       ContractStatus = "provisioned"
	ContractActive            ContractStatus = "active"
	ContractCancelled         ContractStatus = "cancelled"
	ContractExpired           ContractStatus = "expired"
	ContractPaymentFailed     ContractStatus = "payment_failed"
	ContractTerminationFailed ContractStatus = "termination_failed"
	ContractTerminated        ContractStatus = "terminated"
)

// ContractStatuses lists every contract status.
func ContractStatuses() []ContractStatus {
	return []ContractStatus{
		ContractRequested,
		ContractAccepted,
		ContractProvisioning,
		ContractProvisioned,
		ContractActive,
		ContractCancelled,
		ContractExpired,
		ContractPaymentFailed,
		ContractTerminationFailed,
		ContractTerminated,
	}
}

// ParseContractStatus validates a contract status string.
func ParseContractStatus(value string) (ContractStatus, error) {
	normalized := ContractStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range ContractStatuses() {
		if normalized == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown contract status %q", value)
}

// Lockable reports whether a provisioning lock may be taken in this status.
func (s ContractStatus) Lockable() bool {
	return s == ContractAccepted || s == ContractProvisioning
}

// Ended reports whether the contract has reached an end state and its
// instance should no longer run.
func (s ContractStatus) Ended() bool {
	switch s {
	case ContractCancelled, ContractExpired, ContractPaymentFailed, ContractTerminationFailed, ContractTerminated:
		return true
	default:
		return false
	}
}

var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractRequested:         {ContractAccepted, ContractCancelled, ContractPaymentFailed, ContractExpired},
	ContractAccepted:          {ContractProvisioning, ContractCancelled, ContractPaymentFailed, ContractExpired},
	ContractProvisioning:      {ContractAccepted, ContractCancelled, ContractPaymentFailed, ContractExpired},
	ContractProvisioned:       {ContractActive, ContractCancelled, ContractPaymentFailed, ContractExpired, ContractTerminated, ContractTerminationFailed},
	ContractActive:            {ContractCancelled, ContractPaymentFailed, ContractExpired, ContractTerminated, ContractTerminationFailed},
	ContractCancelled:         {ContractTerminated, ContractTerminationFailed},
	ContractExpired:           {ContractTerminated, ContractTerminationFailed},
	ContractPaymentFailed:     {ContractTerminated, ContractTerminationFailed},
	ContractTerminationFailed: {ContractTerminated},
}

// CanTransition reports whether the status API may move a contract from one
// status to another. Reaching provisioned is reserved to the lock holder's
// success report and never allowed here.
func CanTransition(from, to ContractStatus) bool {
	for _, next := range contractTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProvisioningLock is the lease an agent holds on a contract. The zero value
// means the lock is free.
type ProvisioningLock struct {
	AgentID    string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Held reports whether any agent is recorded as holder, expired or not.
func (l ProvisioningLock) Held() bool {
	return l.AgentID != ""
}

// Live reports whether the lock is held and not yet expired at now. A lock
// is expired once its expiry lies strictly before now.
func (l ProvisioningLock) Live(now time.Time) bool {
	return l.Held() && !l.ExpiresAt.Before(now)
}

// HeldBy reports whether agentID holds a live lock at now.
func (l ProvisioningLock) HeldBy(agentID string, now time.Time) bool {
	return l.Live(now) && l.AgentID == agentID
}

// Contract is a rental agreement for one offering.
type Contract struct {
	ID                string
	OfferingID        string
	Status            ContractStatus
	EndTimestamp      *time.Time
	Lock              ProvisioningLock
	InstanceDetails   []byte
	ProvisionedAt     *time.Time
	FailureCount      int
	LastFailureReason string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ContractWithOffering is a contract joined with the offering used for routing.
type ContractWithOffering struct {
	Contract Contract
	Offering Offering
}

// RunningInstance is one entry of an agent's reported inventory.
type RunningInstance struct {
	ExternalID string
	ContractID string
}

// TerminateReason explains a terminate verdict.
type TerminateReason string

const (
	TerminateExpired       TerminateReason = "expired"
	TerminateCancelled     TerminateReason = "cancelled"
	TerminatePaymentFailed TerminateReason = "payment_failed"
)

// KeepVerdict tells the agent to keep an instance running until EndsAt
// (nil means open-ended).
type KeepVerdict struct {
	ExternalID string
	ContractID string
	EndsAt     *time.Time
}

// TerminateVerdict tells the agent to tear an instance down.
type TerminateVerdict struct {
	ExternalID string
	ContractID string
	Reason     TerminateReason
}

// UnknownVerdict flags an orphan instance for manual review.
type UnknownVerdict struct {
	ExternalID string
	Message    string
}

// ReconcileResult groups the verdicts for one reconciliation call.
type ReconcileResult struct {
	Keep      []KeepVerdict
	Terminate []TerminateVerdict
	Unknown   []UnknownVerdict
}
