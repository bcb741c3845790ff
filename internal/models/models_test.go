package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProvisionerType(t *testing.T) {
	for _, known := range ProvisionerTypes() {
		got, err := ParseProvisionerType(" " + string(known) + " ")
		require.NoError(t, err)
		assert.Equal(t, known, got)
	}
	got, err := ParseProvisionerType("Proxmox")
	require.NoError(t, err)
	assert.Equal(t, ProvisionerProxmox, got)

	_, err = ParseProvisionerType("vmware")
	require.Error(t, err)
	_, err = ParseProvisionerType("")
	require.Error(t, err)
}

func TestParseContractStatus(t *testing.T) {
	for _, status := range ContractStatuses() {
		got, err := ParseContractStatus(string(status))
		require.NoError(t, err)
		assert.Equal(t, status, got)
	}
	_, err := ParseContractStatus("pending")
	require.Error(t, err)
}

func TestContractStatusPredicates(t *testing.T) {
	tests := []struct {
		status   ContractStatus
		lockable bool
		ended    bool
	}{
		{ContractRequested, false, false},
		{ContractAccepted, true, false},
		{ContractProvisioning, true, false},
		{ContractProvisioned, false, false},
		{ContractActive, false, false},
		{ContractCancelled, false, true},
		{ContractExpired, false, true},
		{ContractPaymentFailed, false, true},
		{ContractTerminationFailed, false, true},
		{ContractTerminated, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.lockable, tt.status.Lockable())
			assert.Equal(t, tt.ended, tt.status.Ended())
		})
	}
}

func TestProvisioningLockStates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var free ProvisioningLock
	assert.False(t, free.Held())
	assert.False(t, free.Live(now))
	assert.False(t, free.HeldBy("agent-a", now))

	held := ProvisioningLock{AgentID: "agent-a", AcquiredAt: now, ExpiresAt: now.Add(5 * time.Minute)}
	assert.True(t, held.Held())
	assert.True(t, held.Live(now))
	assert.True(t, held.HeldBy("agent-a", now))
	assert.False(t, held.HeldBy("agent-b", now))

	stale := ProvisioningLock{AgentID: "agent-a", AcquiredAt: now.Add(-10 * time.Minute), ExpiresAt: now.Add(-5 * time.Minute)}
	assert.True(t, stale.Held())
	assert.False(t, stale.Live(now))
	assert.False(t, stale.HeldBy("agent-a", now))
}

func TestAgentStatusOnline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Minute

	assert.False(t, AgentStatus{}.Online(now, window))
	assert.True(t, AgentStatus{LastHeartbeatAt: now.Add(-time.Minute)}.Online(now, window))
	assert.True(t, AgentStatus{LastHeartbeatAt: now.Add(-window)}.Online(now, window))
	assert.False(t, AgentStatus{LastHeartbeatAt: now.Add(-window - time.Second)}.Online(now, window))
}

func TestAgentDelegationActive(t *testing.T) {
	revoked := time.Now()
	assert.True(t, AgentDelegation{AgentID: "a"}.Active())
	assert.False(t, AgentDelegation{AgentID: "a", RevokedAt: &revoked}.Active())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(ContractRequested, ContractAccepted))
	assert.True(t, CanTransition(ContractAccepted, ContractCancelled))
	assert.True(t, CanTransition(ContractProvisioning, ContractAccepted))
	assert.True(t, CanTransition(ContractActive, ContractExpired))
	assert.True(t, CanTransition(ContractCancelled, ContractTerminated))

	for _, from := range ContractStatuses() {
		assert.False(t, CanTransition(from, ContractProvisioned), "from %s", from)
	}
	assert.False(t, CanTransition(ContractTerminated, ContractActive))
	assert.False(t, CanTransition(ContractCancelled, ContractAccepted))
	assert.False(t, CanTransition(ContractRequested, ContractRequested))
}
