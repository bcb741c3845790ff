package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmarket/fleetd/internal/matching"
	"github.com/fleetmarket/fleetd/internal/models"
	"github.com/fleetmarket/fleetd/internal/regions"
	testutil "github.com/fleetmarket/fleetd/internal/testing"
)

func TestReconcileVerdicts(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	f.seedPool(t)
	ctx := context.Background()
	f.register(t, testutil.TestPoolID, testutil.TestAgentID)

	future := testutil.FixedTime.Add(24 * time.Hour)
	past := testutil.FixedTime.Add(-time.Hour)
	seed := []testutil.ContractOpts{
		{ID: "c-active", Status: models.ContractActive, EndTimestamp: &future},
		{ID: "c-open", Status: models.ContractProvisioned},
		{ID: "c-cancelled", Status: models.ContractCancelled},
		{ID: "c-payment", Status: models.ContractPaymentFailed},
		{ID: "c-expired", Status: models.ContractExpired},
		{ID: "c-ended", Status: models.ContractActive, EndTimestamp: &past},
	}
	for _, opts := range seed {
		require.NoError(t, f.store.CreateContract(ctx, testutil.NewTestContract(opts)))
	}

	result, err := f.reconciler.Reconcile(ctx, testutil.TestAgentID, []models.RunningInstance{
		{ExternalID: "vm-1", ContractID: "c-active"},
		{ExternalID: "vm-2", ContractID: "c-open"},
		{ExternalID: "vm-3", ContractID: "c-cancelled"},
		{ExternalID: "vm-4", ContractID: "c-payment"},
		{ExternalID: "vm-5", ContractID: "c-expired"},
		{ExternalID: "vm-6", ContractID: "c-ended"},
		{ExternalID: "vm-7", ContractID: "c-missing"},
		{ExternalID: "vm-8"},
	})
	require.NoError(t, err)

	assert.Equal(t, []models.KeepVerdict{
		{ExternalID: "vm-1", ContractID: "c-active", EndsAt: &future},
		{ExternalID: "vm-2", ContractID: "c-open"},
	}, result.Keep)
	assert.Equal(t, []models.TerminateVerdict{
		{ExternalID: "vm-3", ContractID: "c-cancelled", Reason: models.TerminateCancelled},
		{ExternalID: "vm-4", ContractID: "c-payment", Reason: models.TerminatePaymentFailed},
		{ExternalID: "vm-5", ContractID: "c-expired", Reason: models.TerminateExpired},
		{ExternalID: "vm-6", ContractID: "c-ended", Reason: models.TerminateExpired},
	}, result.Terminate)
	assert.Equal(t, []models.UnknownVerdict{
		{ExternalID: "vm-7", Message: "contract c-missing not found"},
		{ExternalID: "vm-8", Message: "instance has no contract id"},
	}, result.Unknown)
}

func TestReconcileKeepsLockedContract(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	f.seedPool(t)
	ctx := context.Background()
	f.register(t, testutil.TestPoolID, testutil.TestAgentID)

	past := testutil.FixedTime.Add(-time.Minute)
	require.NoError(t, f.store.CreateContract(ctx, testutil.NewTestContract(testutil.ContractOpts{ID: "c-late", EndTimestamp: &past})))
	_, err := f.locks.Acquire(ctx, "c-late", testutil.TestAgentID)
	require.NoError(t, err)

	result, err := f.reconciler.Reconcile(ctx, testutil.TestAgentID, []models.RunningInstance{{ExternalID: "vm-1", ContractID: "c-late"}})
	require.NoError(t, err)
	require.Len(t, result.Keep, 1, "an in-flight provision is never terminated")
	assert.Empty(t, result.Terminate)

	f.clock.Advance(f.locks.TTL() + time.Second)
	result, err = f.reconciler.Reconcile(ctx, testutil.TestAgentID, []models.RunningInstance{{ExternalID: "vm-1", ContractID: "c-late"}})
	require.NoError(t, err)
	require.Len(t, result.Terminate, 1)
	assert.Equal(t, models.TerminateExpired, result.Terminate[0].Reason)
}

func TestReconcileScopesToServingPool(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	f.seedPool(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePool(ctx, testutil.NewTestPool(testutil.PoolOpts{ID: "pool-na", Name: "na", Region: regions.NorthAmerica})))
	f.register(t, "pool-na", testutil.TestAgentIDAlt)

	result, err := f.reconciler.Reconcile(ctx, testutil.TestAgentIDAlt, []models.RunningInstance{{ExternalID: "vm-1", ContractID: testutil.TestContractID}})
	require.NoError(t, err)
	assert.Empty(t, result.Keep)
	assert.Equal(t, []models.UnknownVerdict{{ExternalID: "vm-1", Message: "contract " + testutil.TestContractID + " not found"}}, result.Unknown)
}

func TestReconcileRequiresDelegation(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	f.seedPool(t)
	ctx := context.Background()

	_, err := f.reconciler.Reconcile(ctx, testutil.TestAgentID, nil)
	require.ErrorIs(t, err, ErrAgentNotDelegated)

	f.register(t, testutil.TestPoolID, testutil.TestAgentID)
	result, err := f.reconciler.Reconcile(ctx, testutil.TestAgentID, nil)
	require.NoError(t, err)
	assert.NotNil(t, result.Keep)
	assert.NotNil(t, result.Terminate)
	assert.NotNil(t, result.Unknown)
}

func TestClassify(t *testing.T) {
	now := testutil.FixedTime
	end := now.Add(-time.Second)
	liveLock := models.ProvisioningLock{AgentID: "a", AcquiredAt: now, ExpiresAt: now}
	staleLock := models.ProvisioningLock{AgentID: "a", AcquiredAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Nanosecond)}

	tests := []struct {
		name     string
		contract models.Contract
		want     models.TerminateReason
	}{
		{"accepted open-ended", models.Contract{Status: models.ContractAccepted}, ""},
		{"end in the past", models.Contract{Status: models.ContractActive, EndTimestamp: &end}, models.TerminateExpired},
		{"end exactly now", models.Contract{Status: models.ContractActive, EndTimestamp: &now}, ""},
		{"terminated", models.Contract{Status: models.ContractTerminated}, models.TerminateExpired},
		{"termination failed", models.Contract{Status: models.ContractTerminationFailed}, models.TerminateExpired},
		{"cancelled under live lock", models.Contract{Status: models.ContractCancelled, Lock: liveLock}, ""},
		{"cancelled under stale lock", models.Contract{Status: models.ContractCancelled, Lock: staleLock}, models.TerminateCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.contract, now))
		})
	}
}
