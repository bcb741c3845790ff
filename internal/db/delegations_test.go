package db

import (
	"context"
	"testing"
	"time"

	"github.com/fleetmarket/fleetd/internal/models"
	testutil "github.com/fleetmarket/fleetd/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddDelegationSingleActive(t *testing.T) {
	store := openTestStore(t)
	seedRouting(t, store)
	ctx := context.Background()
	now := testutil.FixedTime
	poolID := testutil.TestPoolID

	first, err := store.AddDelegation(ctx, testutil.TestAgentID, testutil.TestOwnerID, &poolID, "node-1", now)
	require.NoError(t, err)
	assert.True(t, first.Active())

	_, err = store.AddDelegation(ctx, testutil.TestAgentID, testutil.TestOwnerID, nil, "", now)
	require.ErrorIs(t, err, ErrAgentAlreadyDelegated)

	_, err = store.RevokeDelegation(ctx, testutil.TestAgentID, now.Add(time.Minute))
	require.NoError(t, err)

	second, err := store.AddDelegation(ctx, testutil.TestAgentID, testutil.TestOwnerIDAlt, nil, "", now.Add(2*time.Minute))
	require.NoError(t, err, "a revoked agent can be delegated again")
	assert.Nil(t, second.PoolID)

	active, err := store.GetActiveDelegation(ctx, testutil.TestAgentID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.Equal(t, testutil.TestOwnerIDAlt, active.OwnerID)
}

func TestRevokeDelegationIdempotent(t *testing.T) {
	store := openTestStore(t)
	seedRouting(t, store)
	ctx := context.Background()
	now := testutil.FixedTime
	poolID := testutil.TestPoolID

	_, err := store.RevokeDelegation(ctx, testutil.TestAgentID, now)
	require.ErrorIs(t, err, ErrDelegationNotFound, "no history at all")

	_, err = store.AddDelegation(ctx, testutil.TestAgentID, testutil.TestOwnerID, &poolID, "", now)
	require.NoError(t, err)

	changed, err := store.RevokeDelegation(ctx, testutil.TestAgentID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.RevokeDelegation(ctx, testutil.TestAgentID, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = store.GetActiveDelegation(ctx, testutil.TestAgentID)
	require.ErrorIs(t, err, ErrDelegationNotFound)

	latest, err := store.LatestDelegation(ctx, testutil.TestAgentID)
	require.NoError(t, err)
	require.NotNil(t, latest.RevokedAt)
	assert.Equal(t, now.Add(time.Minute), *latest.RevokedAt, "second revoke leaves the first timestamp")
}

func TestListPoolDelegationsWithHeartbeats(t *testing.T) {
	store := openTestStore(t)
	seedRouting(t, store)
	ctx := context.Background()
	now := testutil.FixedTime
	poolID := testutil.TestPoolID

	_, err := store.AddDelegation(ctx, "a1", testutil.TestOwnerID, &poolID, "first", now)
	require.NoError(t, err)
	_, err = store.AddDelegation(ctx, "a2", testutil.TestOwnerID, &poolID, "second", now.Add(time.Second))
	require.NoError(t, err)
	_, err = store.AddDelegation(ctx, "legacy", testutil.TestOwnerID, nil, "", now)
	require.NoError(t, err)
	require.NoError(t, store.RecordHeartbeat(ctx, models.AgentStatus{AgentID: "a2", Version: "1.4.0", RunningInstances: 3, LastHeartbeatAt: now}))

	delegations, statuses, err := store.ListPoolDelegations(ctx, poolID)
	require.NoError(t, err)
	require.Len(t, delegations, 2)
	assert.Equal(t, "a1", delegations[0].AgentID)
	assert.Equal(t, "a2", delegations[1].AgentID)
	assert.NotContains(t, statuses, "a1")
	assert.Equal(t, models.AgentStatus{AgentID: "a2", Version: "1.4.0", RunningInstances: 3, LastHeartbeatAt: now}, statuses["a2"])
}

func TestRecordHeartbeatUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := testutil.FixedTime

	require.NoError(t, store.RecordHeartbeat(ctx, models.AgentStatus{AgentID: testutil.TestAgentID, Version: "1.0", RunningInstances: 1, LastHeartbeatAt: now}))
	require.NoError(t, store.RecordHeartbeat(ctx, models.AgentStatus{AgentID: testutil.TestAgentID, Version: "1.1", RunningInstances: 4, LastHeartbeatAt: now.Add(time.Minute)}))

	status, err := store.GetAgentStatus(ctx, testutil.TestAgentID)
	require.NoError(t, err)
	assert.Equal(t, "1.1", status.Version)
	assert.Equal(t, 4, status.RunningInstances)
	assert.Equal(t, now.Add(time.Minute), status.LastHeartbeatAt)

	assert.Error(t, store.RecordHeartbeat(ctx, models.AgentStatus{AgentID: testutil.TestAgentID, RunningInstances: -1}))
}
