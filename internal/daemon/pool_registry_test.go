package daemon

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmarket/fleetd/internal/matching"
	"github.com/fleetmarket/fleetd/internal/models"
	"github.com/fleetmarket/fleetd/internal/regions"
	testutil "github.com/fleetmarket/fleetd/internal/testing"
)

func TestPoolRegistryCreateValidates(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	ctx := context.Background()

	pool, err := f.pools.CreatePool(ctx, testutil.TestOwnerID, "  eu-proxmox ", "europe", "PROXMOX")
	require.NoError(t, err)
	assert.Contains(t, pool.ID, poolIDPrefix)
	assert.Equal(t, "eu-proxmox", pool.Name)
	assert.Equal(t, regions.Europe, pool.Region)
	assert.Equal(t, models.ProvisionerProxmox, pool.ProvisionerType)
	assert.Equal(t, testutil.FixedTime, pool.CreatedAt)

	tests := []struct {
		name        string
		owner       string
		poolName    string
		region      string
		provisioner string
	}{
		{"missing owner", "", "a", "europe", "proxmox"},
		{"missing name", testutil.TestOwnerID, " ", "europe", "proxmox"},
		{"long name", testutil.TestOwnerID, strings.Repeat("x", maxPoolNameLength+1), "europe", "proxmox"},
		{"bad region", testutil.TestOwnerID, "b", "atlantis", "proxmox"},
		{"bad provisioner", testutil.TestOwnerID, "c", "europe", "vmware"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pools.CreatePool(ctx, tt.owner, tt.poolName, tt.region, tt.provisioner)
			var invalid validationError
			require.ErrorAs(t, err, &invalid)
		})
	}

	_, err = f.pools.CreatePool(ctx, testutil.TestOwnerID, "eu-proxmox", "europe", "script")
	require.ErrorIs(t, err, ErrPoolNameTaken)
}

func TestPoolRegistryScopesByOwner(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	ctx := context.Background()
	pool, err := f.pools.CreatePool(ctx, testutil.TestOwnerID, "eu", "europe", "proxmox")
	require.NoError(t, err)

	_, err = f.pools.GetPool(ctx, testutil.TestOwnerIDAlt, pool.ID)
	require.ErrorIs(t, err, ErrPoolNotFound)
	name := "stolen"
	_, err = f.pools.UpdatePool(ctx, testutil.TestOwnerIDAlt, pool.ID, PoolUpdate{Name: &name})
	require.ErrorIs(t, err, ErrPoolNotFound)
	require.ErrorIs(t, f.pools.DeletePool(ctx, testutil.TestOwnerIDAlt, pool.ID), ErrPoolNotFound)
	_, err = f.pools.ListPoolAgents(ctx, testutil.TestOwnerIDAlt, pool.ID)
	require.ErrorIs(t, err, ErrPoolNotFound)

	others, err := f.pools.ListPoolsWithStats(ctx, testutil.TestOwnerIDAlt)
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestPoolRegistryUpdateIsPartial(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	ctx := context.Background()
	pool, err := f.pools.CreatePool(ctx, testutil.TestOwnerID, "eu", "europe", "proxmox")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	region := "na"
	updated, err := f.pools.UpdatePool(ctx, testutil.TestOwnerID, pool.ID, PoolUpdate{Region: &region})
	require.NoError(t, err)
	assert.Equal(t, "eu", updated.Name)
	assert.Equal(t, regions.NorthAmerica, updated.Region)
	assert.Equal(t, models.ProvisionerProxmox, updated.ProvisionerType)
	assert.Equal(t, testutil.FixedTime.Add(time.Hour), updated.UpdatedAt)

	bad := "nowhere"
	_, err = f.pools.UpdatePool(ctx, testutil.TestOwnerID, pool.ID, PoolUpdate{Region: &bad})
	var invalid validationError
	require.ErrorAs(t, err, &invalid)
}

func TestPoolRegistryStats(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	f.seedPool(t)
	ctx := context.Background()

	f.register(t, testutil.TestPoolID, testutil.TestAgentID)
	f.register(t, testutil.TestPoolID, testutil.TestAgentIDAlt)
	require.NoError(t, f.store.RecordHeartbeat(ctx, models.AgentStatus{
		AgentID:         testutil.TestAgentID,
		LastHeartbeatAt: testutil.FixedTime.Add(-time.Minute),
	}))
	require.NoError(t, f.store.RecordHeartbeat(ctx, models.AgentStatus{
		AgentID:         testutil.TestAgentIDAlt,
		LastHeartbeatAt: testutil.FixedTime.Add(-time.Hour),
	}))
	require.NoError(t, f.store.CreateContract(ctx, testutil.NewTestContract(testutil.ContractOpts{
		ID:     "contract-active",
		Status: models.ContractActive,
	})))

	pools, err := f.pools.ListPoolsWithStats(ctx, testutil.TestOwnerID)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, models.PoolStats{
		AgentCount:      2,
		OnlineCount:     1,
		OfferingsCount:  1,
		ActiveContracts: 1,
	}, pools[0].Stats)

	agents, err := f.pools.ListPoolAgents(ctx, testutil.TestOwnerID, testutil.TestPoolID)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	online := map[string]bool{}
	for _, agent := range agents {
		require.NotNil(t, agent.Status)
		online[agent.Delegation.AgentID] = agent.Online
	}
	assert.Equal(t, map[string]bool{testutil.TestAgentID: true, testutil.TestAgentIDAlt: false}, online)
}

func TestPoolRegistryDeleteRequiresEmptyPool(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	f.seedPool(t)
	ctx := context.Background()
	f.register(t, testutil.TestPoolID, testutil.TestAgentID)

	require.ErrorIs(t, f.pools.DeletePool(ctx, testutil.TestOwnerID, testutil.TestPoolID), ErrPoolNotEmpty)

	changed, err := f.pools.RevokeAgent(ctx, testutil.TestOwnerID, testutil.TestAgentID)
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, f.pools.DeletePool(ctx, testutil.TestOwnerID, testutil.TestPoolID))
	_, err = f.pools.GetPool(ctx, testutil.TestOwnerID, testutil.TestPoolID)
	require.ErrorIs(t, err, ErrPoolNotFound)
}

func TestPoolRegistryRevokeAgent(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	f.seedPool(t)
	ctx := context.Background()
	recorder := &captureRecorder{}
	f.pools.WithEventRecorder(recorder)
	f.register(t, testutil.TestPoolID, testutil.TestAgentID)

	_, err := f.pools.RevokeAgent(ctx, testutil.TestOwnerIDAlt, testutil.TestAgentID)
	require.ErrorIs(t, err, ErrDelegationNotFound)

	changed, err := f.pools.RevokeAgent(ctx, testutil.TestOwnerID, testutil.TestAgentID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.pools.RevokeAgent(ctx, testutil.TestOwnerID, testutil.TestAgentID)
	require.NoError(t, err)
	assert.False(t, changed, "second revoke is a no-op")

	_, err = f.pools.RevokeAgent(ctx, testutil.TestOwnerID, "agent-unknown")
	require.ErrorIs(t, err, ErrDelegationNotFound)

	assert.Equal(t, []EventKind{EventKindAgentRevoked}, recorder.kinds)
	assert.Equal(t, testutil.TestPoolID, recorder.refs[0].PoolID)
}
