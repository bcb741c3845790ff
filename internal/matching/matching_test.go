package matching

import (
	"testing"
	"time"

	"github.com/fleetmarket/fleetd/internal/models"
	"github.com/fleetmarket/fleetd/internal/regions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pool(id, owner string, region regions.ID, typ models.ProvisionerType, age time.Duration) models.AgentPool {
	return models.AgentPool{
		ID:              id,
		OwnerID:         owner,
		Name:            id,
		Region:          region,
		ProvisionerType: typ,
		CreatedAt:       base.Add(-age),
	}
}

func strPtr(value string) *string {
	return &value
}

func TestResolvePoolExplicitOverrideWins(t *testing.T) {
	pools := []models.AgentPool{
		pool("p1", "owner", regions.AsiaPacific, models.ProvisionerProxmox, time.Hour),
		pool("p2", "owner", regions.Europe, models.ProvisionerProxmox, 2*time.Hour),
	}
	offering := models.Offering{
		ID:                "off-1",
		OwnerID:           "owner",
		DatacenterCountry: "DE",
		ProvisionerType:   models.ProvisionerProxmox,
		AgentPoolID:       strPtr("p1"),
	}
	got, ok := ResolvePool(offering, pools)
	require.True(t, ok)
	assert.Equal(t, "p1", got)
}

func TestResolvePoolExplicitOverrideReturnedVerbatim(t *testing.T) {
	offering := models.Offering{OwnerID: "owner", DatacenterCountry: "DE", AgentPoolID: strPtr("pool-gone")}
	got, ok := ResolvePool(offering, nil)
	require.True(t, ok)
	assert.Equal(t, "pool-gone", got)
}

func TestResolvePoolByCountry(t *testing.T) {
	pools := []models.AgentPool{
		pool("eu-script", "owner", regions.Europe, models.ProvisionerScript, 3*time.Hour),
		pool("eu-pve-new", "owner", regions.Europe, models.ProvisionerProxmox, time.Hour),
		pool("eu-pve-old", "owner", regions.Europe, models.ProvisionerProxmox, 2*time.Hour),
		pool("na-pve", "owner", regions.NorthAmerica, models.ProvisionerProxmox, 4*time.Hour),
		pool("other-eu", "someone-else", regions.Europe, models.ProvisionerProxmox, 10*time.Hour),
	}

	tests := []struct {
		name     string
		offering models.Offering
		want     string
		ok       bool
	}{
		{
			name:     "oldest matching pool wins",
			offering: models.Offering{OwnerID: "owner", DatacenterCountry: "fr", ProvisionerType: models.ProvisionerProxmox},
			want:     "eu-pve-old",
			ok:       true,
		},
		{
			name:     "provisioner type narrows",
			offering: models.Offering{OwnerID: "owner", DatacenterCountry: "FR", ProvisionerType: models.ProvisionerScript},
			want:     "eu-script",
			ok:       true,
		},
		{
			name:     "empty provisioner type matches any",
			offering: models.Offering{OwnerID: "owner", DatacenterCountry: "FR"},
			want:     "eu-script",
			ok:       true,
		},
		{
			name:     "other region",
			offering: models.Offering{OwnerID: "owner", DatacenterCountry: "US", ProvisionerType: models.ProvisionerProxmox},
			want:     "na-pve",
			ok:       true,
		},
		{
			name:     "no pool in region",
			offering: models.Offering{OwnerID: "owner", DatacenterCountry: "JP", ProvisionerType: models.ProvisionerProxmox},
			ok:       false,
		},
		{
			name:     "no pool with type",
			offering: models.Offering{OwnerID: "owner", DatacenterCountry: "DE", ProvisionerType: models.ProvisionerHetzner},
			ok:       false,
		},
		{
			name:     "pools of other owners ignored",
			offering: models.Offering{OwnerID: "nobody", DatacenterCountry: "DE"},
			ok:       false,
		},
		{
			name:     "blank explicit pool falls back to country",
			offering: models.Offering{OwnerID: "owner", DatacenterCountry: "US", AgentPoolID: strPtr("  ")},
			want:     "na-pve",
			ok:       true,
		},
	}
	matcher := New(pools)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := matcher.Resolve(tt.offering)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolvePoolUnknownCountryUsesGlobalPool(t *testing.T) {
	pools := []models.AgentPool{
		pool("eu", "owner", regions.Europe, models.ProvisionerProxmox, time.Hour),
		pool("anywhere", "owner", regions.Global, models.ProvisionerProxmox, time.Hour),
	}
	got, ok := ResolvePool(models.Offering{OwnerID: "owner", DatacenterCountry: "XX"}, pools)
	require.True(t, ok)
	assert.Equal(t, "anywhere", got)

	_, ok = ResolvePool(models.Offering{OwnerID: "owner", DatacenterCountry: "XX"}, pools[:1])
	assert.False(t, ok)
}

func TestServes(t *testing.T) {
	matcher := New([]models.AgentPool{
		pool("eu", "owner", regions.Europe, models.ProvisionerProxmox, time.Hour),
		pool("na", "owner", regions.NorthAmerica, models.ProvisionerProxmox, time.Hour),
	})
	euOffering := models.Offering{OwnerID: "owner", DatacenterCountry: "DE"}
	revokedAt := base

	inPool := models.AgentDelegation{AgentID: "a1", OwnerID: "owner", PoolID: strPtr("eu")}
	otherPool := models.AgentDelegation{AgentID: "a2", OwnerID: "owner", PoolID: strPtr("na")}
	revoked := models.AgentDelegation{AgentID: "a3", OwnerID: "owner", PoolID: strPtr("eu"), RevokedAt: &revokedAt}
	legacy := models.AgentDelegation{AgentID: "a4", OwnerID: "owner"}
	foreign := models.AgentDelegation{AgentID: "a5", OwnerID: "other", PoolID: strPtr("eu")}

	strict := Policy{}
	lenient := Policy{AllowUnpooledAgents: true}

	assert.True(t, matcher.Serves(inPool, euOffering, strict))
	assert.False(t, matcher.Serves(otherPool, euOffering, strict))
	assert.False(t, matcher.Serves(revoked, euOffering, lenient))
	assert.False(t, matcher.Serves(legacy, euOffering, strict))
	assert.True(t, matcher.Serves(legacy, euOffering, lenient))
	assert.False(t, matcher.Serves(foreign, euOffering, lenient))
}

func TestClaimable(t *testing.T) {
	matcher := New([]models.AgentPool{
		pool("eu", "owner", regions.Europe, models.ProvisionerProxmox, time.Hour),
	})
	euOffering := models.Offering{ID: "off-eu", OwnerID: "owner", DatacenterCountry: "DE"}
	usOffering := models.Offering{ID: "off-us", OwnerID: "owner", DatacenterCountry: "US"}
	agent := models.AgentDelegation{AgentID: "agent-a", OwnerID: "owner", PoolID: strPtr("eu")}

	live := models.ProvisioningLock{AgentID: "agent-b", AcquiredAt: base, ExpiresAt: base.Add(5 * time.Minute)}
	stale := models.ProvisioningLock{AgentID: "agent-b", AcquiredAt: base.Add(-time.Hour), ExpiresAt: base.Add(-time.Minute)}
	own := models.ProvisioningLock{AgentID: "agent-a", AcquiredAt: base, ExpiresAt: base.Add(5 * time.Minute)}

	candidates := []models.ContractWithOffering{
		{Contract: models.Contract{ID: "free", Status: models.ContractAccepted}, Offering: euOffering},
		{Contract: models.Contract{ID: "locked", Status: models.ContractAccepted, Lock: live}, Offering: euOffering},
		{Contract: models.Contract{ID: "stale", Status: models.ContractProvisioning, Lock: stale}, Offering: euOffering},
		{Contract: models.Contract{ID: "mine", Status: models.ContractProvisioning, Lock: own}, Offering: euOffering},
		{Contract: models.Contract{ID: "done", Status: models.ContractProvisioned}, Offering: euOffering},
		{Contract: models.Contract{ID: "requested", Status: models.ContractRequested}, Offering: euOffering},
		{Contract: models.Contract{ID: "elsewhere", Status: models.ContractAccepted}, Offering: usOffering},
	}

	got := matcher.Claimable(agent, candidates, Policy{}, base)
	assert.Equal(t, []string{"free", "stale", "mine"}, got)
}

func TestCountByPool(t *testing.T) {
	matcher := New([]models.AgentPool{
		pool("eu", "owner", regions.Europe, models.ProvisionerProxmox, time.Hour),
		pool("na", "owner", regions.NorthAmerica, models.ProvisionerProxmox, time.Hour),
	})
	counts := matcher.CountByPool([]models.Offering{
		{OwnerID: "owner", DatacenterCountry: "DE"},
		{OwnerID: "owner", DatacenterCountry: "FR"},
		{OwnerID: "owner", DatacenterCountry: "DE", AgentPoolID: strPtr("na")},
		{OwnerID: "owner", DatacenterCountry: "JP"},
	})
	assert.Equal(t, map[string]int{"eu": 2, "na": 1}, counts)
}
