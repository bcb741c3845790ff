// Package matching routes offerings to agent pools.
//
// Routing is deterministic: an explicit pool on the offering always wins;
// otherwise the offering's datacenter country is classified into a region
// and the owner's first pool (oldest first, then by id) with that region and
// provisioner type is chosen. An offering that resolves to no pool is never
// claimable; that is not an error.
package matching

import (
	"sort"
	"strings"
	"time"

	"github.com/fleetmarket/fleetd/internal/models"
	"github.com/fleetmarket/fleetd/internal/regions"
)

// Matcher resolves offerings against a fixed snapshot of pools.
type Matcher struct {
	byOwner map[string][]models.AgentPool
}

// New indexes pools by owner in resolution order.
func New(pools []models.AgentPool) *Matcher {
	byOwner := make(map[string][]models.AgentPool)
	for _, pool := range pools {
		byOwner[pool.OwnerID] = append(byOwner[pool.OwnerID], pool)
	}
	for owner := range byOwner {
		list := byOwner[owner]
		sort.SliceStable(list, func(i, j int) bool {
			if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
				return list[i].CreatedAt.Before(list[j].CreatedAt)
			}
			return list[i].ID < list[j].ID
		})
	}
	return &Matcher{byOwner: byOwner}
}

// ResolvePool is a one-shot convenience over New(pools).Resolve(offering).
func ResolvePool(offering models.Offering, pools []models.AgentPool) (string, bool) {
	return New(pools).Resolve(offering)
}

// Resolve returns the pool that serves offering, if any.
//
// An explicit AgentPoolID is returned verbatim even when the pool's region
// disagrees with the offering's country. An empty provisioner type on the
// offering matches pools of any type.
func (m *Matcher) Resolve(offering models.Offering) (string, bool) {
	if offering.AgentPoolID != nil {
		if explicit := strings.TrimSpace(*offering.AgentPoolID); explicit != "" {
			return explicit, true
		}
	}
	if m == nil {
		return "", false
	}
	region := regions.CountryToRegion(offering.DatacenterCountry)
	for _, pool := range m.byOwner[offering.OwnerID] {
		if pool.Region != region {
			continue
		}
		if offering.ProvisionerType != "" && pool.ProvisionerType != offering.ProvisionerType {
			continue
		}
		return pool.ID, true
	}
	return "", false
}

// Policy controls how agents without a pool are treated.
type Policy struct {
	// AllowUnpooledAgents lets legacy delegations without a pool see every
	// contract of their owner. Compatibility shim; slated for removal once
	// all agents register through setup tokens.
	AllowUnpooledAgents bool
}

// Serves reports whether the agent behind delegation may work on contracts
// of offering.
func (m *Matcher) Serves(delegation models.AgentDelegation, offering models.Offering, policy Policy) bool {
	if !delegation.Active() {
		return false
	}
	if delegation.OwnerID != offering.OwnerID {
		return false
	}
	if delegation.PoolID == nil {
		return policy.AllowUnpooledAgents
	}
	poolID, ok := m.Resolve(offering)
	return ok && poolID == *delegation.PoolID
}

// Claimable returns the ids of candidates the delegated agent may lock at
// now. A lock already held by the same agent does not exclude a contract.
func (m *Matcher) Claimable(delegation models.AgentDelegation, candidates []models.ContractWithOffering, policy Policy, now time.Time) []string {
	var out []string
	for _, candidate := range candidates {
		contract := candidate.Contract
		if !contract.Status.Lockable() {
			continue
		}
		if contract.Lock.Live(now) && contract.Lock.AgentID != delegation.AgentID {
			continue
		}
		if !m.Serves(delegation, candidate.Offering, policy) {
			continue
		}
		out = append(out, contract.ID)
	}
	return out
}

// CountByPool returns how many offerings resolve to each pool.
func (m *Matcher) CountByPool(offerings []models.Offering) map[string]int {
	counts := make(map[string]int)
	for _, offering := range offerings {
		if poolID, ok := m.Resolve(offering); ok {
			counts[poolID]++
		}
	}
	return counts
}
