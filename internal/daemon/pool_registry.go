package daemon

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetmarket/fleetd/internal/db"
	"github.com/fleetmarket/fleetd/internal/matching"
	"github.com/fleetmarket/fleetd/internal/models"
	"github.com/fleetmarket/fleetd/internal/regions"
)

const (
	poolIDPrefix        = "pool_"
	defaultOnlineWindow = 5 * time.Minute
	maxPoolNameLength   = 64
)

// PoolUpdate carries the optional fields of a partial pool update.
type PoolUpdate struct {
	Name            *string
	Region          *string
	ProvisionerType *string
}

// PoolAgent is an active delegation of a pool with its heartbeat state.
type PoolAgent struct {
	Delegation models.AgentDelegation
	Status     *models.AgentStatus
	Online     bool
}

// PoolRegistry manages owner-scoped agent pools and their delegations.
type PoolRegistry struct {
	store        *db.Store
	events       EventRecorder
	logger       *log.Logger
	now          func() time.Time
	newID        func() string
	onlineWindow time.Duration
}

// NewPoolRegistry constructs a registry. A non-positive onlineWindow falls
// back to five minutes.
func NewPoolRegistry(store *db.Store, logger *log.Logger, onlineWindow time.Duration) *PoolRegistry {
	if logger == nil {
		logger = log.Default()
	}
	if onlineWindow <= 0 {
		onlineWindow = defaultOnlineWindow
	}
	return &PoolRegistry{
		store:        store,
		events:       NewStoreEventRecorder(store),
		logger:       logger,
		now:          time.Now,
		newID:        func() string { return poolIDPrefix + uuid.NewString() },
		onlineWindow: onlineWindow,
	}
}

// WithEventRecorder overrides the audit sink.
func (r *PoolRegistry) WithEventRecorder(recorder EventRecorder) *PoolRegistry {
	if r == nil {
		return r
	}
	r.events = recorder
	return r
}

// CreatePool registers a new pool for owner.
func (r *PoolRegistry) CreatePool(ctx context.Context, ownerID, name, region, provisioner string) (models.AgentPool, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return models.AgentPool{}, invalidInput("owner id is required")
	}
	name, err := normalizePoolName(name)
	if err != nil {
		return models.AgentPool{}, err
	}
	regionID, err := parsePoolRegion(region)
	if err != nil {
		return models.AgentPool{}, err
	}
	provisionerType, err := parsePoolProvisioner(provisioner)
	if err != nil {
		return models.AgentPool{}, err
	}
	now := r.now().UTC()
	pool := models.AgentPool{
		ID:              r.newID(),
		OwnerID:         ownerID,
		Name:            name,
		Region:          regionID,
		ProvisionerType: provisionerType,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.CreatePool(ctx, pool); err != nil {
		return models.AgentPool{}, err
	}
	r.emit(ctx, EventKindPoolCreated, db.EventRefs{PoolID: pool.ID}, "pool created", map[string]string{
		"owner_id":         pool.OwnerID,
		"name":             pool.Name,
		"region":           string(pool.Region),
		"provisioner_type": string(pool.ProvisionerType),
	})
	r.logf("fleetd: pool %s created owner=%s region=%s provisioner=%s", pool.ID, pool.OwnerID, pool.Region, pool.ProvisionerType)
	return pool, nil
}

// GetPool returns a pool owned by ownerID. Pools of other owners are
// reported as not found.
func (r *PoolRegistry) GetPool(ctx context.Context, ownerID, poolID string) (models.AgentPool, error) {
	pool, err := r.store.GetPool(ctx, strings.TrimSpace(poolID))
	if err != nil {
		return models.AgentPool{}, err
	}
	if pool.OwnerID != strings.TrimSpace(ownerID) {
		return models.AgentPool{}, ErrPoolNotFound
	}
	return pool, nil
}

// ListPoolsWithStats returns the owner's pools with live counters.
func (r *PoolRegistry) ListPoolsWithStats(ctx context.Context, ownerID string) ([]models.PoolWithStats, error) {
	ownerID = strings.TrimSpace(ownerID)
	pools, err := r.store.ListPoolsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if len(pools) == 0 {
		return []models.PoolWithStats{}, nil
	}
	now := r.now().UTC()
	agentCounts, err := r.store.CountPoolAgents(ctx, ownerID, now.Add(-r.onlineWindow))
	if err != nil {
		return nil, err
	}
	offerings, err := r.store.ListOfferingsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	activeByOffering, err := r.store.CountActiveContractsByOffering(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	matcher := matching.New(pools)
	offeringCounts := matcher.CountByPool(offerings)
	activeByPool := make(map[string]int)
	for _, offering := range offerings {
		active := activeByOffering[offering.ID]
		if active == 0 {
			continue
		}
		if poolID, ok := matcher.Resolve(offering); ok {
			activeByPool[poolID] += active
		}
	}

	out := make([]models.PoolWithStats, 0, len(pools))
	for _, pool := range pools {
		counts := agentCounts[pool.ID]
		out = append(out, models.PoolWithStats{
			Pool: pool,
			Stats: models.PoolStats{
				AgentCount:      counts.Agents,
				OnlineCount:     counts.Online,
				OfferingsCount:  offeringCounts[pool.ID],
				ActiveContracts: activeByPool[pool.ID],
			},
		})
	}
	return out, nil
}

// UpdatePool applies a partial update. Omitted fields keep their value.
func (r *PoolRegistry) UpdatePool(ctx context.Context, ownerID, poolID string, update PoolUpdate) (models.AgentPool, error) {
	pool, err := r.GetPool(ctx, ownerID, poolID)
	if err != nil {
		return models.AgentPool{}, err
	}
	if update.Name != nil {
		if pool.Name, err = normalizePoolName(*update.Name); err != nil {
			return models.AgentPool{}, err
		}
	}
	if update.Region != nil {
		if pool.Region, err = parsePoolRegion(*update.Region); err != nil {
			return models.AgentPool{}, err
		}
	}
	if update.ProvisionerType != nil {
		if pool.ProvisionerType, err = parsePoolProvisioner(*update.ProvisionerType); err != nil {
			return models.AgentPool{}, err
		}
	}
	pool.UpdatedAt = r.now().UTC()
	if err := r.store.UpdatePool(ctx, pool); err != nil {
		return models.AgentPool{}, err
	}
	r.emit(ctx, EventKindPoolUpdated, db.EventRefs{PoolID: pool.ID}, "pool updated", map[string]string{
		"name":             pool.Name,
		"region":           string(pool.Region),
		"provisioner_type": string(pool.ProvisionerType),
	})
	return pool, nil
}

// DeletePool removes an empty pool.
func (r *PoolRegistry) DeletePool(ctx context.Context, ownerID, poolID string) error {
	pool, err := r.GetPool(ctx, ownerID, poolID)
	if err != nil {
		return err
	}
	if err := r.store.DeletePool(ctx, pool.ID); err != nil {
		return err
	}
	r.emit(ctx, EventKindPoolDeleted, db.EventRefs{PoolID: pool.ID}, "pool deleted", map[string]string{
		"owner_id": pool.OwnerID,
	})
	r.logf("fleetd: pool %s deleted owner=%s", pool.ID, pool.OwnerID)
	return nil
}

// ListPoolAgents returns the active delegations of a pool with their
// online state.
func (r *PoolRegistry) ListPoolAgents(ctx context.Context, ownerID, poolID string) ([]PoolAgent, error) {
	pool, err := r.GetPool(ctx, ownerID, poolID)
	if err != nil {
		return nil, err
	}
	delegations, statuses, err := r.store.ListPoolDelegations(ctx, pool.ID)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	out := make([]PoolAgent, 0, len(delegations))
	for _, delegation := range delegations {
		agent := PoolAgent{Delegation: delegation}
		if status, ok := statuses[delegation.AgentID]; ok {
			status := status
			agent.Status = &status
			agent.Online = status.Online(now, r.onlineWindow)
		}
		out = append(out, agent)
	}
	return out, nil
}

// RevokeAgent revokes an agent's delegation. Revoking an already revoked
// agent succeeds; the returned bool reports whether anything changed.
// Agents delegated to another owner are reported as not found.
func (r *PoolRegistry) RevokeAgent(ctx context.Context, ownerID, agentID string) (bool, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return false, invalidInput("agent id is required")
	}
	latest, err := r.store.LatestDelegation(ctx, agentID)
	if err != nil {
		return false, err
	}
	if latest.OwnerID != strings.TrimSpace(ownerID) {
		return false, ErrDelegationNotFound
	}
	changed, err := r.store.RevokeDelegation(ctx, agentID, r.now().UTC())
	if err != nil {
		return false, err
	}
	if changed {
		refs := db.EventRefs{AgentID: agentID}
		if latest.PoolID != nil {
			refs.PoolID = *latest.PoolID
		}
		r.emit(ctx, EventKindAgentRevoked, refs, "agent revoked", map[string]string{"owner_id": latest.OwnerID})
		r.logf("fleetd: agent %s revoked owner=%s", agentID, latest.OwnerID)
	}
	return changed, nil
}

func (r *PoolRegistry) emit(ctx context.Context, kind EventKind, refs db.EventRefs, msg string, payload any) {
	if err := emitEvent(ctx, r.events, kind, refs, msg, payload); err != nil {
		r.logf("fleetd: record %s event: %v", kind, err)
	}
}

func (r *PoolRegistry) logf(format string, args ...any) {
	if r == nil || r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

func normalizePoolName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalidInput("name is required")
	}
	if len(name) > maxPoolNameLength {
		return "", invalidInput(fmt.Sprintf("name must be at most %d characters", maxPoolNameLength))
	}
	return name, nil
}

func parsePoolRegion(value string) (regions.ID, error) {
	id, ok := regions.Parse(value)
	if !ok {
		return "", invalidInput(fmt.Sprintf("unknown region %q", strings.TrimSpace(value)))
	}
	return id, nil
}

func parsePoolProvisioner(value string) (models.ProvisionerType, error) {
	provisioner, err := models.ParseProvisionerType(value)
	if err != nil {
		return "", invalidInput(err.Error())
	}
	return provisioner, nil
}
