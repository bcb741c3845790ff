package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fleetmarket/fleetd/internal/db"
	"github.com/fleetmarket/fleetd/internal/matching"
	"github.com/fleetmarket/fleetd/internal/models"
	"github.com/fleetmarket/fleetd/internal/secrets"
)

const (
	defaultLockTTL        = 5 * time.Minute
	maxFailureReasonBytes = 1024
)

// LockManagerConfig controls lease duration and unpooled-agent routing.
type LockManagerConfig struct {
	TTL    time.Duration
	Policy matching.Policy
}

// LockManager grants and settles provisioning locks for delegated agents.
type LockManager struct {
	store   *db.Store
	events  EventRecorder
	metrics *Metrics
	sealer  *secrets.Sealer
	logger  *log.Logger
	now     func() time.Time
	ttl     time.Duration
	policy  matching.Policy
}

// NewLockManager constructs a lock manager. A non-positive TTL selects the
// five minute default.
func NewLockManager(store *db.Store, logger *log.Logger, metrics *Metrics, cfg LockManagerConfig) *LockManager {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultLockTTL
	}
	return &LockManager{
		store:   store,
		events:  NewStoreEventRecorder(store),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		ttl:     cfg.TTL,
		policy:  cfg.Policy,
	}
}

// WithSealer encrypts instance details before they are stored.
func (m *LockManager) WithSealer(sealer *secrets.Sealer) *LockManager {
	if m == nil {
		return m
	}
	m.sealer = sealer
	return m
}

// WithEventRecorder overrides the audit sink.
func (m *LockManager) WithEventRecorder(recorder EventRecorder) *LockManager {
	if m == nil {
		return m
	}
	m.events = recorder
	return m
}

// TTL reports the lease duration granted on acquisition.
func (m *LockManager) TTL() time.Duration {
	return m.ttl
}

// Claimable lists the contracts agentID may lock right now. Unknown and
// revoked agents get an empty list.
func (m *LockManager) Claimable(ctx context.Context, agentID string) ([]string, error) {
	delegation, err := m.store.GetActiveDelegation(ctx, strings.TrimSpace(agentID))
	if errors.Is(err, ErrDelegationNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	candidates, err := m.store.ListLockCandidates(ctx, delegation.OwnerID, delegation.AgentID, now)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []string{}, nil
	}
	pools, err := m.store.ListPoolsByOwner(ctx, delegation.OwnerID)
	if err != nil {
		return nil, err
	}
	ids := matching.New(pools).Claimable(delegation, candidates, m.policy, now)
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Acquire takes or extends the provisioning lock on a contract. The agent
// must be delegated to the owner of the contract's offering and its pool
// must serve the offering.
func (m *LockManager) Acquire(ctx context.Context, contractID, agentID string) (models.ProvisioningLock, error) {
	contractID = strings.TrimSpace(contractID)
	agentID = strings.TrimSpace(agentID)
	if err := m.checkEligible(ctx, contractID, agentID); err != nil {
		if errors.Is(err, ErrAgentNotDelegated) {
			m.metrics.IncLockAcquire("not_delegated")
		}
		return models.ProvisioningLock{}, err
	}
	lock, err := m.store.AcquireProvisioningLock(ctx, contractID, agentID, m.now().UTC(), m.ttl)
	if err != nil {
		switch {
		case errors.Is(err, ErrLockConflict):
			m.metrics.IncLockAcquire("conflict")
		case errors.Is(err, ErrContractNotLockable):
			m.metrics.IncLockAcquire("not_lockable")
		case errors.Is(err, ErrContractNotFound):
			m.metrics.IncLockAcquire("not_found")
		default:
			m.metrics.IncLockAcquire("error")
		}
		return models.ProvisioningLock{}, err
	}
	m.metrics.IncLockAcquire("ok")
	m.emit(ctx, EventKindLockAcquired, db.EventRefs{ContractID: contractID, AgentID: agentID}, "provisioning lock acquired", map[string]string{
		"expires_at": formatAPITime(lock.ExpiresAt),
	})
	return lock, nil
}

// Release drops a lock early. Only the recorded holder may release it,
// even after expiry.
func (m *LockManager) Release(ctx context.Context, contractID, agentID string) error {
	contractID = strings.TrimSpace(contractID)
	agentID = strings.TrimSpace(agentID)
	now := m.now().UTC()
	acquiredAt, err := m.store.ReleaseProvisioningLock(ctx, contractID, agentID, now)
	if err != nil {
		m.notHolder(ctx, "release", contractID, agentID, err)
		return err
	}
	held := heldFor(acquiredAt, now)
	m.metrics.ObserveLockRelease("release", held)
	m.emit(ctx, EventKindLockReleased, db.EventRefs{ContractID: contractID, AgentID: agentID}, "provisioning lock released", map[string]int64{
		"held_ms": held.Milliseconds(),
	})
	return nil
}

// ReportProvisioned records a successful provision by the lock holder and
// moves the contract to provisioned.
func (m *LockManager) ReportProvisioned(ctx context.Context, contractID, agentID string, instanceDetails []byte) error {
	contractID = strings.TrimSpace(contractID)
	agentID = strings.TrimSpace(agentID)
	details, err := m.sealer.Seal(instanceDetails)
	if err != nil {
		return fmt.Errorf("seal instance details for %s: %w", contractID, err)
	}
	now := m.now().UTC()
	acquiredAt, err := m.store.CompleteProvisioning(ctx, contractID, agentID, details, now)
	if err != nil {
		m.notHolder(ctx, "provisioned", contractID, agentID, err)
		return err
	}
	held := heldFor(acquiredAt, now)
	m.metrics.ObserveLockRelease("provisioned", held)
	m.metrics.IncContractStatus(models.ContractProvisioned)
	payload := map[string]any{"held_ms": held.Milliseconds()}
	if m.sealer.Enabled() && len(details) > 0 {
		payload["sealed"] = true
	}
	m.emit(ctx, EventKindContractProvisioned, db.EventRefs{ContractID: contractID, AgentID: agentID}, "contract provisioned", payload)
	m.logf("fleetd: contract %s provisioned by %s", contractID, agentID)
	return nil
}

// ReportFailed records a failed provision by the lock holder. The contract
// returns to accepted so another attempt can claim it.
func (m *LockManager) ReportFailed(ctx context.Context, contractID, agentID, reason string) error {
	contractID = strings.TrimSpace(contractID)
	agentID = strings.TrimSpace(agentID)
	reason = truncateReason(strings.TrimSpace(reason))
	now := m.now().UTC()
	acquiredAt, err := m.store.FailProvisioning(ctx, contractID, agentID, reason, now)
	if err != nil {
		m.notHolder(ctx, "failed", contractID, agentID, err)
		return err
	}
	held := heldFor(acquiredAt, now)
	m.metrics.ObserveLockRelease("failed", held)
	m.metrics.IncContractStatus(models.ContractAccepted)
	payload := map[string]any{"held_ms": held.Milliseconds()}
	if reason != "" {
		payload["reason"] = reason
	}
	m.emit(ctx, EventKindContractProvisionFail, db.EventRefs{ContractID: contractID, AgentID: agentID}, "contract provisioning failed", payload)
	m.logf("fleetd: contract %s provisioning failed on %s: %s", contractID, agentID, reason)
	return nil
}

func (m *LockManager) checkEligible(ctx context.Context, contractID, agentID string) error {
	if contractID == "" {
		return invalidInput("contract id is required")
	}
	delegation, err := m.store.GetActiveDelegation(ctx, agentID)
	if errors.Is(err, ErrDelegationNotFound) {
		return ErrAgentNotDelegated
	}
	if err != nil {
		return err
	}
	contract, err := m.store.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	pools, err := m.store.ListPoolsByOwner(ctx, delegation.OwnerID)
	if err != nil {
		return err
	}
	if !matching.New(pools).Serves(delegation, contract.Offering, m.policy) {
		return ErrAgentNotDelegated
	}
	return nil
}

func (m *LockManager) notHolder(ctx context.Context, op, contractID, agentID string, err error) {
	if !errors.Is(err, ErrNotLockHolder) {
		return
	}
	m.metrics.IncLockNotHolder(op)
	m.logf("fleetd: warning: agent %s is not the lock holder of contract %s (op=%s)", agentID, contractID, op)
	m.emit(ctx, EventKindLockNotHolder, db.EventRefs{ContractID: contractID, AgentID: agentID}, "caller is not the lock holder", map[string]string{
		"op": op,
	})
}

func (m *LockManager) emit(ctx context.Context, kind EventKind, refs db.EventRefs, msg string, payload any) {
	if err := emitEvent(ctx, m.events, kind, refs, msg, payload); err != nil {
		m.logf("fleetd: record %s event: %v", kind, err)
	}
}

func (m *LockManager) logf(format string, args ...any) {
	if m == nil || m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func heldFor(acquiredAt, now time.Time) time.Duration {
	if acquiredAt.IsZero() || now.Before(acquiredAt) {
		return 0
	}
	return now.Sub(acquiredAt)
}

func truncateReason(reason string) string {
	if len(reason) <= maxFailureReasonBytes {
		return reason
	}
	return strings.ToValidUTF8(reason[:maxFailureReasonBytes], "")
}
