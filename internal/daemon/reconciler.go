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
)

// Reconciler compares an agent's running instances with contract state and
// tells the agent what to keep, terminate, or flag. It never writes.
type Reconciler struct {
	store   *db.Store
	metrics *Metrics
	logger  *log.Logger
	now     func() time.Time
	policy  matching.Policy
}

// NewReconciler constructs a reconciler.
func NewReconciler(store *db.Store, logger *log.Logger, metrics *Metrics, policy matching.Policy) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{
		store:   store,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		policy:  policy,
	}
}

// Reconcile returns a verdict for every reported instance. The agent must
// hold an active delegation; contracts whose offering its pool does not
// serve are reported as unknown.
func (r *Reconciler) Reconcile(ctx context.Context, agentID string, instances []models.RunningInstance) (models.ReconcileResult, error) {
	delegation, err := r.store.GetActiveDelegation(ctx, strings.TrimSpace(agentID))
	if errors.Is(err, ErrDelegationNotFound) {
		return models.ReconcileResult{}, ErrAgentNotDelegated
	}
	if err != nil {
		return models.ReconcileResult{}, err
	}

	ids := make([]string, 0, len(instances))
	for _, instance := range instances {
		if id := strings.TrimSpace(instance.ContractID); id != "" {
			ids = append(ids, id)
		}
	}
	contracts, err := r.store.GetContracts(ctx, ids)
	if err != nil {
		return models.ReconcileResult{}, err
	}

	pools, err := r.store.ListPoolsByOwner(ctx, delegation.OwnerID)
	if err != nil {
		return models.ReconcileResult{}, err
	}
	matcher := matching.New(pools)

	now := r.now().UTC()
	result := models.ReconcileResult{
		Keep:      []models.KeepVerdict{},
		Terminate: []models.TerminateVerdict{},
		Unknown:   []models.UnknownVerdict{},
	}
	for _, instance := range instances {
		externalID := strings.TrimSpace(instance.ExternalID)
		contractID := strings.TrimSpace(instance.ContractID)
		if contractID == "" {
			result.Unknown = append(result.Unknown, models.UnknownVerdict{
				ExternalID: externalID,
				Message:    "instance has no contract id",
			})
			continue
		}
		item, ok := contracts[contractID]
		if !ok || !matcher.Serves(delegation, item.Offering, r.policy) {
			result.Unknown = append(result.Unknown, models.UnknownVerdict{
				ExternalID: externalID,
				Message:    fmt.Sprintf("contract %s not found", contractID),
			})
			continue
		}
		verdict := classify(item.Contract, now)
		switch {
		case verdict == "":
			result.Keep = append(result.Keep, models.KeepVerdict{
				ExternalID: externalID,
				ContractID: contractID,
				EndsAt:     item.Contract.EndTimestamp,
			})
		default:
			result.Terminate = append(result.Terminate, models.TerminateVerdict{
				ExternalID: externalID,
				ContractID: contractID,
				Reason:     verdict,
			})
		}
	}
	r.metrics.AddReconcileVerdicts(result)
	if n := len(result.Terminate) + len(result.Unknown); n > 0 {
		r.logger.Printf("fleetd: reconcile agent=%s keep=%d terminate=%d unknown=%d",
			delegation.AgentID, len(result.Keep), len(result.Terminate), len(result.Unknown))
	}
	return result, nil
}

// classify returns the terminate reason for a contract, or "" to keep it.
// A contract under a live provisioning lock is always kept so a reconcile
// never races an in-flight provision.
func classify(contract models.Contract, now time.Time) models.TerminateReason {
	if contract.Lock.Live(now) {
		return ""
	}
	switch contract.Status {
	case models.ContractCancelled:
		return models.TerminateCancelled
	case models.ContractPaymentFailed:
		return models.TerminatePaymentFailed
	case models.ContractExpired, models.ContractTerminated, models.ContractTerminationFailed:
		return models.TerminateExpired
	}
	if contract.EndTimestamp != nil && contract.EndTimestamp.Before(now) {
		return models.TerminateExpired
	}
	return ""
}
