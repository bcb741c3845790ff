package daemon

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fleetmarket/fleetd/internal/db"
)

const defaultSweepInterval = time.Minute

// LockSweeper clears expired provisioning locks so abandoned contracts
// become claimable again.
type LockSweeper struct {
	store    *db.Store
	events   EventRecorder
	metrics  *Metrics
	logger   *log.Logger
	now      func() time.Time
	interval time.Duration
	mu       sync.Mutex
}

// NewLockSweeper constructs a sweeper. A non-positive interval selects one
// minute.
func NewLockSweeper(store *db.Store, logger *log.Logger, metrics *Metrics, interval time.Duration) *LockSweeper {
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &LockSweeper{
		store:    store,
		events:   NewStoreEventRecorder(store),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		interval: interval,
	}
}

// WithEventRecorder overrides the audit sink.
func (s *LockSweeper) WithEventRecorder(recorder EventRecorder) *LockSweeper {
	if s == nil {
		return s
	}
	s.events = recorder
	return s
}

// Start sweeps once, then on every interval until ctx is canceled.
func (s *LockSweeper) Start(ctx context.Context) {
	if s == nil || s.store == nil {
		return
	}
	s.Sweep(ctx)
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one pass and returns the cleared locks. Errors are logged and
// counted; the next pass retries.
func (s *LockSweeper) Sweep(ctx context.Context) []db.ExpiredLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleared, err := s.store.ClearExpiredProvisioningLocks(ctx, s.now().UTC())
	s.metrics.ObserveSweep(len(cleared), err)
	if err != nil {
		if ctx.Err() == nil {
			s.logf("fleetd: lock sweep error: %v", err)
		}
		return nil
	}
	for _, item := range cleared {
		refs := db.EventRefs{ContractID: item.ContractID, AgentID: item.AgentID}
		if err := emitEvent(ctx, s.events, EventKindLockExpired, refs, "expired provisioning lock cleared", map[string]string{
			"expires_at": formatAPITime(item.ExpiresAt),
		}); err != nil {
			s.logf("fleetd: record %s event: %v", EventKindLockExpired, err)
		}
	}
	if len(cleared) > 0 {
		s.logf("fleetd: lock sweep cleared %d expired lock(s)", len(cleared))
	}
	return cleared
}

func (s *LockSweeper) logf(format string, args ...any) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
