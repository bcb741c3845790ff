package daemon

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetmarket/fleetd/internal/db"
)

const defaultJanitorSchedule = "@hourly"

// JanitorConfig controls the cleanup schedule and event retention. A zero
// EventRetention disables event pruning.
type JanitorConfig struct {
	Schedule       string
	EventRetention time.Duration
}

// Janitor garbage-collects expired setup tokens and old audit events on a
// cron schedule.
type Janitor struct {
	store   *db.Store
	metrics *Metrics
	logger  *log.Logger
	now     func() time.Time
	cfg     JanitorConfig
	mu      sync.Mutex
}

// JanitorReport summarizes one cleanup pass.
type JanitorReport struct {
	SetupTokens int64
	Events      int64
}

// NewJanitor constructs a janitor. The schedule is parsed up front.
func NewJanitor(store *db.Store, logger *log.Logger, metrics *Metrics, cfg JanitorConfig) (*Janitor, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultJanitorSchedule
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", cfg.Schedule, err)
	}
	return &Janitor{
		store:   store,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		cfg:     cfg,
	}, nil
}

// Start runs one pass immediately and then on the configured schedule. The
// scheduler stops when ctx is canceled.
func (j *Janitor) Start(ctx context.Context) error {
	if j == nil || j.store == nil {
		return nil
	}
	j.RunOnce(ctx)
	c := cron.New(cron.WithLogger(cron.PrintfLogger(j.logger)))
	if _, err := c.AddFunc(j.cfg.Schedule, func() { j.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// RunOnce performs a single cleanup pass. Failures of one job do not stop
// the other.
func (j *Janitor) RunOnce(ctx context.Context) JanitorReport {
	j.mu.Lock()
	defer j.mu.Unlock()
	var report JanitorReport
	if ctx.Err() != nil {
		return report
	}
	now := j.now().UTC()

	tokens, err := j.store.DeleteExpiredSetupTokens(ctx, now)
	if err != nil {
		j.logger.Printf("fleetd: janitor: delete expired setup tokens: %v", err)
	} else {
		report.SetupTokens = tokens
		j.metrics.AddJanitorDeleted("setup_tokens", tokens)
	}

	if j.cfg.EventRetention > 0 {
		events, err := j.store.DeleteEventsBefore(ctx, now.Add(-j.cfg.EventRetention))
		if err != nil {
			j.logger.Printf("fleetd: janitor: prune events: %v", err)
		} else {
			report.Events = events
			j.metrics.AddJanitorDeleted("events", events)
		}
	}

	if report.SetupTokens > 0 || report.Events > 0 {
		j.logger.Printf("fleetd: janitor removed %d setup token(s) and %d event(s)", report.SetupTokens, report.Events)
	}
	return report
}
