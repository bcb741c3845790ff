package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/fleetmarket/fleetd/internal/config"
	"github.com/fleetmarket/fleetd/internal/db"
	"github.com/fleetmarket/fleetd/internal/models"
	"github.com/fleetmarket/fleetd/internal/regions"
)

const (
	setupTokenPrefix     = "apt_"
	setupTokenRandBytes  = 16
	setupTokenHashPrefix = 12
	defaultSetupTokenTTL = 24 * time.Hour
	maxSetupTokenTTL     = 30 * 24 * time.Hour
)

// SetupTokenConfig controls token lifetimes and the location policy applied
// at redemption.
type SetupTokenConfig struct {
	DefaultTTL     time.Duration
	MaxTTL         time.Duration
	LocationPolicy config.LocationPolicy
}

// IssuedToken is returned exactly once; only its hash is stored.
type IssuedToken struct {
	Token     string
	PoolID    string
	ExpiresAt time.Time
}

// PendingToken describes an unused setup token without revealing it.
type PendingToken struct {
	HashPrefix string
	Label      string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// RedeemRequest is an agent's registration attempt.
type RedeemRequest struct {
	Token           string
	AgentID         string
	Label           string
	DetectedCountry string
	Force           bool
}

// RedeemResult is the outcome of a successful registration.
type RedeemResult struct {
	Pool       models.AgentPool
	Delegation models.AgentDelegation
	Warning    string
}

// SetupTokenIssuer issues and redeems one-time pool registration tokens.
type SetupTokenIssuer struct {
	store   *db.Store
	events  EventRecorder
	metrics *Metrics
	logger  *log.Logger
	now     func() time.Time
	rand    io.Reader
	cfg     SetupTokenConfig
}

// NewSetupTokenIssuer constructs an issuer with defaults for unset config.
func NewSetupTokenIssuer(store *db.Store, logger *log.Logger, metrics *Metrics, cfg SetupTokenConfig) *SetupTokenIssuer {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultSetupTokenTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = maxSetupTokenTTL
	}
	if cfg.MaxTTL < cfg.DefaultTTL {
		cfg.MaxTTL = cfg.DefaultTTL
	}
	if !cfg.LocationPolicy.Valid() {
		cfg.LocationPolicy = config.LocationPolicyRequireForce
	}
	return &SetupTokenIssuer{
		store:   store,
		events:  NewStoreEventRecorder(store),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		rand:    rand.Reader,
		cfg:     cfg,
	}
}

// WithEventRecorder overrides the audit sink.
func (s *SetupTokenIssuer) WithEventRecorder(recorder EventRecorder) *SetupTokenIssuer {
	if s == nil {
		return s
	}
	s.events = recorder
	return s
}

// Issue creates a token for a pool owned by ownerID. A non-positive ttl
// selects the default lifetime.
func (s *SetupTokenIssuer) Issue(ctx context.Context, ownerID, poolID, label string, ttl time.Duration) (IssuedToken, error) {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl > s.cfg.MaxTTL {
		return IssuedToken{}, invalidInput(fmt.Sprintf("ttl must be at most %d hours", int(s.cfg.MaxTTL/time.Hour)))
	}
	pool, err := s.store.GetPool(ctx, strings.TrimSpace(poolID))
	if err != nil {
		return IssuedToken{}, err
	}
	if pool.OwnerID != strings.TrimSpace(ownerID) {
		return IssuedToken{}, ErrPoolNotFound
	}
	token, err := s.generate(pool.Region)
	if err != nil {
		return IssuedToken{}, err
	}
	hash, err := db.HashSetupToken(token)
	if err != nil {
		return IssuedToken{}, err
	}
	now := s.now().UTC()
	record := models.SetupToken{
		TokenHash: hash,
		PoolID:    pool.ID,
		Label:     strings.TrimSpace(label),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.CreateSetupToken(ctx, record); err != nil {
		return IssuedToken{}, err
	}
	s.metrics.IncSetupTokenIssued()
	payload := map[string]string{
		"hash_prefix": hashPrefix(hash),
		"expires_at":  formatAPITime(record.ExpiresAt),
	}
	if record.Label != "" {
		payload["label"] = record.Label
	}
	s.emit(ctx, EventKindSetupTokenIssued, db.EventRefs{PoolID: pool.ID}, "setup token issued", payload)
	return IssuedToken{Token: token, PoolID: pool.ID, ExpiresAt: record.ExpiresAt}, nil
}

// ListPending returns the unused, unexpired tokens of an owned pool.
func (s *SetupTokenIssuer) ListPending(ctx context.Context, ownerID, poolID string) ([]PendingToken, error) {
	pool, err := s.store.GetPool(ctx, strings.TrimSpace(poolID))
	if err != nil {
		return nil, err
	}
	if pool.OwnerID != strings.TrimSpace(ownerID) {
		return nil, ErrPoolNotFound
	}
	tokens, err := s.store.ListPendingSetupTokens(ctx, pool.ID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	out := make([]PendingToken, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, PendingToken{
			HashPrefix: hashPrefix(token.TokenHash),
			Label:      token.Label,
			CreatedAt:  token.CreatedAt,
			ExpiresAt:  token.ExpiresAt,
		})
	}
	return out, nil
}

// Redeem consumes a token and delegates the agent to the token's pool.
//
// When the agent reports a known country whose region differs from the
// pool's, the location policy decides before the token is consumed, so a
// rejected attempt leaves the token usable. Global pools accept any country.
func (s *SetupTokenIssuer) Redeem(ctx context.Context, req RedeemRequest) (RedeemResult, error) {
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return RedeemResult{}, invalidInput("agent_id is required")
	}
	hash, err := db.HashSetupToken(req.Token)
	if err != nil {
		s.metrics.IncSetupTokenRedeem("invalid")
		return RedeemResult{}, ErrTokenInvalid
	}

	warning, err := s.checkLocation(ctx, hash, agentID, req)
	if err != nil {
		s.metrics.IncSetupTokenRedeem(redeemResultLabel(err))
		return RedeemResult{}, err
	}

	redemption, err := s.store.RedeemSetupToken(ctx, hash, agentID, req.Label, s.now().UTC())
	if err != nil {
		s.metrics.IncSetupTokenRedeem(redeemResultLabel(err))
		return RedeemResult{}, err
	}
	s.metrics.IncSetupTokenRedeem("ok")

	payload := map[string]any{
		"owner_id": redemption.Pool.OwnerID,
		"region":   string(redemption.Pool.Region),
	}
	if country := strings.ToUpper(strings.TrimSpace(req.DetectedCountry)); country != "" {
		payload["detected_country"] = country
	}
	if req.Force {
		payload["forced"] = true
	}
	s.emit(ctx, EventKindAgentRegistered, db.EventRefs{AgentID: agentID, PoolID: redemption.Pool.ID}, "agent registered", payload)
	s.logf("fleetd: agent %s registered pool=%s owner=%s", agentID, redemption.Pool.ID, redemption.Pool.OwnerID)
	return RedeemResult{Pool: redemption.Pool, Delegation: redemption.Delegation, Warning: warning}, nil
}

func (s *SetupTokenIssuer) checkLocation(ctx context.Context, hash, agentID string, req RedeemRequest) (string, error) {
	country := strings.ToUpper(strings.TrimSpace(req.DetectedCountry))
	if country == "" || !regions.IsKnownCountry(country) {
		return "", nil
	}
	token, err := s.store.LookupSetupToken(ctx, hash)
	if err != nil {
		// The redeem step reports the precise token error.
		if errors.Is(err, ErrTokenInvalid) {
			return "", nil
		}
		return "", err
	}
	// Spent tokens report their own state and never reach the pool.
	switch {
	case token.UsedAt != nil:
		return "", ErrTokenAlreadyUsed
	case !token.ExpiresAt.After(s.now().UTC()):
		return "", ErrTokenExpired
	}
	pool, err := s.store.GetPool(ctx, token.PoolID)
	if err != nil {
		if errors.Is(err, ErrPoolNotFound) {
			return "", nil
		}
		return "", err
	}
	detected := regions.CountryToRegion(country)
	if pool.Region == regions.Global || pool.Region == detected {
		return "", nil
	}

	allowed := false
	switch s.cfg.LocationPolicy {
	case config.LocationPolicyWarn:
		allowed = true
	case config.LocationPolicyRequireForce:
		allowed = req.Force
	}
	s.emit(ctx, EventKindAgentLocationMismatch, db.EventRefs{AgentID: agentID, PoolID: pool.ID}, "agent location mismatch", map[string]any{
		"detected_country": country,
		"detected_region":  string(detected),
		"pool_region":      string(pool.Region),
		"policy":           string(s.cfg.LocationPolicy),
		"allowed":          allowed,
	})
	msg := fmt.Sprintf("detected country %s is in region %s but pool %s serves %s", country, detected, pool.ID, pool.Region)
	if !allowed {
		s.logf("fleetd: agent %s setup rejected: %s", agentID, msg)
		if s.cfg.LocationPolicy == config.LocationPolicyRequireForce {
			return "", fmt.Errorf("%w: %s; retry with force to register anyway", ErrLocationMismatch, msg)
		}
		return "", fmt.Errorf("%w: %s", ErrLocationMismatch, msg)
	}
	s.logf("fleetd: agent %s setup warning: %s", agentID, msg)
	return msg, nil
}

func (s *SetupTokenIssuer) generate(region regions.ID) (string, error) {
	buf := make([]byte, setupTokenRandBytes)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return "", fmt.Errorf("generate setup token: %w", err)
	}
	return setupTokenPrefix + string(region) + "_" + hex.EncodeToString(buf), nil
}

func (s *SetupTokenIssuer) emit(ctx context.Context, kind EventKind, refs db.EventRefs, msg string, payload any) {
	if err := emitEvent(ctx, s.events, kind, refs, msg, payload); err != nil {
		s.logf("fleetd: record %s event: %v", kind, err)
	}
}

func (s *SetupTokenIssuer) logf(format string, args ...any) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func hashPrefix(hash string) string {
	if len(hash) <= setupTokenHashPrefix {
		return hash
	}
	return hash[:setupTokenHashPrefix]
}

func redeemResultLabel(err error) string {
	switch {
	case errors.Is(err, ErrTokenInvalid):
		return "invalid"
	case errors.Is(err, ErrTokenAlreadyUsed):
		return "used"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrAgentAlreadyDelegated):
		return "already_delegated"
	case errors.Is(err, ErrLocationMismatch):
		return "location_mismatch"
	default:
		return "error"
	}
}
