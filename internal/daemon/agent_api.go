package daemon

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/fleetmarket/fleetd/internal/db"
	"github.com/fleetmarket/fleetd/internal/models"
)

const (
	defaultHeartbeatInterval = time.Minute
	maxRunningInstances      = 10000
)

// AgentAPI serves the agent-facing surface: registration, heartbeats,
// claiming, lock settlement and reconciliation.
//
// The caller's agent identity is taken from the X-Fleet-Agent header, set by
// the authenticating gateway in front of the agent listener.
//
// Endpoints:
//   - POST   /v1/agents/setup               - Redeem a setup token
//   - POST   /v1/agents/heartbeat           - Report liveness
//   - GET    /v1/contracts/claimable        - List contracts the agent may lock
//   - POST   /v1/contracts/{id}/lock        - Acquire or extend a lock
//   - DELETE /v1/contracts/{id}/lock        - Release a lock
//   - POST   /v1/contracts/{id}/provisioned - Report a successful provision
//   - POST   /v1/contracts/{id}/failed      - Report a failed provision
//   - POST   /v1/reconcile                  - Reconcile running instances
type AgentAPI struct {
	store             *db.Store
	tokens            *SetupTokenIssuer
	locks             *LockManager
	reconciler        *Reconciler
	setupLimiter      *SetupRateLimiter
	logger            *log.Logger
	now               func() time.Time
	heartbeatInterval time.Duration
}

// NewAgentAPI creates the agent API.
func NewAgentAPI(store *db.Store, tokens *SetupTokenIssuer, locks *LockManager, reconciler *Reconciler, logger *log.Logger) *AgentAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &AgentAPI{
		store:             store,
		tokens:            tokens,
		locks:             locks,
		reconciler:        reconciler,
		logger:            logger,
		now:               time.Now,
		heartbeatInterval: defaultHeartbeatInterval,
	}
}

// WithSetupRateLimiter throttles setup attempts per remote address.
func (api *AgentAPI) WithSetupRateLimiter(limiter *SetupRateLimiter) *AgentAPI {
	if api == nil {
		return api
	}
	api.setupLimiter = limiter
	return api
}

// WithHeartbeatInterval sets the interval suggested to agents.
func (api *AgentAPI) WithHeartbeatInterval(interval time.Duration) *AgentAPI {
	if api == nil || interval <= 0 {
		return api
	}
	api.heartbeatInterval = interval
	return api
}

// Register wires the agent routes into mux.
func (api *AgentAPI) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.Handle("/v1/agents/setup", api.setupLimiter.Wrap(http.HandlerFunc(api.handleSetup)))
	mux.HandleFunc("/v1/agents/heartbeat", api.handleHeartbeat)
	mux.HandleFunc("/v1/contracts/claimable", api.handleClaimable)
	mux.HandleFunc("/v1/contracts/", api.handleContractByID)
	mux.HandleFunc("/v1/reconcile", api.handleReconcile)
}

func (api *AgentAPI) handleSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req V1AgentSetupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", err)
		return
	}
	agentID := strings.TrimSpace(req.AgentID)
	if header := strings.TrimSpace(r.Header.Get(agentIdentityHeader)); header != "" {
		if agentID != "" && agentID != header {
			writeError(w, http.StatusBadRequest, "agent_id does not match "+agentIdentityHeader)
			return
		}
		agentID = header
	}
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	result, err := api.tokens.Redeem(r.Context(), RedeemRequest{
		Token:           req.Token,
		AgentID:         agentID,
		Label:           req.Label,
		DetectedCountry: req.DetectedCountry,
		Force:           req.Force,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, V1AgentSetupResponse{
		PoolID:   result.Pool.ID,
		OwnerID:  result.Pool.OwnerID,
		Region:   string(result.Pool.Region),
		PoolName: result.Pool.Name,
		Warning:  result.Warning,
	})
}

func (api *AgentAPI) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	agentID, ok := identityFromHeader(w, r, agentIdentityHeader)
	if !ok {
		return
	}
	var req V1HeartbeatRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", err)
		return
	}
	running := 0
	if req.RunningInstances != nil {
		running = *req.RunningInstances
		if running < 0 || running > maxRunningInstances {
			writeError(w, http.StatusBadRequest, "running_instances out of range")
			return
		}
	}
	delegation, err := api.store.GetActiveDelegation(r.Context(), agentID)
	if errors.Is(err, ErrDelegationNotFound) {
		err = ErrAgentNotDelegated
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := api.store.RecordHeartbeat(r.Context(), models.AgentStatus{
		AgentID:          agentID,
		Version:          strings.TrimSpace(req.Version),
		RunningInstances: running,
		LastHeartbeatAt:  api.now().UTC(),
	}); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, V1HeartbeatResponse{
		Acknowledged:         true,
		NextHeartbeatSeconds: int(api.heartbeatInterval / time.Second),
		PoolID:               delegation.PoolID,
	})
}

func (api *AgentAPI) handleClaimable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	agentID, ok := identityFromHeader(w, r, agentIdentityHeader)
	if !ok {
		return
	}
	ids, err := api.locks.Claimable(r.Context(), agentID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, V1ClaimableResponse{Contracts: ids})
}

func (api *AgentAPI) handleContractByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/v1/contracts/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	contractID := parts[0]
	switch parts[1] {
	case "lock":
		switch r.Method {
		case http.MethodPost:
			api.handleLockAcquire(w, r, contractID)
		case http.MethodDelete:
			api.handleLockRelease(w, r, contractID)
		default:
			writeMethodNotAllowed(w, []string{http.MethodPost, http.MethodDelete})
		}
	case "provisioned":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, []string{http.MethodPost})
			return
		}
		api.handleProvisioned(w, r, contractID)
	case "failed":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, []string{http.MethodPost})
			return
		}
		api.handleFailed(w, r, contractID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (api *AgentAPI) handleLockAcquire(w http.ResponseWriter, r *http.Request, contractID string) {
	agentID, ok := identityFromHeader(w, r, agentIdentityHeader)
	if !ok {
		return
	}
	lock, err := api.locks.Acquire(r.Context(), contractID, agentID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, V1LockResponse{
		ContractID: contractID,
		AgentID:    lock.AgentID,
		AcquiredAt: formatAPITime(lock.AcquiredAt),
		ExpiresAt:  formatAPITime(lock.ExpiresAt),
	})
}

func (api *AgentAPI) handleLockRelease(w http.ResponseWriter, r *http.Request, contractID string) {
	agentID, ok := identityFromHeader(w, r, agentIdentityHeader)
	if !ok {
		return
	}
	if err := api.locks.Release(r.Context(), contractID, agentID); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"contract_id": contractID, "status": "released"})
}

func (api *AgentAPI) handleProvisioned(w http.ResponseWriter, r *http.Request, contractID string) {
	agentID, ok := identityFromHeader(w, r, agentIdentityHeader)
	if !ok {
		return
	}
	var req V1ProvisionedRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", err)
		return
	}
	var details []byte
	if trimmed := strings.TrimSpace(string(req.InstanceDetails)); trimmed != "" && trimmed != "null" {
		details = []byte(trimmed)
	}
	if err := api.locks.ReportProvisioned(r.Context(), contractID, agentID, details); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, V1ContractAckResponse{ContractID: contractID, Status: string(models.ContractProvisioned)})
}

func (api *AgentAPI) handleFailed(w http.ResponseWriter, r *http.Request, contractID string) {
	agentID, ok := identityFromHeader(w, r, agentIdentityHeader)
	if !ok {
		return
	}
	var req V1FailedRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", err)
		return
	}
	if err := api.locks.ReportFailed(r.Context(), contractID, agentID, req.Reason); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, V1ContractAckResponse{ContractID: contractID, Status: string(models.ContractAccepted)})
}

func (api *AgentAPI) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	agentID, ok := identityFromHeader(w, r, agentIdentityHeader)
	if !ok {
		return
	}
	var req V1ReconcileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", err)
		return
	}
	if len(req.RunningInstances) > maxRunningInstances {
		writeError(w, http.StatusBadRequest, "too many running instances")
		return
	}
	instances := make([]models.RunningInstance, 0, len(req.RunningInstances))
	for _, item := range req.RunningInstances {
		if strings.TrimSpace(item.ExternalID) == "" {
			writeError(w, http.StatusBadRequest, "external_id is required")
			return
		}
		instances = append(instances, models.RunningInstance{ExternalID: item.ExternalID, ContractID: item.ContractID})
	}
	result, err := api.reconciler.Reconcile(r.Context(), agentID, instances)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reconcileToV1(result))
}

func reconcileToV1(result models.ReconcileResult) V1ReconcileResponse {
	resp := V1ReconcileResponse{
		Keep:      make([]V1KeepVerdict, 0, len(result.Keep)),
		Terminate: make([]V1TerminateVerdict, 0, len(result.Terminate)),
		Unknown:   make([]V1UnknownVerdict, 0, len(result.Unknown)),
	}
	for _, keep := range result.Keep {
		resp.Keep = append(resp.Keep, V1KeepVerdict{
			ExternalID: keep.ExternalID,
			ContractID: keep.ContractID,
			EndsAt:     formatAPITimePtr(keep.EndsAt),
		})
	}
	for _, term := range result.Terminate {
		resp.Terminate = append(resp.Terminate, V1TerminateVerdict{
			ExternalID: term.ExternalID,
			ContractID: term.ContractID,
			Reason:     string(term.Reason),
		})
	}
	for _, unknown := range result.Unknown {
		resp.Unknown = append(resp.Unknown, V1UnknownVerdict{
			ExternalID: unknown.ExternalID,
			Message:    unknown.Message,
		})
	}
	return resp
}
