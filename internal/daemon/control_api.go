package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetmarket/fleetd/internal/db"
	"github.com/fleetmarket/fleetd/internal/matching"
	"github.com/fleetmarket/fleetd/internal/models"
	"github.com/fleetmarket/fleetd/internal/regions"
	"github.com/fleetmarket/fleetd/internal/secrets"
)

// ControlAPI serves the owner and marketplace surface of the control plane.
//
// The caller's owner identity is taken from the X-Fleet-Owner header, set
// by the authenticating gateway in front of the control listener.
//
// Endpoints:
//   - POST   /v1/pools                      - Create a pool
//   - GET    /v1/pools                      - List pools with stats
//   - GET    /v1/pools/{id}                 - Get a pool
//   - PATCH  /v1/pools/{id}                 - Update a pool
//   - DELETE /v1/pools/{id}                 - Delete an empty pool
//   - POST   /v1/pools/{id}/setup-tokens    - Issue a setup token
//   - GET    /v1/pools/{id}/setup-tokens    - List pending setup tokens
//   - GET    /v1/pools/{id}/agents          - List delegated agents
//   - DELETE /v1/agents/{agent_id}          - Revoke an agent
//   - PUT    /v1/offerings/{id}             - Upsert offering routing attributes
//   - POST   /v1/contracts                  - Ingest a contract
//   - GET    /v1/contracts/{id}             - Get a contract
//   - POST   /v1/contracts/{id}/status      - Move a contract to a new status
//   - GET    /v1/contracts/{id}/events      - List contract events
//   - GET    /v1/regions                    - List regions
type ControlAPI struct {
	store   *db.Store
	pools   *PoolRegistry
	tokens  *SetupTokenIssuer
	opener  *secrets.Opener
	metrics *Metrics
	events  EventRecorder
	logger  *log.Logger
	now     func() time.Time
	newID   func() string
}

// NewControlAPI creates a control API over the given managers.
func NewControlAPI(store *db.Store, pools *PoolRegistry, tokens *SetupTokenIssuer, logger *log.Logger) *ControlAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &ControlAPI{
		store:  store,
		pools:  pools,
		tokens: tokens,
		events: NewStoreEventRecorder(store),
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// WithOpener decrypts sealed instance details on contract reads.
func (api *ControlAPI) WithOpener(opener *secrets.Opener) *ControlAPI {
	if api == nil {
		return api
	}
	api.opener = opener
	return api
}

// WithMetrics records contract status transitions.
func (api *ControlAPI) WithMetrics(metrics *Metrics) *ControlAPI {
	if api == nil {
		return api
	}
	api.metrics = metrics
	return api
}

// WithEventRecorder overrides the audit sink.
func (api *ControlAPI) WithEventRecorder(recorder EventRecorder) *ControlAPI {
	if api == nil {
		return api
	}
	api.events = recorder
	return api
}

// Register wires the control routes into mux.
func (api *ControlAPI) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/v1/pools", api.handlePools)
	mux.HandleFunc("/v1/pools/", api.handlePoolByID)
	mux.HandleFunc("/v1/agents/", api.handleAgentByID)
	mux.HandleFunc("/v1/offerings/", api.handleOfferingByID)
	mux.HandleFunc("/v1/contracts", api.handleContracts)
	mux.HandleFunc("/v1/contracts/", api.handleContractByID)
	mux.HandleFunc("/v1/regions", api.handleRegions)
}

func (api *ControlAPI) handlePools(w http.ResponseWriter, r *http.Request) {
	owner, ok := identityFromHeader(w, r, ownerIdentityHeader)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req V1PoolCreateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json", err)
			return
		}
		pool, err := api.pools.CreatePool(r.Context(), owner, req.Name, req.Region, req.ProvisionerType)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, poolToV1(pool))
	case http.MethodGet:
		pools, err := api.pools.ListPoolsWithStats(r.Context(), owner)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		resp := V1PoolsResponse{Pools: make([]V1PoolWithStats, 0, len(pools))}
		for _, item := range pools {
			resp.Pools = append(resp.Pools, V1PoolWithStats{
				V1Pool:          poolToV1(item.Pool),
				AgentCount:      item.Stats.AgentCount,
				OnlineCount:     item.Stats.OnlineCount,
				OfferingsCount:  item.Stats.OfferingsCount,
				ActiveContracts: item.Stats.ActiveContracts,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPost})
	}
}

func (api *ControlAPI) handlePoolByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/v1/pools/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	owner, ok := identityFromHeader(w, r, ownerIdentityHeader)
	if !ok {
		return
	}
	poolID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			pool, err := api.pools.GetPool(r.Context(), owner, poolID)
			if err != nil {
				writeAPIError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, poolToV1(pool))
		case http.MethodPatch:
			var req V1PoolUpdateRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid json", err)
				return
			}
			pool, err := api.pools.UpdatePool(r.Context(), owner, poolID, PoolUpdate{
				Name:            req.Name,
				Region:          req.Region,
				ProvisionerType: req.ProvisionerType,
			})
			if err != nil {
				writeAPIError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, poolToV1(pool))
		case http.MethodDelete:
			if err := api.pools.DeletePool(r.Context(), owner, poolID); err != nil {
				writeAPIError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"pool_id": poolID, "status": "deleted"})
		default:
			writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPatch, http.MethodDelete})
		}
		return
	}

	switch parts[1] {
	case "setup-tokens":
		switch r.Method {
		case http.MethodPost:
			api.handleSetupTokenCreate(w, r, owner, poolID)
		case http.MethodGet:
			api.handleSetupTokenList(w, r, owner, poolID)
		default:
			writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPost})
		}
	case "agents":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, []string{http.MethodGet})
			return
		}
		api.handlePoolAgents(w, r, owner, poolID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (api *ControlAPI) handleSetupTokenCreate(w http.ResponseWriter, r *http.Request, owner, poolID string) {
	var req V1SetupTokenCreateRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", err)
		return
	}
	if req.TTLHours < 0 {
		writeError(w, http.StatusBadRequest, "ttl_hours must be positive")
		return
	}
	issued, err := api.tokens.Issue(r.Context(), owner, poolID, req.Label, time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, V1SetupTokenResponse{
		Token:     issued.Token,
		PoolID:    issued.PoolID,
		ExpiresAt: formatAPITime(issued.ExpiresAt),
	})
}

func (api *ControlAPI) handleSetupTokenList(w http.ResponseWriter, r *http.Request, owner, poolID string) {
	pending, err := api.tokens.ListPending(r.Context(), owner, poolID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	resp := V1SetupTokensResponse{Tokens: make([]V1PendingSetupToken, 0, len(pending))}
	for _, token := range pending {
		resp.Tokens = append(resp.Tokens, V1PendingSetupToken{
			HashPrefix: token.HashPrefix,
			Label:      token.Label,
			CreatedAt:  formatAPITime(token.CreatedAt),
			ExpiresAt:  formatAPITime(token.ExpiresAt),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) handlePoolAgents(w http.ResponseWriter, r *http.Request, owner, poolID string) {
	agents, err := api.pools.ListPoolAgents(r.Context(), owner, poolID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	resp := V1PoolAgentsResponse{Agents: make([]V1PoolAgent, 0, len(agents))}
	for _, agent := range agents {
		item := V1PoolAgent{
			AgentID:     agent.Delegation.AgentID,
			Label:       agent.Delegation.Label,
			DelegatedAt: formatAPITime(agent.Delegation.CreatedAt),
			Online:      agent.Online,
		}
		if agent.Status != nil {
			item.Version = agent.Status.Version
			item.RunningInstances = agent.Status.RunningInstances
			item.LastHeartbeatAt = formatAPITimePtr(&agent.Status.LastHeartbeatAt)
		}
		resp.Agents = append(resp.Agents, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/v1/agents/")
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w, []string{http.MethodDelete})
		return
	}
	owner, ok := identityFromHeader(w, r, ownerIdentityHeader)
	if !ok {
		return
	}
	changed, err := api.pools.RevokeAgent(r.Context(), owner, parts[0])
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, V1AgentRevokeResponse{AgentID: parts[0], Revoked: changed})
}

func (api *ControlAPI) handleOfferingByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/v1/offerings/")
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	owner, ok := identityFromHeader(w, r, ownerIdentityHeader)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPut:
		var req V1OfferingUpsertRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json", err)
			return
		}
		offering, err := api.upsertOffering(r.Context(), owner, parts[0], req)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		resp, err := api.offeringToV1(r.Context(), offering)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodGet:
		offering, err := api.store.GetOffering(r.Context(), parts[0])
		if err == nil && offering.OwnerID != owner {
			err = ErrOfferingNotFound
		}
		if err != nil {
			writeAPIError(w, err)
			return
		}
		resp, err := api.offeringToV1(r.Context(), offering)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPut})
	}
}

func (api *ControlAPI) upsertOffering(ctx context.Context, owner, offeringID string, req V1OfferingUpsertRequest) (models.Offering, error) {
	country := strings.ToUpper(strings.TrimSpace(req.DatacenterCountry))
	if country == "" {
		return models.Offering{}, invalidInput("datacenter_country is required")
	}
	offering := models.Offering{
		ID:                strings.TrimSpace(offeringID),
		OwnerID:           owner,
		DatacenterCountry: country,
		UpdatedAt:         api.now().UTC(),
	}
	if strings.TrimSpace(req.ProvisionerType) != "" {
		provisioner, err := models.ParseProvisionerType(req.ProvisionerType)
		if err != nil {
			return models.Offering{}, invalidInput(err.Error())
		}
		offering.ProvisionerType = provisioner
	}
	if req.AgentPoolID != nil && strings.TrimSpace(*req.AgentPoolID) != "" {
		pool, err := api.pools.GetPool(ctx, owner, *req.AgentPoolID)
		if err != nil {
			return models.Offering{}, err
		}
		offering.AgentPoolID = &pool.ID
	}
	if err := api.store.UpsertOffering(ctx, offering); err != nil {
		return models.Offering{}, err
	}
	return api.store.GetOffering(ctx, offering.ID)
}

func (api *ControlAPI) offeringToV1(ctx context.Context, offering models.Offering) (V1Offering, error) {
	resp := V1Offering{
		OfferingID:        offering.ID,
		OwnerID:           offering.OwnerID,
		DatacenterCountry: offering.DatacenterCountry,
		Region:            string(regions.CountryToRegion(offering.DatacenterCountry)),
		ProvisionerType:   string(offering.ProvisionerType),
		AgentPoolID:       offering.AgentPoolID,
	}
	pools, err := api.store.ListPoolsByOwner(ctx, offering.OwnerID)
	if err != nil {
		return V1Offering{}, err
	}
	if poolID, ok := matching.ResolvePool(offering, pools); ok {
		resp.ResolvedPoolID = &poolID
	}
	return resp, nil
}

func (api *ControlAPI) handleContracts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	owner, ok := identityFromHeader(w, r, ownerIdentityHeader)
	if !ok {
		return
	}
	var req V1ContractCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", err)
		return
	}
	offeringID := strings.TrimSpace(req.OfferingID)
	if offeringID == "" {
		writeError(w, http.StatusBadRequest, "offering_id is required")
		return
	}
	endAt, err := parseAPITime("end_timestamp", req.EndTimestamp)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	offering, err := api.store.GetOffering(r.Context(), offeringID)
	if err == nil && offering.OwnerID != owner {
		err = ErrOfferingNotFound
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}
	contractID := strings.TrimSpace(req.ContractID)
	if contractID == "" {
		contractID = api.newID()
	}
	contract := models.Contract{
		ID:           contractID,
		OfferingID:   offering.ID,
		Status:       models.ContractRequested,
		EndTimestamp: endAt,
		CreatedAt:    api.now().UTC(),
	}
	if err := api.store.CreateContract(r.Context(), contract); err != nil {
		writeAPIError(w, err)
		return
	}
	payload := map[string]string{"offering_id": offering.ID, "status": string(contract.Status)}
	if endAt != nil {
		payload["end_timestamp"] = formatAPITime(*endAt)
	}
	api.emit(r.Context(), EventKindContractCreated, db.EventRefs{ContractID: contractID}, "contract created", payload)
	api.metrics.IncContractStatus(contract.Status)
	created, err := api.store.GetContract(r.Context(), contractID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.contractToV1(created.Contract))
}

func (api *ControlAPI) handleContractByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/v1/contracts/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	owner, ok := identityFromHeader(w, r, ownerIdentityHeader)
	if !ok {
		return
	}
	contractID := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, []string{http.MethodGet})
			return
		}
		item, err := api.ownedContract(r.Context(), owner, contractID)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, api.contractToV1(item.Contract))
		return
	}
	switch parts[1] {
	case "status":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, []string{http.MethodPost})
			return
		}
		api.handleContractStatus(w, r, owner, contractID)
	case "events":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, []string{http.MethodGet})
			return
		}
		api.handleContractEvents(w, r, owner, contractID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (api *ControlAPI) handleContractStatus(w http.ResponseWriter, r *http.Request, owner, contractID string) {
	var req V1ContractStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", err)
		return
	}
	to, err := models.ParseContractStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := api.ownedContract(r.Context(), owner, contractID); err != nil {
		writeAPIError(w, err)
		return
	}
	from, err := api.store.UpdateContractStatus(r.Context(), contractID, to, api.now().UTC())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	api.metrics.IncContractStatus(to)
	api.emit(r.Context(), EventKindContractStatus, db.EventRefs{ContractID: contractID}, "contract status changed", map[string]string{
		"from": string(from),
		"to":   string(to),
	})
	writeJSON(w, http.StatusOK, V1ContractStatusResponse{ContractID: contractID, From: string(from), Status: string(to)})
}

func (api *ControlAPI) handleContractEvents(w http.ResponseWriter, r *http.Request, owner, contractID string) {
	if _, err := api.ownedContract(r.Context(), owner, contractID); err != nil {
		writeAPIError(w, err)
		return
	}
	query := r.URL.Query()
	after, err := queryCount(query.Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid after")
		return
	}
	limit, err := queryCount(query.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	switch {
	case limit == 0:
		limit = defaultEventsLimit
	case limit > maxEventsLimit:
		limit = maxEventsLimit
	}
	events, err := api.store.ListEventsByContract(r.Context(), contractID, after, int(limit))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	resp := V1EventsResponse{Events: make([]V1Event, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, eventToV1(ev))
		resp.LastID = ev.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) handleRegions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	writeJSON(w, http.StatusOK, V1RegionsResponse{
		Version: regions.Version,
		Default: string(regions.Default),
		Regions: regions.All(),
	})
}

// ownedContract loads a contract whose offering belongs to owner. Contracts
// of other owners are reported as not found.
func (api *ControlAPI) ownedContract(ctx context.Context, owner, contractID string) (models.ContractWithOffering, error) {
	item, err := api.store.GetContract(ctx, contractID)
	if err != nil {
		return models.ContractWithOffering{}, err
	}
	if item.Offering.OwnerID != owner {
		return models.ContractWithOffering{}, ErrContractNotFound
	}
	return item, nil
}

func (api *ControlAPI) contractToV1(contract models.Contract) V1Contract {
	resp := V1Contract{
		ContractID:        contract.ID,
		OfferingID:        contract.OfferingID,
		Status:            string(contract.Status),
		EndTimestamp:      formatAPITimePtr(contract.EndTimestamp),
		ProvisionedAt:     formatAPITimePtr(contract.ProvisionedAt),
		FailureCount:      contract.FailureCount,
		LastFailureReason: contract.LastFailureReason,
		CreatedAt:         formatAPITime(contract.CreatedAt),
		UpdatedAt:         formatAPITime(contract.UpdatedAt),
	}
	if contract.Lock.Held() {
		resp.Lock = &V1ProvisioningLock{
			AgentID:    contract.Lock.AgentID,
			AcquiredAt: formatAPITime(contract.Lock.AcquiredAt),
			ExpiresAt:  formatAPITime(contract.Lock.ExpiresAt),
		}
	}
	if len(contract.InstanceDetails) > 0 {
		details, err := api.opener.Open(contract.InstanceDetails)
		switch {
		case err == nil:
			resp.InstanceDetails = instanceDetailsJSON(details)
		case errors.Is(err, secrets.ErrNoIdentity):
			resp.DetailsSealed = true
		default:
			api.logger.Printf("fleetd: open instance details for contract %s: %v", contract.ID, err)
			resp.DetailsSealed = true
		}
	}
	return resp
}

func (api *ControlAPI) emit(ctx context.Context, kind EventKind, refs db.EventRefs, msg string, payload any) {
	if err := emitEvent(ctx, api.events, kind, refs, msg, payload); err != nil {
		api.logger.Printf("fleetd: record %s event: %v", kind, err)
	}
}

func poolToV1(pool models.AgentPool) V1Pool {
	return V1Pool{
		PoolID:          pool.ID,
		OwnerID:         pool.OwnerID,
		Name:            pool.Name,
		Region:          string(pool.Region),
		ProvisionerType: string(pool.ProvisionerType),
		CreatedAt:       formatAPITime(pool.CreatedAt),
		UpdatedAt:       formatAPITime(pool.UpdatedAt),
	}
}

// instanceDetailsJSON returns details verbatim when they are JSON and as a
// JSON string otherwise.
func instanceDetailsJSON(details []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(details)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	encoded, _ := json.Marshal(string(details))
	return json.RawMessage(encoded)
}
