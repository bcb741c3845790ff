// Package main is fleetctl, the command line client for fleetd.
//
// Owner commands talk to the control listener and send the caller's owner
// id in X-Fleet-Owner. Agent commands talk to the agent listener and send
// the agent id in X-Fleet-Agent. Both attach the bearer token when one is
// configured.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultControlEndpoint = "http://127.0.0.1:8750"
	defaultAgentEndpoint   = "http://127.0.0.1:8751"
	defaultRequestTimeout  = 30 * time.Second
	maxJSONOutputBytes     = 4 << 20 // 4MB maximum JSON response size

	ownerIdentityHeader = "X-Fleet-Owner"
	agentIdentityHeader = "X-Fleet-Agent"
)

// apiClient is an HTTP client for one fleetd listener.
type apiClient struct {
	endpoint   string
	token      string
	owner      string
	agent      string
	httpClient *http.Client
	timeout    time.Duration
}

// apiErrorBody is the versioned error envelope returned by fleetd.
type apiErrorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// remoteError is a non-2xx response from fleetd.
type remoteError struct {
	status  int
	code    string
	msg     string
	details string
}

func (e *remoteError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.msg)
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", e.status)
	}
	if details := strings.TrimSpace(e.details); details != "" {
		return msg + ": " + details
	}
	return msg
}

type poolCreateRequest struct {
	Name            string `json:"name"`
	Region          string `json:"region"`
	ProvisionerType string `json:"provisioner_type"`
}

type poolUpdateRequest struct {
	Name            *string `json:"name,omitempty"`
	Region          *string `json:"region,omitempty"`
	ProvisionerType *string `json:"provisioner_type,omitempty"`
}

type poolResponse struct {
	PoolID          string `json:"pool_id"`
	OwnerID         string `json:"owner_id"`
	Name            string `json:"name"`
	Region          string `json:"region"`
	ProvisionerType string `json:"provisioner_type"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type poolWithStatsResponse struct {
	poolResponse
	AgentCount      int `json:"agent_count"`
	OnlineCount     int `json:"online_count"`
	OfferingsCount  int `json:"offerings_count"`
	ActiveContracts int `json:"active_contracts"`
}

type poolsResponse struct {
	Pools []poolWithStatsResponse `json:"pools"`
}

type setupTokenCreateRequest struct {
	Label    string `json:"label,omitempty"`
	TTLHours int    `json:"ttl_hours,omitempty"`
}

type setupTokenResponse struct {
	Token     string `json:"token"`
	PoolID    string `json:"pool_id"`
	ExpiresAt string `json:"expires_at"`
}

type pendingTokenResponse struct {
	HashPrefix string `json:"hash_prefix"`
	Label      string `json:"label,omitempty"`
	CreatedAt  string `json:"created_at"`
	ExpiresAt  string `json:"expires_at"`
}

type setupTokensResponse struct {
	Tokens []pendingTokenResponse `json:"tokens"`
}

type poolAgentResponse struct {
	AgentID          string  `json:"agent_id"`
	Label            string  `json:"label,omitempty"`
	DelegatedAt      string  `json:"delegated_at"`
	Online           bool    `json:"online"`
	Version          string  `json:"version,omitempty"`
	RunningInstances int     `json:"running_instances"`
	LastHeartbeatAt  *string `json:"last_heartbeat_at,omitempty"`
}

type poolAgentsResponse struct {
	Agents []poolAgentResponse `json:"agents"`
}

type agentRevokeResponse struct {
	AgentID string `json:"agent_id"`
	Revoked bool   `json:"revoked"`
}

type offeringUpsertRequest struct {
	DatacenterCountry string  `json:"datacenter_country"`
	ProvisionerType   string  `json:"provisioner_type,omitempty"`
	AgentPoolID       *string `json:"agent_pool_id,omitempty"`
}

type offeringResponse struct {
	OfferingID        string  `json:"offering_id"`
	OwnerID           string  `json:"owner_id"`
	DatacenterCountry string  `json:"datacenter_country"`
	Region            string  `json:"region"`
	ProvisionerType   string  `json:"provisioner_type,omitempty"`
	AgentPoolID       *string `json:"agent_pool_id,omitempty"`
	ResolvedPoolID    *string `json:"resolved_pool_id,omitempty"`
}

type contractCreateRequest struct {
	ContractID   string `json:"contract_id,omitempty"`
	OfferingID   string `json:"offering_id"`
	EndTimestamp string `json:"end_timestamp,omitempty"`
}

type contractStatusRequest struct {
	Status string `json:"status"`
}

type contractStatusResponse struct {
	ContractID string `json:"contract_id"`
	From       string `json:"from"`
	Status     string `json:"status"`
}

type lockInfo struct {
	AgentID    string `json:"agent_id"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

type contractResponse struct {
	ContractID        string          `json:"contract_id"`
	OfferingID        string          `json:"offering_id"`
	Status            string          `json:"status"`
	EndTimestamp      *string         `json:"end_timestamp,omitempty"`
	Lock              *lockInfo       `json:"lock,omitempty"`
	ProvisionedAt     *string         `json:"provisioned_at,omitempty"`
	InstanceDetails   json.RawMessage `json:"instance_details,omitempty"`
	DetailsSealed     bool            `json:"instance_details_sealed,omitempty"`
	FailureCount      int             `json:"failure_count"`
	LastFailureReason string          `json:"last_failure_reason,omitempty"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
}

type eventResponse struct {
	ID         int64           `json:"id"`
	Timestamp  string          `json:"ts"`
	Kind       string          `json:"kind"`
	ContractID string          `json:"contract_id,omitempty"`
	AgentID    string          `json:"agent_id,omitempty"`
	PoolID     string          `json:"pool_id,omitempty"`
	Message    string          `json:"msg,omitempty"`
	Payload    json.RawMessage `json:"json,omitempty"`
}

type eventsResponse struct {
	Events []eventResponse `json:"events"`
	LastID int64           `json:"last_id,omitempty"`
}

type regionResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type regionsResponse struct {
	Version int              `json:"version"`
	Default string           `json:"default"`
	Regions []regionResponse `json:"regions"`
}

type agentSetupRequest struct {
	Token           string `json:"token"`
	AgentID         string `json:"agent_id,omitempty"`
	Label           string `json:"label,omitempty"`
	DetectedCountry string `json:"detected_country,omitempty"`
	Force           bool   `json:"force,omitempty"`
}

type agentSetupResponse struct {
	PoolID   string `json:"pool_id"`
	OwnerID  string `json:"owner_id"`
	Region   string `json:"region"`
	PoolName string `json:"pool_name"`
	Warning  string `json:"warning,omitempty"`
}

type heartbeatRequest struct {
	Version          string `json:"version,omitempty"`
	RunningInstances *int   `json:"running_instances,omitempty"`
}

type heartbeatResponse struct {
	Acknowledged         bool    `json:"acknowledged"`
	NextHeartbeatSeconds int     `json:"next_heartbeat_seconds"`
	PoolID               *string `json:"pool_id,omitempty"`
}

type claimableResponse struct {
	Contracts []string `json:"contracts"`
}

type lockResponse struct {
	ContractID string `json:"contract_id"`
	AgentID    string `json:"agent_id"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

type ackResponse struct {
	ContractID string `json:"contract_id"`
	Status     string `json:"status"`
}

type provisionedRequest struct {
	InstanceDetails json.RawMessage `json:"instance_details,omitempty"`
}

type failedRequest struct {
	Reason string `json:"reason"`
}

type runningInstance struct {
	ExternalID string `json:"external_id"`
	ContractID string `json:"contract_id,omitempty"`
}

type reconcileRequest struct {
	RunningInstances []runningInstance `json:"running_instances"`
}

type reconcileResponse struct {
	Keep []struct {
		ExternalID string  `json:"external_id"`
		ContractID string  `json:"contract_id"`
		EndsAt     *string `json:"ends_at"`
	} `json:"keep"`
	Terminate []struct {
		ExternalID string `json:"external_id"`
		ContractID string `json:"contract_id"`
		Reason     string `json:"reason"`
	} `json:"terminate"`
	Unknown []struct {
		ExternalID string `json:"external_id"`
		Message    string `json:"message"`
	} `json:"unknown"`
}

type versionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

func newAPIClient(endpoint string, timeout time.Duration) *apiClient {
	return &apiClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// doJSON sends payload as JSON and returns the raw response body. Non-2xx
// responses become *remoteError.
func (c *apiClient) doJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.owner != "" {
		req.Header.Set(ownerIdentityHeader, c.owner)
	}
	if c.agent != "" {
		req.Header.Set(agentIdentityHeader, c.agent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s via %s: %w", method, path, c.endpoint, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONOutputBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// call is doJSON that also decodes a non-empty response into out.
func (c *apiClient) call(ctx context.Context, method, path string, payload, out any) ([]byte, error) {
	data, err := c.doJSON(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return data, nil
}

func parseAPIError(status int, data []byte) error {
	out := &remoteError{status: status}
	if len(data) > 0 {
		var body apiErrorBody
		if err := json.Unmarshal(data, &body); err == nil {
			out.code = body.Code
			out.msg = body.Error
			out.details = body.Details
		}
	}
	return out
}

func (c *apiClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c == nil || c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// normalizeEndpoint accepts host:port or an http(s) URL without a path.
func normalizeEndpoint(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("endpoint is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q", raw)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("endpoint scheme must be http or https")
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("endpoint must include host")
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", fmt.Errorf("endpoint must not include a path")
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}

func escapePath(value string) string {
	return url.PathEscape(strings.TrimSpace(value))
}
