package daemon

import (
	"encoding/json"

	"github.com/fleetmarket/fleetd/internal/regions"
)

type V1ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

type V1PoolCreateRequest struct {
	Name            string `json:"name"`
	Region          string `json:"region"`
	ProvisionerType string `json:"provisioner_type"`
}

type V1PoolUpdateRequest struct {
	Name            *string `json:"name,omitempty"`
	Region          *string `json:"region,omitempty"`
	ProvisionerType *string `json:"provisioner_type,omitempty"`
}

type V1Pool struct {
	PoolID          string `json:"pool_id"`
	OwnerID         string `json:"owner_id"`
	Name            string `json:"name"`
	Region          string `json:"region"`
	ProvisionerType string `json:"provisioner_type"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type V1PoolWithStats struct {
	V1Pool
	AgentCount      int `json:"agent_count"`
	OnlineCount     int `json:"online_count"`
	OfferingsCount  int `json:"offerings_count"`
	ActiveContracts int `json:"active_contracts"`
}

type V1PoolsResponse struct {
	Pools []V1PoolWithStats `json:"pools"`
}

type V1SetupTokenCreateRequest struct {
	Label    string `json:"label,omitempty"`
	TTLHours int    `json:"ttl_hours,omitempty"`
}

type V1SetupTokenResponse struct {
	Token     string `json:"token"`
	PoolID    string `json:"pool_id"`
	ExpiresAt string `json:"expires_at"`
}

type V1PendingSetupToken struct {
	HashPrefix string `json:"hash_prefix"`
	Label      string `json:"label,omitempty"`
	CreatedAt  string `json:"created_at"`
	ExpiresAt  string `json:"expires_at"`
}

type V1SetupTokensResponse struct {
	Tokens []V1PendingSetupToken `json:"tokens"`
}

type V1PoolAgent struct {
	AgentID          string  `json:"agent_id"`
	Label            string  `json:"label,omitempty"`
	DelegatedAt      string  `json:"delegated_at"`
	Online           bool    `json:"online"`
	Version          string  `json:"version,omitempty"`
	RunningInstances int     `json:"running_instances"`
	LastHeartbeatAt  *string `json:"last_heartbeat_at,omitempty"`
}

type V1PoolAgentsResponse struct {
	Agents []V1PoolAgent `json:"agents"`
}

type V1AgentRevokeResponse struct {
	AgentID string `json:"agent_id"`
	Revoked bool   `json:"revoked"`
}

type V1OfferingUpsertRequest struct {
	DatacenterCountry string  `json:"datacenter_country"`
	ProvisionerType   string  `json:"provisioner_type,omitempty"`
	AgentPoolID       *string `json:"agent_pool_id,omitempty"`
}

type V1Offering struct {
	OfferingID        string  `json:"offering_id"`
	OwnerID           string  `json:"owner_id"`
	DatacenterCountry string  `json:"datacenter_country"`
	Region            string  `json:"region"`
	ProvisionerType   string  `json:"provisioner_type,omitempty"`
	AgentPoolID       *string `json:"agent_pool_id,omitempty"`
	ResolvedPoolID    *string `json:"resolved_pool_id,omitempty"`
}

type V1ContractCreateRequest struct {
	ContractID   string `json:"contract_id,omitempty"`
	OfferingID   string `json:"offering_id"`
	EndTimestamp string `json:"end_timestamp,omitempty"`
}

type V1ContractStatusRequest struct {
	Status string `json:"status"`
}

type V1ContractStatusResponse struct {
	ContractID string `json:"contract_id"`
	From       string `json:"from"`
	Status     string `json:"status"`
}

type V1ProvisioningLock struct {
	AgentID    string `json:"agent_id"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

type V1Contract struct {
	ContractID        string              `json:"contract_id"`
	OfferingID        string              `json:"offering_id"`
	Status            string              `json:"status"`
	EndTimestamp      *string             `json:"end_timestamp,omitempty"`
	Lock              *V1ProvisioningLock `json:"lock,omitempty"`
	ProvisionedAt     *string             `json:"provisioned_at,omitempty"`
	InstanceDetails   json.RawMessage     `json:"instance_details,omitempty"`
	DetailsSealed     bool                `json:"instance_details_sealed,omitempty"`
	FailureCount      int                 `json:"failure_count"`
	LastFailureReason string              `json:"last_failure_reason,omitempty"`
	CreatedAt         string              `json:"created_at"`
	UpdatedAt         string              `json:"updated_at"`
}

type V1Event struct {
	ID            int64           `json:"id"`
	Timestamp     string          `json:"ts"`
	Kind          string          `json:"kind"`
	ContractID    string          `json:"contract_id,omitempty"`
	AgentID       string          `json:"agent_id,omitempty"`
	PoolID        string          `json:"pool_id,omitempty"`
	Message       string          `json:"msg,omitempty"`
	SchemaVersion int             `json:"schema_version,omitempty"`
	Stage         string          `json:"stage,omitempty"`
	Payload       json.RawMessage `json:"json,omitempty"`
}

type V1EventsResponse struct {
	Events []V1Event `json:"events"`
	LastID int64     `json:"last_id,omitempty"`
}

type V1RegionsResponse struct {
	Version int              `json:"version"`
	Default string           `json:"default"`
	Regions []regions.Region `json:"regions"`
}

type V1AgentSetupRequest struct {
	Token           string `json:"token"`
	AgentID         string `json:"agent_id"`
	Label           string `json:"label,omitempty"`
	DetectedCountry string `json:"detected_country,omitempty"`
	Force           bool   `json:"force,omitempty"`
}

type V1AgentSetupResponse struct {
	PoolID   string `json:"pool_id"`
	OwnerID  string `json:"owner_id"`
	Region   string `json:"region"`
	PoolName string `json:"pool_name"`
	Warning  string `json:"warning,omitempty"`
}

type V1HeartbeatRequest struct {
	Version          string `json:"version,omitempty"`
	RunningInstances *int   `json:"running_instances,omitempty"`
}

type V1HeartbeatResponse struct {
	Acknowledged         bool    `json:"acknowledged"`
	NextHeartbeatSeconds int     `json:"next_heartbeat_seconds"`
	PoolID               *string `json:"pool_id,omitempty"`
}

type V1ClaimableResponse struct {
	Contracts []string `json:"contracts"`
}

type V1LockResponse struct {
	ContractID string `json:"contract_id"`
	AgentID    string `json:"agent_id"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

type V1ContractAckResponse struct {
	ContractID string `json:"contract_id"`
	Status     string `json:"status"`
}

type V1ProvisionedRequest struct {
	InstanceDetails json.RawMessage `json:"instance_details"`
}

type V1FailedRequest struct {
	Reason string `json:"reason"`
}

type V1RunningInstance struct {
	ExternalID string `json:"external_id"`
	ContractID string `json:"contract_id,omitempty"`
}

type V1ReconcileRequest struct {
	RunningInstances []V1RunningInstance `json:"running_instances"`
}

type V1KeepVerdict struct {
	ExternalID string  `json:"external_id"`
	ContractID string  `json:"contract_id"`
	EndsAt     *string `json:"ends_at"`
}

type V1TerminateVerdict struct {
	ExternalID string `json:"external_id"`
	ContractID string `json:"contract_id"`
	Reason     string `json:"reason"`
}

type V1UnknownVerdict struct {
	ExternalID string `json:"external_id"`
	Message    string `json:"message"`
}

type V1ReconcileResponse struct {
	Keep      []V1KeepVerdict      `json:"keep"`
	Terminate []V1TerminateVerdict `json:"terminate"`
	Unknown   []V1UnknownVerdict   `json:"unknown"`
}
