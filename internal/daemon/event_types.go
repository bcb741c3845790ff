package daemon

type EventKind string

type EventDomain string

type EventStage string

const (
	eventDomainPool     EventDomain = "pool"
	eventDomainAgent    EventDomain = "agent"
	eventDomainContract EventDomain = "contract"
	eventDomainLock     EventDomain = "lock"
)

const (
	EventStageLifecycle    EventStage = "lifecycle"
	EventStageRegistration EventStage = "registration"
	EventStageLease        EventStage = "lease"
	EventStageRecovery     EventStage = "recovery"
)

const (
	eventContractSchemaVersion = 1
)

const (
	// Pool registry.
	EventKindPoolCreated EventKind = "pool.created"
	EventKindPoolUpdated EventKind = "pool.updated"
	EventKindPoolDeleted EventKind = "pool.deleted"

	// Agent registration.
	EventKindSetupTokenIssued      EventKind = "pool.setup_token.issued"
	EventKindAgentRegistered       EventKind = "agent.registered"
	EventKindAgentLocationMismatch EventKind = "agent.location_mismatch"
	EventKindAgentRevoked          EventKind = "agent.revoked"

	// Contract lifecycle.
	EventKindContractCreated       EventKind = "contract.created"
	EventKindContractStatus        EventKind = "contract.status"
	EventKindContractProvisioned   EventKind = "contract.provisioned"
	EventKindContractProvisionFail EventKind = "contract.provision_failed"

	// Provisioning lock lease.
	EventKindLockAcquired  EventKind = "contract.lock.acquired"
	EventKindLockReleased  EventKind = "contract.lock.released"
	EventKindLockExpired   EventKind = "contract.lock.expired"
	EventKindLockNotHolder EventKind = "contract.lock.not_holder"
)

type EventPayloadSchema struct {
	Kind        EventKind   `json:"kind"`
	Domain      EventDomain `json:"domain"`
	Stage       EventStage  `json:"stage"`
	Schema      int         `json:"schema"`
	Required    []string    `json:"required"`
	Optional    []string    `json:"optional"`
	Description string      `json:"description"`
}

var EventCatalog = map[EventKind]EventPayloadSchema{
	EventKindPoolCreated: {
		Kind: EventKindPoolCreated, Domain: eventDomainPool, Stage: EventStageLifecycle, Schema: eventContractSchemaVersion,
		Required: []string{"owner_id", "name", "region", "provisioner_type"}, Description: "Agent pool created.",
	},
	EventKindPoolUpdated: {
		Kind: EventKindPoolUpdated, Domain: eventDomainPool, Stage: EventStageLifecycle, Schema: eventContractSchemaVersion,
		Required: []string{"name", "region", "provisioner_type"}, Description: "Agent pool attributes changed.",
	},
	EventKindPoolDeleted: {
		Kind: EventKindPoolDeleted, Domain: eventDomainPool, Stage: EventStageLifecycle, Schema: eventContractSchemaVersion,
		Required: []string{"owner_id"}, Description: "Empty agent pool deleted.",
	},
	EventKindSetupTokenIssued: {
		Kind: EventKindSetupTokenIssued, Domain: eventDomainPool, Stage: EventStageRegistration, Schema: eventContractSchemaVersion,
		Required: []string{"hash_prefix", "expires_at"}, Optional: []string{"label"}, Description: "Setup token issued for a pool.",
	},
	EventKindAgentRegistered: {
		Kind: EventKindAgentRegistered, Domain: eventDomainAgent, Stage: EventStageRegistration, Schema: eventContractSchemaVersion,
		Required: []string{"owner_id", "region"}, Optional: []string{"detected_country", "forced"}, Description: "Agent redeemed a setup token and joined a pool.",
	},
	EventKindAgentLocationMismatch: {
		Kind: EventKindAgentLocationMismatch, Domain: eventDomainAgent, Stage: EventStageRegistration, Schema: eventContractSchemaVersion,
		Required: []string{"detected_country", "detected_region", "pool_region", "policy", "allowed"}, Description: "Agent location disagrees with its pool region.",
	},
	EventKindAgentRevoked: {
		Kind: EventKindAgentRevoked, Domain: eventDomainAgent, Stage: EventStageRegistration, Schema: eventContractSchemaVersion,
		Required: []string{"owner_id"}, Description: "Agent delegation revoked.",
	},
	EventKindContractCreated: {
		Kind: EventKindContractCreated, Domain: eventDomainContract, Stage: EventStageLifecycle, Schema: eventContractSchemaVersion,
		Required: []string{"offering_id", "status"}, Optional: []string{"end_timestamp"}, Description: "Contract ingested from the marketplace.",
	},
	EventKindContractStatus: {
		Kind: EventKindContractStatus, Domain: eventDomainContract, Stage: EventStageLifecycle, Schema: eventContractSchemaVersion,
		Required: []string{"from", "to"}, Description: "Contract status transition.",
	},
	EventKindContractProvisioned: {
		Kind: EventKindContractProvisioned, Domain: eventDomainContract, Stage: EventStageLifecycle, Schema: eventContractSchemaVersion,
		Required: []string{"held_ms"}, Optional: []string{"sealed"}, Description: "Lock holder reported a successful provision.",
	},
	EventKindContractProvisionFail: {
		Kind: EventKindContractProvisionFail, Domain: eventDomainContract, Stage: EventStageRecovery, Schema: eventContractSchemaVersion,
		Required: []string{"held_ms"}, Optional: []string{"reason"}, Description: "Lock holder reported a failed provision; contract back to accepted.",
	},
	EventKindLockAcquired: {
		Kind: EventKindLockAcquired, Domain: eventDomainLock, Stage: EventStageLease, Schema: eventContractSchemaVersion,
		Required: []string{"expires_at"}, Description: "Provisioning lock taken or extended.",
	},
	EventKindLockReleased: {
		Kind: EventKindLockReleased, Domain: eventDomainLock, Stage: EventStageLease, Schema: eventContractSchemaVersion,
		Required: []string{"held_ms"}, Description: "Provisioning lock released early by its holder.",
	},
	EventKindLockExpired: {
		Kind: EventKindLockExpired, Domain: eventDomainLock, Stage: EventStageRecovery, Schema: eventContractSchemaVersion,
		Required: []string{"expires_at"}, Description: "Expired provisioning lock cleared by the sweeper.",
	},
	EventKindLockNotHolder: {
		Kind: EventKindLockNotHolder, Domain: eventDomainLock, Stage: EventStageLease, Schema: eventContractSchemaVersion,
		Required: []string{"op"}, Description: "Agent acted on a lock it does not hold.",
	},
}
