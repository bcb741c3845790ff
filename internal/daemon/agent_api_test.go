package daemon

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmarket/fleetd/internal/matching"
	"github.com/fleetmarket/fleetd/internal/models"
	testutil "github.com/fleetmarket/fleetd/internal/testing"
)

func TestAgentAPISetup(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	f.seedPool(t)
	ctx := context.Background()
	issued, err := f.tokens.Issue(ctx, testutil.TestOwnerID, testutil.TestPoolID, "rack", 0)
	require.NoError(t, err)

	rec := doJSON(t, f.agent, http.MethodPost, "/v1/agents/setup", agentHeaders(testutil.TestAgentID), V1AgentSetupRequest{
		Token:   issued.Token,
		AgentID: testutil.TestAgentIDAlt,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "body agent_id must match the authenticated agent")

	rec = doJSON(t, f.agent, http.MethodPost, "/v1/agents/setup", nil, V1AgentSetupRequest{Token: issued.Token})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, f.agent, http.MethodPost, "/v1/agents/setup", nil, V1AgentSetupRequest{AgentID: testutil.TestAgentID})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, f.agent, http.MethodPost, "/v1/agents/setup", agentHeaders(testutil.TestAgentID), V1AgentSetupRequest{
		Token:           issued.Token,
		DetectedCountry: "DE",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	setup := decodeRecorder[V1AgentSetupResponse](t, rec)
	assert.Equal(t, V1AgentSetupResponse{
		PoolID:   testutil.TestPoolID,
		OwnerID:  testutil.TestOwnerID,
		Region:   "europe",
		PoolName: "eu-proxmox",
	}, setup)

	rec = doJSON(t, f.agent, http.MethodPost, "/v1/agents/setup", nil, V1AgentSetupRequest{Token: issued.Token, AgentID: testutil.TestAgentIDAlt})
	require.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, daemonErrorCodeTokenUsed, decodeRecorder[V1ErrorResponse](t, rec).Code)

	rec = doJSON(t, f.agent, http.MethodPost, "/v1/agents/setup", nil, V1AgentSetupRequest{Token: "apt_europe_00000000000000000000000000000000", AgentID: testutil.TestAgentIDAlt})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), "apt_europe_00000000000000000000000000000000")
}

func TestAgentAPISetupLocationMismatch(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	f.seedPool(t)
	issued, err := f.tokens.Issue(context.Background(), testutil.TestOwnerID, testutil.TestPoolID, "", 0)
	require.NoError(t, err)

	req := V1AgentSetupRequest{Token: issued.Token, AgentID: testutil.TestAgentID, DetectedCountry: "US"}
	rec := doJSON(t, f.agent, http.MethodPost, "/v1/agents/setup", nil, req)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, daemonErrorCodeAgentLocationMismatch, decodeRecorder[V1ErrorResponse](t, rec).Code)

	req.Force = true
	rec = doJSON(t, f.agent, http.MethodPost, "/v1/agents/setup", nil, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeRecorder[V1AgentSetupResponse](t, rec).Warning)
}

func TestAgentAPIHeartbeat(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	f.seedPool(t)

	rec := doJSON(t, f.agent, http.MethodPost, "/v1/agents/heartbeat", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, f.agent, http.MethodPost, "/v1/agents/heartbeat", agentHeaders(testutil.TestAgentID), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, daemonErrorCodeAgentNotDelegated, decodeRecorder[V1ErrorResponse](t, rec).Code)

	f.register(t, testutil.TestPoolID, testutil.TestAgentID)

	rec = doJSON(t, f.agent, http.MethodPost, "/v1/agents/heartbeat", agentHeaders(testutil.TestAgentID), `{"running_instances":-1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, f.agent, http.MethodPost, "/v1/agents/heartbeat", agentHeaders(testutil.TestAgentID), `{"version":"1.4.2","running_instances":3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ack := decodeRecorder[V1HeartbeatResponse](t, rec)
	assert.True(t, ack.Acknowledged)
	assert.Equal(t, 60, ack.NextHeartbeatSeconds)
	require.NotNil(t, ack.PoolID)
	assert.Equal(t, testutil.TestPoolID, *ack.PoolID)

	agents, err := f.pools.ListPoolAgents(context.Background(), testutil.TestOwnerID, testutil.TestPoolID)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.True(t, agents[0].Online)
	require.NotNil(t, agents[0].Status)
	assert.Equal(t, "1.4.2", agents[0].Status.Version)
	assert.Equal(t, 3, agents[0].Status.RunningInstances)
}

func TestAgentAPIProvisioningFlow(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	f.seedPool(t)
	f.register(t, testutil.TestPoolID, testutil.TestAgentID)
	f.register(t, testutil.TestPoolID, testutil.TestAgentIDAlt)
	lockPath := "/v1/contracts/" + testutil.TestContractID + "/lock"

	rec := doJSON(t, f.agent, http.MethodGet, "/v1/contracts/claimable", agentHeaders(testutil.TestAgentID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{testutil.TestContractID}, decodeRecorder[V1ClaimableResponse](t, rec).Contracts)

	rec = doJSON(t, f.agent, http.MethodPost, lockPath, agentHeaders(testutil.TestAgentID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	lock := decodeRecorder[V1LockResponse](t, rec)
	assert.Equal(t, testutil.TestAgentID, lock.AgentID)
	assert.Equal(t, "2026-01-01T12:05:00Z", lock.ExpiresAt)

	rec = doJSON(t, f.agent, http.MethodPost, lockPath, agentHeaders(testutil.TestAgentIDAlt), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, daemonErrorCodeLockConflict, decodeRecorder[V1ErrorResponse](t, rec).Code)

	rec = doJSON(t, f.agent, http.MethodGet, "/v1/contracts/claimable", agentHeaders(testutil.TestAgentIDAlt), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeRecorder[V1ClaimableResponse](t, rec).Contracts)

	rec = doJSON(t, f.agent, http.MethodDelete, lockPath, agentHeaders(testutil.TestAgentIDAlt), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, daemonErrorCodeLockNotHolder, decodeRecorder[V1ErrorResponse](t, rec).Code)

	rec = doJSON(t, f.agent, http.MethodDelete, lockPath, agentHeaders(testutil.TestAgentID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, f.agent, http.MethodPost, lockPath, agentHeaders(testutil.TestAgentIDAlt), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	failedPath := "/v1/contracts/" + testutil.TestContractID + "/failed"
	rec = doJSON(t, f.agent, http.MethodPost, failedPath, agentHeaders(testutil.TestAgentIDAlt), V1FailedRequest{Reason: "disk full"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(models.ContractAccepted), decodeRecorder[V1ContractAckResponse](t, rec).Status)

	rec = doJSON(t, f.agent, http.MethodPost, lockPath, agentHeaders(testutil.TestAgentID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	f.clock.Advance(2 * time.Minute)

	provisionedPath := "/v1/contracts/" + testutil.TestContractID + "/provisioned"
	rec = doJSON(t, f.agent, http.MethodPost, provisionedPath, agentHeaders(testutil.TestAgentIDAlt), `{"instance_details":{"ip":"203.0.113.7"}}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, f.agent, http.MethodPost, provisionedPath, agentHeaders(testutil.TestAgentID), `{"instance_details":{"ip":"203.0.113.7"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(models.ContractProvisioned), decodeRecorder[V1ContractAckResponse](t, rec).Status)

	item, err := f.store.GetContract(context.Background(), testutil.TestContractID)
	require.NoError(t, err)
	assert.Equal(t, models.ContractProvisioned, item.Contract.Status)
	assert.Equal(t, 1, item.Contract.FailureCount)
	assert.Equal(t, "disk full", item.Contract.LastFailureReason)
	assert.JSONEq(t, `{"ip":"203.0.113.7"}`, string(item.Contract.InstanceDetails))

	rec = doJSON(t, f.agent, http.MethodPost, lockPath, agentHeaders(testutil.TestAgentID), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, daemonErrorCodeLockNotLockable, decodeRecorder[V1ErrorResponse](t, rec).Code)
}

func TestAgentAPIRoutes(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	headers := agentHeaders(testutil.TestAgentID)

	rec := doJSON(t, f.agent, http.MethodPut, "/v1/contracts/c1/lock", headers, nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST, DELETE", rec.Header().Get("Allow"))

	rec = doJSON(t, f.agent, http.MethodPost, "/v1/contracts/c1", headers, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, f.agent, http.MethodPost, "/v1/contracts/c1/settle", headers, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, f.agent, http.MethodGet, "/v1/agents/setup", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doJSON(t, f.agent, http.MethodPost, "/v1/contracts/c1/lock", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The control surface is not mounted on the agent listener.
	rec = doJSON(t, f.agent, http.MethodGet, "/v1/pools", ownerHeaders(testutil.TestOwnerID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentAPIReconcile(t *testing.T) {
	f := newFleet(t, matching.Policy{})
	f.seedPool(t)
	f.register(t, testutil.TestPoolID, testutil.TestAgentID)
	end := testutil.FixedTime.Add(48 * time.Hour)
	require.NoError(t, f.store.CreateContract(context.Background(), testutil.NewTestContract(testutil.ContractOpts{
		ID:           "c-active",
		Status:       models.ContractActive,
		EndTimestamp: &end,
	})))
	require.NoError(t, f.store.CreateContract(context.Background(), testutil.NewTestContract(testutil.ContractOpts{
		ID:     "c-cancelled",
		Status: models.ContractCancelled,
	})))

	rec := doJSON(t, f.agent, http.MethodPost, "/v1/reconcile", agentHeaders(testutil.TestAgentID), `{"running_instances":[{"external_id":""}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, f.agent, http.MethodPost, "/v1/reconcile", agentHeaders(testutil.TestAgentIDAlt), `{"running_instances":[]}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, f.agent, http.MethodPost, "/v1/reconcile", agentHeaders(testutil.TestAgentID), V1ReconcileRequest{
		RunningInstances: []V1RunningInstance{
			{ExternalID: "vm-1", ContractID: "c-active"},
			{ExternalID: "vm-2", ContractID: "c-cancelled"},
			{ExternalID: "vm-3"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	testutil.AssertJSONEqual(t, map[string]any{
		"keep": []any{
			map[string]any{"external_id": "vm-1", "contract_id": "c-active", "ends_at": "2026-01-03T12:00:00Z"},
		},
		"terminate": []any{
			map[string]any{"external_id": "vm-2", "contract_id": "c-cancelled", "reason": "cancelled"},
		},
		"unknown": []any{
			map[string]any{"external_id": "vm-3", "message": "instance has no contract id"},
		},
	}, decodeRecorder[map[string]any](t, rec))

	rec = doJSON(t, f.agent, http.MethodPost, "/v1/reconcile", agentHeaders(testutil.TestAgentID), `{"running_instances":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"keep":[],"terminate":[],"unknown":[]}`, rec.Body.String())
}
