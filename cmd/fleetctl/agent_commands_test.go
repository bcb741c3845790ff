package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentSetupUsesAgentIdentity(t *testing.T) {
	withTerminal(t, true)
	mock, base := newMockFleet(t)
	mock.AddResponse(http.MethodPost, "/v1/agents/setup", http.StatusOK, agentSetupResponse{
		PoolID: "pool-1", OwnerID: "owner-1", Region: "europe", PoolName: "eu-proxmox", Warning: "location differs",
	})

	var runErr error
	out := captureStdout(t, func() {
		runErr = runAgentSetup(context.Background(), []string{"--token", "apt_europe_x", "--country", "DE", "--force"}, base)
	})
	require.NoError(t, runErr)
	assert.Contains(t, out, "eu-proxmox")
	assert.Contains(t, out, "warning: location differs")

	req := mock.GetRequests()[0]
	assert.Equal(t, "agent-1", req.Header.Get(agentIdentityHeader))
	assert.Empty(t, req.Header.Get(ownerIdentityHeader))
	body := decodeRequestBody(t, req)
	assert.Equal(t, "agent-1", body["agent_id"])
	assert.Equal(t, "apt_europe_x", body["token"])
	assert.Equal(t, "DE", body["detected_country"])
	assert.Equal(t, true, body["force"])
}

func TestAgentHeartbeatOmitsUnsetRunningCount(t *testing.T) {
	withTerminal(t, false)
	mock, base := newMockFleet(t)
	mock.AddResponse(http.MethodPost, "/v1/agents/heartbeat", http.StatusOK, heartbeatResponse{Acknowledged: true, NextHeartbeatSeconds: 60})

	var runErr error
	captureStdout(t, func() {
		runErr = runAgentHeartbeat(context.Background(), []string{"--version", "1.2.0"}, base)
	})
	require.NoError(t, runErr)
	captureStdout(t, func() {
		runErr = runAgentHeartbeat(context.Background(), []string{"--running", "0"}, base)
	})
	require.NoError(t, runErr)

	requests := mock.GetRequests()
	require.Len(t, requests, 2)
	assert.JSONEq(t, `{"version":"1.2.0"}`, string(requests[0].Body))
	assert.JSONEq(t, `{"running_instances":0}`, string(requests[1].Body))
}

func TestAgentLockConflictExplained(t *testing.T) {
	mock, base := newMockFleet(t)
	mock.AddResponse(http.MethodPost, "/v1/contracts/c1/lock", http.StatusConflict, map[string]string{
		"error": "contract is locked by another agent",
		"code":  "v1/lock/conflict",
	})

	var runErr error
	captureStdout(t, func() {
		runErr = runAgentLock(context.Background(), []string{"c1"}, base)
	})
	require.Error(t, runErr)
	var re *remoteError
	require.ErrorAs(t, runErr, &re)
	assert.Equal(t, http.StatusConflict, re.status)

	msg, _, hints := describeError(runErr)
	assert.Equal(t, "contract is locked by another agent", msg)
	require.Len(t, hints, 1)
	assert.Contains(t, hints[0], "released on expiry")
}

func TestAgentUnlockUsesDelete(t *testing.T) {
	withTerminal(t, true)
	mock, base := newMockFleet(t)
	mock.AddResponse(http.MethodDelete, "/v1/contracts/c1/lock", http.StatusOK, ackResponse{ContractID: "c1", Status: "accepted"})

	var runErr error
	out := captureStdout(t, func() {
		runErr = runAgentUnlock(context.Background(), []string{"c1"}, base)
	})
	require.NoError(t, runErr)
	assert.Equal(t, "lock on c1 released\n", out)
	assert.Equal(t, http.MethodDelete, mock.GetRequests()[0].Method)
}

func TestAgentProvisionedDetails(t *testing.T) {
	withTerminal(t, false)
	mock, base := newMockFleet(t)
	mock.AddResponse(http.MethodPost, "/v1/contracts/c1/provisioned", http.StatusOK, ackResponse{ContractID: "c1", Status: "provisioned"})

	var runErr error
	captureStdout(t, func() {
		runErr = runAgentProvisioned(context.Background(), []string{"c1", "--details", `{"ip":"203.0.113.7"}`}, base)
	})
	require.NoError(t, runErr)
	assert.JSONEq(t, `{"instance_details":{"ip":"203.0.113.7"}}`, string(mock.GetRequests()[0].Body))

	path := filepath.Join(t.TempDir(), "details.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"root_password":"hunter2"}`), 0o600))
	captureStdout(t, func() {
		runErr = runAgentProvisioned(context.Background(), []string{"c1", "--details", "@" + path}, base)
	})
	require.NoError(t, runErr)
	assert.JSONEq(t, `{"instance_details":{"root_password":"hunter2"}}`, string(mock.GetRequests()[1].Body))

	captureStdout(t, func() {
		runErr = runAgentProvisioned(context.Background(), []string{"c1", "--details", "[1,2]"}, base)
	})
	require.Error(t, runErr)
	assert.Len(t, mock.GetRequests(), 2)
}

func TestAgentFailedRequiresReason(t *testing.T) {
	withTerminal(t, false)
	mock, base := newMockFleet(t)
	mock.AddResponse(http.MethodPost, "/v1/contracts/c1/failed", http.StatusOK, ackResponse{ContractID: "c1", Status: "accepted"})

	var runErr error
	captureStdout(t, func() {
		runErr = runAgentFailed(context.Background(), []string{"c1"}, base)
	})
	require.Error(t, runErr)

	captureStdout(t, func() {
		runErr = runAgentFailed(context.Background(), []string{"c1", "--reason", "disk full"}, base)
	})
	require.NoError(t, runErr)
	assert.JSONEq(t, `{"reason":"disk full"}`, string(mock.GetRequests()[0].Body))
}

func TestAgentReconcileParsesInstances(t *testing.T) {
	withTerminal(t, true)
	mock, base := newMockFleet(t)
	mock.AddResponse(http.MethodPost, "/v1/reconcile", http.StatusOK, map[string]any{
		"keep":      []map[string]any{{"external_id": "vm-1", "contract_id": "c1", "ends_at": "2026-01-03T12:00:00Z"}},
		"terminate": []map[string]any{},
		"unknown":   []map[string]any{{"external_id": "vm-2", "message": "no contract"}},
	})

	var runErr error
	out := captureStdout(t, func() {
		runErr = runAgentReconcile(context.Background(), []string{"vm-1=c1", "vm-2"}, base)
	})
	require.NoError(t, runErr)
	assert.JSONEq(t, `{"running_instances":[{"external_id":"vm-1","contract_id":"c1"},{"external_id":"vm-2"}]}`,
		string(mock.GetRequests()[0].Body))
	assert.Contains(t, out, "keep")
	assert.Contains(t, out, "2026-01-03T12:00:00Z")
	assert.Contains(t, out, "no contract")

	captureStdout(t, func() {
		runErr = runAgentReconcile(context.Background(), []string{"=c9"}, base)
	})
	require.Error(t, runErr)
	assert.Len(t, mock.GetRequests(), 1)
}

func TestAgentRevokeTalksToControlListener(t *testing.T) {
	withTerminal(t, true)
	mock, base := newMockFleet(t)
	base.agentServer = "http://127.0.0.1:1"
	mock.AddResponse(http.MethodDelete, "/v1/agents/agent-9", http.StatusOK, agentRevokeResponse{AgentID: "agent-9", Revoked: false})

	var runErr error
	out := captureStdout(t, func() {
		runErr = runAgentRevoke(context.Background(), []string{"agent-9"}, base)
	})
	require.NoError(t, runErr)
	assert.Equal(t, "agent agent-9 was already revoked\n", out)
	assert.Equal(t, "owner-1", mock.GetRequests()[0].Header.Get(ownerIdentityHeader))
}
