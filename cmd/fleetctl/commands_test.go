package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/fleetmarket/fleetd/internal/testing"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	fn()
	_ = w.Close()
	os.Stdout = oldStdout
	out, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	return string(out)
}

func withTerminal(t *testing.T, terminal bool) {
	t.Helper()
	old := stdoutIsTerminal
	stdoutIsTerminal = func() bool { return terminal }
	t.Cleanup(func() { stdoutIsTerminal = old })
}

func newMockFleet(t *testing.T) (*testutil.MockHTTPHandler, commonFlags) {
	t.Helper()
	mock := testutil.NewMockHTTPHandler()
	srv := mock.NewTestServer(t)
	return mock, commonFlags{
		server:      srv.URL,
		agentServer: srv.URL,
		token:       "tok",
		owner:       "owner-1",
		agent:       "agent-1",
		timeout:     5 * time.Second,
	}
}

func decodeRequestBody(t *testing.T, req *testutil.MockRequest) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(req.Body, &out), "body: %s", req.Body)
	return out
}

func TestPoolCreateSendsOwnerIdentity(t *testing.T) {
	withTerminal(t, false)
	mock, base := newMockFleet(t)
	mock.AddResponse(http.MethodPost, "/v1/pools", http.StatusCreated, poolResponse{
		PoolID: "pool-1", OwnerID: "owner-1", Name: "eu", Region: "europe", ProvisionerType: "proxmox",
	})

	var runErr error
	out := captureStdout(t, func() {
		runErr = runPoolCreate(context.Background(), []string{"--name", "eu", "--region", "europe"}, base)
	})
	require.NoError(t, runErr)

	requests := mock.GetRequests()
	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
	assert.Equal(t, "owner-1", req.Header.Get(ownerIdentityHeader))
	assert.Empty(t, req.Header.Get(agentIdentityHeader))
	body := decodeRequestBody(t, req)
	assert.Equal(t, "eu", body["name"])
	assert.Equal(t, "europe", body["region"])
	assert.Equal(t, "proxmox", body["provisioner_type"])

	var printed poolResponse
	require.NoError(t, json.Unmarshal([]byte(out), &printed), "piped output is json: %s", out)
	assert.Equal(t, "pool-1", printed.PoolID)
}

func TestPoolCreateRequiresNameAndRegion(t *testing.T) {
	mock, base := newMockFleet(t)
	var runErr error
	captureStdout(t, func() {
		runErr = runPoolCreate(context.Background(), []string{"--name", "eu"}, base)
	})
	require.Error(t, runErr)
	assert.Empty(t, mock.GetRequests())
}

func TestPoolUpdateSendsOnlySetFields(t *testing.T) {
	withTerminal(t, false)
	mock, base := newMockFleet(t)
	mock.AddResponse(http.MethodPatch, "/v1/pools/pool-1", http.StatusOK, poolResponse{PoolID: "pool-1", Name: "renamed"})

	var runErr error
	captureStdout(t, func() {
		runErr = runPoolUpdate(context.Background(), []string{"pool-1", "--name", "renamed"}, base)
	})
	require.NoError(t, runErr)
	requests := mock.GetRequests()
	require.Len(t, requests, 1)
	assert.JSONEq(t, `{"name":"renamed"}`, string(requests[0].Body))

	captureStdout(t, func() {
		runErr = runPoolUpdate(context.Background(), []string{"pool-1"}, base)
	})
	require.Error(t, runErr)
	msg, next, _ := describeError(runErr)
	assert.Equal(t, "nothing to update", msg)
	assert.Contains(t, next, "--name")
}

func TestPoolListRendersTableOnTerminal(t *testing.T) {
	withTerminal(t, true)
	mock, base := newMockFleet(t)
	mock.AddResponse(http.MethodGet, "/v1/pools", http.StatusOK, poolsResponse{Pools: []poolWithStatsResponse{{
		poolResponse: poolResponse{PoolID: "pool-1", Name: "eu-proxmox", Region: "europe", ProvisionerType: "proxmox"},
		AgentCount:   2,
		OnlineCount:  1,
	}}})

	var runErr error
	out := captureStdout(t, func() {
		runErr = runPoolList(context.Background(), nil, base)
	})
	require.NoError(t, runErr)
	assert.Contains(t, out, "POOL_ID")
	assert.Contains(t, out, "eu-proxmox")
	assert.NotContains(t, out, "{")

	out = captureStdout(t, func() {
		runErr = runPoolList(context.Background(), []string{"--json"}, base)
	})
	require.NoError(t, runErr)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "{"), "--json wins over a terminal: %s", out)
}

func TestPoolTokenPrintsOneTimeNotice(t *testing.T) {
	withTerminal(t, true)
	mock, base := newMockFleet(t)
	mock.AddResponse(http.MethodPost, "/v1/pools/pool-1/setup-tokens", http.StatusCreated, setupTokenResponse{
		Token: "apt_europe_secret", PoolID: "pool-1", ExpiresAt: "2026-01-02T12:00:00Z",
	})

	var runErr error
	out := captureStdout(t, func() {
		runErr = runPoolToken(context.Background(), []string{"pool-1", "--ttl-hours", "2", "--label", "rack-a"}, base)
	})
	require.NoError(t, runErr)
	assert.Contains(t, out, "apt_europe_secret")
	assert.Contains(t, out, "shown once")
	assert.JSONEq(t, `{"label":"rack-a","ttl_hours":2}`, string(mock.GetRequests()[0].Body))
}

func TestContractEventsQuery(t *testing.T) {
	withTerminal(t, false)
	mock, base := newMockFleet(t)
	mock.AddResponse(http.MethodGet, "/v1/contracts/c1/events", http.StatusOK, eventsResponse{
		Events: []eventResponse{{ID: 6, Kind: "contract.status"}},
		LastID: 6,
	})

	var runErr error
	captureStdout(t, func() {
		runErr = runContractEvents(context.Background(), []string{"c1", "--after", "5", "--limit", "10"}, base)
	})
	require.NoError(t, runErr)
	requests := mock.GetRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, "after=5&limit=10", requests[0].Query)

	captureStdout(t, func() {
		runErr = runContractEvents(context.Background(), []string{"c1", "--limit", "-1"}, base)
	})
	require.Error(t, runErr)
	assert.Len(t, mock.GetRequests(), 1)
}

func TestContractStatusTakesTwoArguments(t *testing.T) {
	withTerminal(t, false)
	mock, base := newMockFleet(t)
	mock.AddResponse(http.MethodPost, "/v1/contracts/c1/status", http.StatusOK, contractStatusResponse{
		ContractID: "c1", From: "requested", Status: "accepted",
	})

	var runErr error
	captureStdout(t, func() {
		runErr = runContractStatus(context.Background(), []string{"c1", "accepted"}, base)
	})
	require.NoError(t, runErr)
	assert.JSONEq(t, `{"status":"accepted"}`, string(mock.GetRequests()[0].Body))

	captureStdout(t, func() {
		runErr = runContractStatus(context.Background(), []string{"c1"}, base)
	})
	require.Error(t, runErr)
}

func TestContractCreateValidatesEnds(t *testing.T) {
	mock, base := newMockFleet(t)
	var runErr error
	captureStdout(t, func() {
		runErr = runContractCreate(context.Background(), []string{"--offering", "off-1", "--ends", "tomorrow"}, base)
	})
	require.Error(t, runErr)
	_, _, hints := describeError(runErr)
	require.NotEmpty(t, hints)
	assert.Contains(t, hints[0], "RFC3339")
	assert.Empty(t, mock.GetRequests())
}

func TestOfferingSetPinsPool(t *testing.T) {
	withTerminal(t, false)
	mock, base := newMockFleet(t)
	mock.AddResponse(http.MethodPut, "/v1/offerings/off-1", http.StatusOK, offeringResponse{OfferingID: "off-1"})

	var runErr error
	captureStdout(t, func() {
		runErr = runOfferingSet(context.Background(), []string{"off-1", "--country", "FR", "--pool", "pool-1"}, base)
	})
	require.NoError(t, runErr)
	assert.JSONEq(t, `{"datacenter_country":"FR","agent_pool_id":"pool-1"}`, string(mock.GetRequests()[0].Body))
}

func TestMissingIdentityFailsBeforeRequest(t *testing.T) {
	mock, base := newMockFleet(t)
	base.owner = ""
	base.agent = ""

	var runErr error
	captureStdout(t, func() {
		runErr = runPoolList(context.Background(), nil, base)
	})
	require.Error(t, runErr)
	_, next, _ := describeError(runErr)
	assert.Contains(t, next, "--owner")

	captureStdout(t, func() {
		runErr = runAgentClaimable(context.Background(), nil, base)
	})
	require.Error(t, runErr)
	_, next, _ = describeError(runErr)
	assert.Contains(t, next, "--agent")
	assert.Empty(t, mock.GetRequests())
}

func TestDispatchUnknownCommand(t *testing.T) {
	_, base := newMockFleet(t)
	var runErr error
	out := captureStdout(t, func() {
		runErr = dispatch(context.Background(), []string{"frobnicate"}, base)
	})
	require.Error(t, runErr)
	assert.Contains(t, out, "Usage:")

	out = captureStdout(t, func() {
		runErr = dispatch(context.Background(), []string{"pool", "show", "--help"}, base)
	})
	assert.ErrorIs(t, runErr, errHelp)
	assert.Contains(t, out, "pool show <pool_id>")
}

func TestLeadingArgs(t *testing.T) {
	lead, rest := leadingArgs([]string{"c1", "accepted", "--json"}, 2)
	assert.Equal(t, []string{"c1", "accepted"}, lead)
	assert.Equal(t, []string{"--json"}, rest)

	lead, rest = leadingArgs([]string{"--json", "c1"}, 1)
	assert.Empty(t, lead)
	assert.Equal(t, []string{"--json", "c1"}, rest)
}
