package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetmarket/fleetd/internal/config"
	"github.com/fleetmarket/fleetd/internal/db"
	"github.com/fleetmarket/fleetd/internal/matching"
	"github.com/fleetmarket/fleetd/internal/models"
	testutil "github.com/fleetmarket/fleetd/internal/testing"
)

func mustParseCIDR(t *testing.T, value string) *net.IPNet {
	t.Helper()
	_, subnet, err := net.ParseCIDR(value)
	if err != nil {
		t.Fatalf("parse cidr %s: %v", value, err)
	}
	return subnet
}

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "fleetd.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fleet bundles a store with every manager on a shared manual clock.
type fleet struct {
	store      *db.Store
	clock      *testutil.Clock
	metrics    *Metrics
	pools      *PoolRegistry
	tokens     *SetupTokenIssuer
	locks      *LockManager
	reconciler *Reconciler
	sweeper    *LockSweeper
	control    http.Handler
	agent      http.Handler
}

func newFleet(t *testing.T, policy matching.Policy) *fleet {
	t.Helper()
	store := newTestStore(t)
	clock := testutil.NewClock(testutil.FixedTime)
	logger := discardLogger()
	metrics := NewMetrics()

	pools := NewPoolRegistry(store, logger, 5*time.Minute)
	pools.now = clock.Now
	tokens := NewSetupTokenIssuer(store, logger, metrics, SetupTokenConfig{LocationPolicy: config.LocationPolicyRequireForce})
	tokens.now = clock.Now
	locks := NewLockManager(store, logger, metrics, LockManagerConfig{TTL: 5 * time.Minute, Policy: policy})
	locks.now = clock.Now
	reconciler := NewReconciler(store, logger, metrics, policy)
	reconciler.now = clock.Now
	sweeper := NewLockSweeper(store, logger, metrics, time.Minute)
	sweeper.now = clock.Now

	controlAPI := NewControlAPI(store, pools, tokens, logger).WithMetrics(metrics)
	controlAPI.now = clock.Now
	controlMux := http.NewServeMux()
	controlAPI.Register(controlMux)

	agentAPI := NewAgentAPI(store, tokens, locks, reconciler, logger)
	agentAPI.now = clock.Now
	agentMux := http.NewServeMux()
	agentAPI.Register(agentMux)

	return &fleet{
		store:      store,
		clock:      clock,
		metrics:    metrics,
		pools:      pools,
		tokens:     tokens,
		locks:      locks,
		reconciler: reconciler,
		sweeper:    sweeper,
		control:    controlMux,
		agent:      agentMux,
	}
}

// seedPool inserts the default EU proxmox pool, a German offering routed to
// it, and an accepted contract.
func (f *fleet) seedPool(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreatePool(ctx, testutil.NewTestPool(testutil.PoolOpts{})))
	require.NoError(t, f.store.UpsertOffering(ctx, testutil.NewTestOffering(testutil.OfferingOpts{})))
	require.NoError(t, f.store.CreateContract(ctx, testutil.NewTestContract(testutil.ContractOpts{})))
}

// register delegates agentID to poolID through a fresh setup token.
func (f *fleet) register(t *testing.T, poolID, agentID string) models.AgentDelegation {
	t.Helper()
	ctx := context.Background()
	issued, err := f.tokens.Issue(ctx, testutil.TestOwnerID, poolID, "", 0)
	require.NoError(t, err)
	result, err := f.tokens.Redeem(ctx, RedeemRequest{Token: issued.Token, AgentID: agentID})
	require.NoError(t, err)
	return result.Delegation
}

func doJSON(t *testing.T, handler http.Handler, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			reader = bytes.NewBufferString(v)
		default:
			data, err := json.Marshal(v)
			require.NoError(t, err)
			reader = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func ownerHeaders(owner string) map[string]string {
	return map[string]string{ownerIdentityHeader: owner}
}

func agentHeaders(agent string) map[string]string {
	return map[string]string{agentIdentityHeader: agent}
}

func decodeRecorder[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}
