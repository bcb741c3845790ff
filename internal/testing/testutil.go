// ABOUTME: Package testing provides shared test utilities and helper functions for fleetd.
//
// Key utilities:
//   - Model factories: NewTestPool, NewTestOffering, NewTestContract
//   - Clock: a manually advanced clock for lease and expiry tests
//   - Helpers: MkdirTempInDir, TempFile, AssertJSONEqual
//
// The package is designed to work with github.com/stretchr/testify.
package testing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmarket/fleetd/internal/models"
	"github.com/fleetmarket/fleetd/internal/regions"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

const (
	TestOwnerID    = "owner-1"
	TestOwnerIDAlt = "owner-2"
	TestAgentID    = "agent-a"
	TestAgentIDAlt = "agent-b"
	TestPoolID     = "pool-eu"
	TestOfferingID = "offering-1"
	TestContractID = "contract-1"
)

// Clock is a concurrency-safe manual clock. Its Now method fits any
// func() time.Time hook.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// AssertJSONEqual asserts that two values marshal to semantically equal JSON.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")

	var wantAny, gotAny any
	require.NoError(t, json.Unmarshal(wantBytes, &wantAny), "failed to unmarshal 'want'")
	require.NoError(t, json.Unmarshal(gotBytes, &gotAny), "failed to unmarshal 'got'")

	assert.Equal(t, wantAny, gotAny, msgAndArgs...)
}

// TempFile writes content to a file in the test's temp dir and returns its path.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testfile")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write temp file")
	return path
}

// MkdirTempInDir creates a temporary directory under parentDir that is
// removed when the test completes.
func MkdirTempInDir(t *testing.T, parentDir string) string {
	t.Helper()
	path, err := os.MkdirTemp(parentDir, "testdir*")
	require.NoError(t, err, "failed to create temp dir")
	t.Cleanup(func() {
		_ = os.RemoveAll(path)
	})
	return path
}

// PoolOpts configures NewTestPool. Zero fields take defaults.
type PoolOpts struct {
	ID              string
	OwnerID         string
	Name            string
	Region          regions.ID
	ProvisionerType models.ProvisionerType
	CreatedAt       time.Time
}

// NewTestPool creates a pool model with defaults: an EU proxmox pool of
// TestOwnerID.
func NewTestPool(opts PoolOpts) models.AgentPool {
	pool := models.AgentPool{
		ID:              TestPoolID,
		OwnerID:         TestOwnerID,
		Name:            "eu-proxmox",
		Region:          regions.Europe,
		ProvisionerType: models.ProvisionerProxmox,
		CreatedAt:       FixedTime,
		UpdatedAt:       FixedTime,
	}
	if opts.ID != "" {
		pool.ID = opts.ID
	}
	if opts.OwnerID != "" {
		pool.OwnerID = opts.OwnerID
	}
	if opts.Name != "" {
		pool.Name = opts.Name
	}
	if opts.Region != "" {
		pool.Region = opts.Region
	}
	if opts.ProvisionerType != "" {
		pool.ProvisionerType = opts.ProvisionerType
	}
	if !opts.CreatedAt.IsZero() {
		pool.CreatedAt = opts.CreatedAt
		pool.UpdatedAt = opts.CreatedAt
	}
	return pool
}

// OfferingOpts configures NewTestOffering.
type OfferingOpts struct {
	ID                string
	OwnerID           string
	DatacenterCountry string
	ProvisionerType   models.ProvisionerType
	AgentPoolID       string
}

// NewTestOffering creates an offering model located in Germany by default.
func NewTestOffering(opts OfferingOpts) models.Offering {
	offering := models.Offering{
		ID:                TestOfferingID,
		OwnerID:           TestOwnerID,
		DatacenterCountry: "DE",
		ProvisionerType:   models.ProvisionerProxmox,
		CreatedAt:         FixedTime,
		UpdatedAt:         FixedTime,
	}
	if opts.ID != "" {
		offering.ID = opts.ID
	}
	if opts.OwnerID != "" {
		offering.OwnerID = opts.OwnerID
	}
	if opts.DatacenterCountry != "" {
		offering.DatacenterCountry = opts.DatacenterCountry
	}
	if opts.ProvisionerType != "" {
		offering.ProvisionerType = opts.ProvisionerType
	}
	if opts.AgentPoolID != "" {
		poolID := opts.AgentPoolID
		offering.AgentPoolID = &poolID
	}
	return offering
}

// ContractOpts configures NewTestContract.
type ContractOpts struct {
	ID           string
	OfferingID   string
	Status       models.ContractStatus
	EndTimestamp *time.Time
	CreatedAt    time.Time
}

// NewTestContract creates an accepted contract of TestOfferingID by default.
func NewTestContract(opts ContractOpts) models.Contract {
	contract := models.Contract{
		ID:         TestContractID,
		OfferingID: TestOfferingID,
		Status:     models.ContractAccepted,
		CreatedAt:  FixedTime,
		UpdatedAt:  FixedTime,
	}
	if opts.ID != "" {
		contract.ID = opts.ID
	}
	if opts.OfferingID != "" {
		contract.OfferingID = opts.OfferingID
	}
	if opts.Status != "" {
		contract.Status = opts.Status
	}
	if opts.EndTimestamp != nil {
		end := *opts.EndTimestamp
		contract.EndTimestamp = &end
	}
	if !opts.CreatedAt.IsZero() {
		contract.CreatedAt = opts.CreatedAt
		contract.UpdatedAt = opts.CreatedAt
	}
	return contract
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
