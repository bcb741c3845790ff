package db

import (
	"context"
	"path/filepath"
	"testing"

	testutil "github.com/fleetmarket/fleetd/internal/testing"
	"github.com/stretchr/testify/require"
)

// openTestStore creates a database in a temporary directory that is closed
// when the test completes.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := testutil.MkdirTempInDir(t, t.TempDir())
	store, err := Open(filepath.Join(path, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// seedRouting inserts the default test pool, an offering routed to it by
// country, and one accepted contract.
func seedRouting(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreatePool(ctx, testutil.NewTestPool(testutil.PoolOpts{})))
	require.NoError(t, store.UpsertOffering(ctx, testutil.NewTestOffering(testutil.OfferingOpts{})))
	require.NoError(t, store.CreateContract(ctx, testutil.NewTestContract(testutil.ContractOpts{})))
}
