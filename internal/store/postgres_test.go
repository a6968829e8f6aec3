package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/farepay/internal/catalog"
	"github.com/punchamoorthee/farepay/internal/domain"
	"github.com/punchamoorthee/farepay/internal/store"
)

// newPostgresStore needs a disposable database in TEST_DB_SOURCE.
func newPostgresStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DB_SOURCE")
	if dsn == "" {
		t.Skip("TEST_DB_SOURCE not set")
	}
	s, err := store.NewStore(dsn, "test-"+uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func TestPostgresRoutes(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	_, err := s.SeedRoutes(ctx, catalog.Default().All())
	require.NoError(t, err)
	n, err := s.SeedRoutes(ctx, catalog.Default().All())
	require.NoError(t, err)
	assert.Zero(t, n, "seeding twice inserts nothing")

	routes, err := s.ListRoutes(ctx)
	require.NoError(t, err)
	c, err := catalog.New(routes)
	require.NoError(t, err)
	want, _ := catalog.Default().Lookup("R1")
	got, ok := c.Lookup("R1")
	require.True(t, ok)
	assert.True(t, want.StandardPrice.Equal(got.StandardPrice))
	assert.True(t, want.PeakPrice.Equal(got.PeakPrice))
}

func TestPostgresSnapshotAndKeys(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	_, found, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	snap := domain.LedgerSnapshot{Balance: domain.WalletBalance{Amount: decimal.NewFromInt(42)}}
	require.NoError(t, s.SaveSnapshot(ctx, snap))
	require.NoError(t, s.SaveSnapshot(ctx, snap))
	got, found, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Balance.Amount.Equal(decimal.NewFromInt(42)))

	key := uuid.NewString()
	existing, err := s.Reserve(ctx, key, "h")
	require.NoError(t, err)
	assert.Nil(t, existing)
	require.NoError(t, s.Complete(ctx, key, 201, []byte(`{"ok":true}`)))
	existing, err = s.Reserve(ctx, key, "h")
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, 201, existing.ResponseStatus)
	require.NoError(t, s.Release(ctx, key))
}
