package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Memory(t *testing.T) {
	stores, err := Open(context.Background(), DefaultConfig(), nil)
	require.NoError(t, err)
	defer stores.Close()

	assert.Nil(t, stores.DB)
	assert.NotNil(t, stores.Balances)
	assert.NotNil(t, stores.Packages)
	assert.NotNil(t, stores.Ledger)
	assert.NotNil(t, stores.Receipts)
	assert.NotNil(t, stores.Assignments)
	assert.NotNil(t, stores.Events)
	assert.NoError(t, stores.Close())
}

func TestOpen_InvalidType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Type = "filesystem"
	_, err := Open(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "invalid storage type")
}

func TestOpenPostgres_RequiresURL(t *testing.T) {
	_, err := OpenPostgres(context.Background(), DefaultConfig())
	assert.Error(t, err)
}

func TestNewPostgresStores_SharesPool(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	stores := NewPostgresStores(db)
	assert.Same(t, db, stores.DB)

	mock.ExpectClose()
	require.NoError(t, stores.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrations_ComponentsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, set := range Migrations() {
		assert.False(t, seen[set.Component], "duplicate component %s", set.Component)
		assert.NotEmpty(t, set.Migrations)
		seen[set.Component] = true
	}
	assert.Len(t, seen, 6)
}

func TestOpenRedis(t *testing.T) {
	client, err := OpenRedis(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.Nil(t, client)

	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.RedisURL = "redis://" + mr.Addr()
	client, err = OpenRedis(context.Background(), cfg)
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())

	cfg.RedisURL = "not a url"
	_, err = OpenRedis(context.Background(), cfg)
	assert.Error(t, err)
}
