package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/sitebook/config"
	"github.com/warp/sitebook/inventory"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	st, closeFn, err := openStore(ctx, config.StoreConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	closeFn()
	assert.NotNil(t, st)

	path := filepath.Join(t.TempDir(), "sitebook.db")
	st, closeFn, err = openStore(ctx, config.StoreConfig{Driver: config.DriverSQLite, DSN: path})
	require.NoError(t, err)
	defer closeFn()
	require.NoError(t, st.PutSite(ctx, inventory.Site{ID: "s1", Name: "Villa Rosa", Status: inventory.SiteRunning}))

	_, _, err = openStore(ctx, config.StoreConfig{Driver: "mysql"})
	assert.Error(t, err)
}

func TestOpenLocker_Local(t *testing.T) {
	l, closeFn, err := openLocker(context.Background(), config.LockConfig{Driver: config.LockLocal}, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &inventory.KeyedMutex{}, l)
}
