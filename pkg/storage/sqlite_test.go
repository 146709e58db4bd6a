package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLite_CreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	db, err := OpenSQLite(path)
	require.NoError(t, err)

	s := NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", mode, "event store needs WAL for cross-process readers")
}

func TestOpenSQLite_SharedByTwoConnections(t *testing.T) {
	// A second, independently opened connection must see the first one's
	// appended events: this is the cross-process observer contract.
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	db1, err := OpenSQLite(path)
	require.NoError(t, err)
	writer := NewGormStorage(db1)
	require.NoError(t, writer.Migrate(ctx))

	unit := newTestUnit("run-1", "light")
	require.NoError(t, writer.CreateUnit(ctx, unit))

	db2, err := OpenSQLite(path)
	require.NoError(t, err)
	reader := NewGormStorage(db2)

	got, err := reader.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, unit.ID, got.ID)
}
