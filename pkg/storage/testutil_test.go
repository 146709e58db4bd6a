package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/benchwork/benchwork/pkg/core"
)

// newTestStorage creates a fresh file-backed SQLite storage instance for
// each test. A file (not :memory:) keeps every pooled connection on the
// same database, matching production behavior under concurrent claims.
func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "benchwork_test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open sqlite test db")

	s := NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return s
}

// newTestUnit builds a minimal valid work unit for insertion in tests.
func newTestUnit(run string, class core.ResourceClass) *core.WorkUnit {
	return &core.WorkUnit{
		RunID:         run,
		Kind:          core.KindKnowledgeTest,
		ResourceClass: class,
		Payload:       []byte(`{}`),
	}
}
