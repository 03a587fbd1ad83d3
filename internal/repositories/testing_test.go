package repositories

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dm-service/internal/db"
)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "dm.db") + "?_time_format=sqlite"
	conn, err := db.Connect(db.DriverSQLite, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func strPtr(s string) *string { return &s }
