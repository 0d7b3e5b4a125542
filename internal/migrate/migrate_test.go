package migrate

import (
	"context"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/rma-console/migrations"
)

func TestEmbeddedMigrations(t *testing.T) {
	names, err := fs.Glob(migrations.FS, "*.sql")
	require.NoError(t, err)
	require.Contains(t, names, "00001_console_kv.sql")
}

func TestUp_UnreachableDatabase(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := Up(ctx, "postgres://rma@127.0.0.1:1/rma?connect_timeout=1&sslmode=disable", zaptest.NewLogger(t))
	require.ErrorContains(t, err, "migrate:")
}
