package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAppliesPragmas(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()

	var mode string
	require.NoError(t, conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	require.Equal(t, "wal", mode)
	var fk int
	require.NoError(t, conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	require.Equal(t, 1, fk)
	require.FileExists(t, filepath.Join(dir, workspaceDir, defaultDBName))
}

func TestLedgerPathSitsBesideEscrowDB(t *testing.T) {
	require.Equal(t, filepath.Join("ws", workspaceDir, ledgerDBName), LedgerPath("ws"))
}
