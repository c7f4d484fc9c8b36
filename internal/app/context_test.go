package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"intentescrow/internal/config"
	"intentescrow/internal/db"
)

func TestOpenWithDefaults(t *testing.T) {
	ws := t.TempDir()
	c, err := Open(context.Background(), ws)
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, config.Default().EscrowAccount(), c.Book.Escrow)
	require.Equal(t, c.Book, c.Engine.Ledger)
	_, err = os.Stat(db.LedgerPath(ws))
	require.NoError(t, err)
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger("chatty", "json")
	require.Error(t, err)
	l, err := NewLogger("debug", "console")
	require.NoError(t, err)
	require.NotNil(t, l)
}
