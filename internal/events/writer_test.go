package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"intentescrow/internal/db"
	"intentescrow/internal/migrate"
	"intentescrow/internal/repo"
)

func TestAppendChainsAndVerifies(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	w := Writer{Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	first, err := w.Append(ctx, tx, PolicyUpdated, "0xA", KindPolicy, "0xA", "0xA", EventPayload{"b": 2, "a": 1})
	require.NoError(t, err)
	second, err := w.Append(ctx, tx, Deposited, "0xA", KindBalance, "0xA", "0xA", nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Equal(t, GenesisHash, first.PrevHash)
	require.Equal(t, first.Hash, second.PrevHash)
	require.Equal(t, `{"a":1,"b":2}`, first.Payload)
	require.Equal(t, `{}`, second.Payload)

	evts, err := repo.Repo{DB: conn}.AllEvents(ctx)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	require.NoError(t, Verify(evts))

	evts[0].ActorID = "0xB"
	require.ErrorIs(t, Verify(evts), ErrChainBroken)
	require.ErrorIs(t, Verify(evts[1:]), ErrChainBroken)
}
