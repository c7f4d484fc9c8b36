package ledger_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"intentescrow/internal/db"
	"intentescrow/internal/ledger"
)

var (
	escrowAcct = common.HexToAddress("0x00000000000000000000000000000000000e5c70")
	alice      = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob        = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
)

func newBook(t *testing.T) *ledger.Book {
	t.Helper()
	conn, err := db.OpenFile(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	book, err := ledger.Open(context.Background(), conn, escrowAcct)
	require.NoError(t, err)
	return book
}

func TestTransferInSpendsAllowance(t *testing.T) {
	ctx := context.Background()
	book := newBook(t)
	require.NoError(t, book.Mint(ctx, alice, 10))

	err := book.TransferIn(ctx, alice, 4)
	require.ErrorIs(t, err, ledger.ErrInsufficientAllowance)

	require.NoError(t, book.Approve(ctx, alice, 6))
	require.NoError(t, book.TransferIn(ctx, alice, 4))

	bal, err := book.BalanceOf(ctx, alice)
	require.NoError(t, err)
	require.EqualValues(t, 6, bal)
	pooled, err := book.BalanceOf(ctx, escrowAcct)
	require.NoError(t, err)
	require.EqualValues(t, 4, pooled)
	left, err := book.Allowance(ctx, alice)
	require.NoError(t, err)
	require.EqualValues(t, 2, left)
}

func TestTransferInInsufficientBalanceKeepsAllowance(t *testing.T) {
	ctx := context.Background()
	book := newBook(t)
	require.NoError(t, book.Mint(ctx, alice, 1))
	require.NoError(t, book.Approve(ctx, alice, 5))

	err := book.TransferIn(ctx, alice, 5)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	left, err := book.Allowance(ctx, alice)
	require.NoError(t, err)
	require.EqualValues(t, 5, left)
}

func TestTransferOut(t *testing.T) {
	ctx := context.Background()
	book := newBook(t)
	require.ErrorIs(t, book.TransferOut(ctx, bob, 1), ledger.ErrInsufficientBalance)

	require.NoError(t, book.Mint(ctx, escrowAcct, 3))
	require.NoError(t, book.TransferOut(ctx, bob, 2))
	bal, err := book.BalanceOf(ctx, bob)
	require.NoError(t, err)
	require.EqualValues(t, 2, bal)

	require.ErrorIs(t, book.TransferOut(ctx, bob, 0), ledger.ErrInvalidAmount)
}
