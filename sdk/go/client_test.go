package escrowsdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"intentescrow/internal/config"
	"intentescrow/internal/db"
	"intentescrow/internal/engine"
	"intentescrow/internal/ledger"
	"intentescrow/internal/migrate"
	"intentescrow/internal/server"
	"intentescrow/internal/signing"
	escrowsdk "intentescrow/sdk/go"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	ws := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: ws})
	require.NoError(t, err)
	_, err = migrate.MigrateContext(ctx, conn)
	require.NoError(t, err)
	ledgerConn, err := db.OpenFile(filepath.Join(ws, "ledger.db"))
	require.NoError(t, err)
	book, err := ledger.Open(ctx, ledgerConn, cfg.EscrowAccount())
	require.NoError(t, err)
	d := signing.NewDomain(cfg.Escrow.Name, cfg.Escrow.Version, cfg.Escrow.ChainID, cfg.VerifyingContract())
	handler, err := server.New(server.Config{
		Engine:    engine.New(conn, d, book),
		Book:      book,
		Auth:      server.AuthConfig{JWTSecret: "sdk-secret", AllowCallerHeader: true},
		AllowMint: true,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
		ledgerConn.Close()
	})
	return srv
}

func TestClientDisputeFlow(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := signing.Address(key).Hex()
	recipientAddr := common.HexToAddress("0x00000000000000000000000000000000000000b0").Hex()

	oc := escrowsdk.New(srv.URL)
	_, err = oc.Login(ctx, key)
	require.NoError(t, err)
	me, err := oc.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, owner, me)

	_, err = oc.Mint(ctx, owner, 50)
	require.NoError(t, err)
	acct, err := oc.Approve(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, int64(50), acct.Allowance)
	bal, err := oc.Deposit(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, int64(50), bal.Available)
	_, err = oc.SetPolicy(ctx, 20, 600, 600)
	require.NoError(t, err)
	require.NoError(t, oc.SetRecipientAllowed(ctx, recipientAddr, true))
	allowed, err := oc.IsRecipientAllowed(ctx, owner, recipientAddr)
	require.NoError(t, err)
	require.True(t, allowed)

	in := escrowsdk.Intent{
		Owner:     owner,
		Recipient: recipientAddr,
		Amount:    15,
		JobID:     common.HexToHash("0x10b").Hex(),
		Nonce:     7,
		Expiry:    time.Now().Add(time.Hour).Unix(),
	}
	hash, err := oc.HashIntent(ctx, in)
	require.NoError(t, err)
	sig, err := signing.Sign(common.HexToHash(hash), key)
	require.NoError(t, err)

	relayer := escrowsdk.New(srv.URL)
	relayer.Caller = "0x00000000000000000000000000000000000000c0"
	rec, err := relayer.SubmitIntent(ctx, escrowsdk.SignedIntent{Intent: in, Signature: hexutil.Encode(sig)})
	require.NoError(t, err)
	require.Equal(t, hash, rec.Hash)
	require.Equal(t, "created", rec.State)

	used, err := relayer.IsNonceUsed(ctx, owner, 7)
	require.NoError(t, err)
	require.True(t, used)

	rc := escrowsdk.New(srv.URL)
	rc.Caller = recipientAddr
	rec, err = rc.Claim(ctx, hash, "")
	require.NoError(t, err)
	require.Equal(t, "claimed", rec.State)

	_, err = relayer.Finalize(ctx, hash)
	var apiErr *escrowsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	require.Equal(t, "timelock_not_elapsed", apiErr.Code)

	rec, err = oc.Dispute(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, "disputed", rec.State)
	rec, err = oc.Resolve(ctx, hash, false)
	require.NoError(t, err)
	require.Equal(t, "canceled", rec.State)

	bal, err = oc.Balance(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, int64(50), bal.Deposited)
	require.Equal(t, int64(0), bal.Locked)

	_, err = oc.Cancel(ctx, hash)
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "already_canceled", apiErr.Code)

	list, err := relayer.ListIntents(ctx, escrowsdk.IntentQuery{Owner: owner, State: "canceled"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	page, err := relayer.EventsPage(ctx, 3, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	require.Equal(t, "intent.canceled", page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)
}

func TestClientAPIKey(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	owner := "0x00000000000000000000000000000000000000a1"

	dev := escrowsdk.New(srv.URL)
	dev.Caller = owner
	key, err := dev.CreateAPIKey(ctx, "bot")
	require.NoError(t, err)
	require.NotEmpty(t, key.Key)

	kc := escrowsdk.New(srv.URL)
	kc.APIKey = key.Key
	me, err := kc.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(owner).Hex(), me)

	anon := escrowsdk.New(srv.URL)
	_, err = anon.Me(ctx)
	var apiErr *escrowsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
