package engine_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"intentescrow/internal/db"
	"intentescrow/internal/domain"
	"intentescrow/internal/engine"
	"intentescrow/internal/events"
	"intentescrow/internal/ledger"
	"intentescrow/internal/migrate"
	"intentescrow/internal/repo"
	"intentescrow/internal/signing"
)

const start int64 = 1_700_000_000

var (
	escrowAcct = common.HexToAddress("0x00000000000000000000000000000000000e5c70")
	recipient  = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
	relayer    = common.HexToAddress("0x5e1a700000000000000000000000000000000003")
	stranger   = common.HexToAddress("0x0dd0000000000000000000000000000000000004")
)

type testEnv struct {
	Engine *engine.Engine
	Book   *ledger.Book
	Ctx    context.Context
	Key    *ecdsa.PrivateKey
	Owner  common.Address

	mu    sync.Mutex
	clock int64
}

func (env *testEnv) advance(secs int64) {
	env.mu.Lock()
	env.clock += secs
	env.mu.Unlock()
}

func (env *testEnv) now() int64 {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.clock
}

// newTestEnv builds an engine over a fresh workspace. A nil ledger uses the
// sqlite token book.
func newTestEnv(t *testing.T, l engine.Ledger) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	ledgerConn, err := db.OpenFile(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledgerConn.Close() })
	book, err := ledger.Open(context.Background(), ledgerConn, escrowAcct)
	require.NoError(t, err)
	if l == nil {
		l = book
	}

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	env := &testEnv{Book: book, Ctx: context.Background(), Key: key, Owner: crypto.PubkeyToAddress(key.PublicKey), clock: start}
	eng := engine.New(conn, signing.NewDomain(signing.DefaultName, signing.DefaultVersion, 1337, escrowAcct), l)
	eng.Now = func() time.Time { return time.Unix(env.now(), 0) }
	env.Engine = eng
	return env
}

// fund mints, approves, and deposits amount for the env owner and installs a policy.
func (env *testEnv) fund(t *testing.T, amount, maxPerIntent, timelock, dispute int64) {
	t.Helper()
	require.NoError(t, env.Book.Mint(env.Ctx, env.Owner, amount))
	require.NoError(t, env.Book.Approve(env.Ctx, env.Owner, amount))
	_, err := env.Engine.Deposit(env.Ctx, env.Owner, amount)
	require.NoError(t, err)
	_, err = env.Engine.SetPolicy(env.Ctx, env.Owner, maxPerIntent, timelock, dispute)
	require.NoError(t, err)
	require.NoError(t, env.Engine.SetRecipientAllowed(env.Ctx, env.Owner, recipient, true))
}

func (env *testEnv) intent(amount int64, nonce uint64) domain.Intent {
	return domain.Intent{
		Owner:     env.Owner,
		Recipient: recipient,
		Amount:    amount,
		JobID:     common.HexToHash("0x6a6f622d31"),
		Nonce:     nonce,
		Expiry:    env.now() + 3600,
	}
}

func (env *testEnv) sign(t *testing.T, in domain.Intent) []byte {
	t.Helper()
	h, err := env.Engine.HashIntent(in)
	require.NoError(t, err)
	sig, err := signing.Sign(h, env.Key)
	require.NoError(t, err)
	return sig
}

func (env *testEnv) create(t *testing.T, in domain.Intent) domain.IntentRecord {
	t.Helper()
	rec, err := env.Engine.CreateIntent(env.Ctx, relayer, in, env.sign(t, in))
	require.NoError(t, err)
	return rec
}

func (env *testEnv) balance(t *testing.T) domain.Balance {
	t.Helper()
	b, err := env.Engine.Balance(env.Ctx, env.Owner)
	require.NoError(t, err)
	return b
}

func requireKind(t *testing.T, err error, want *engine.Error) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, want, "got %v", err)
}

func TestHappyPathWithTimelock(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 10, 5, 60, 60)

	rec := env.create(t, env.intent(2, 1))
	require.Equal(t, domain.StateCreated, rec.State())
	require.Equal(t, relayer, rec.Submitter)
	require.Equal(t, start+60, rec.TimelockEndsAt)
	b := env.balance(t)
	require.EqualValues(t, 2, b.Locked)
	require.EqualValues(t, 8, b.Available())

	evidence := common.HexToHash("0xe1")
	rec, err := env.Engine.ClaimIntent(env.Ctx, recipient, rec.Hash, evidence)
	require.NoError(t, err)
	require.Equal(t, evidence, rec.EvidenceHash)

	env.advance(59)
	_, err = env.Engine.FinalizeIntent(env.Ctx, stranger, rec.Hash)
	requireKind(t, err, engine.ErrTimelockNotElapsed)

	env.advance(2)
	rec, err = env.Engine.FinalizeIntent(env.Ctx, stranger, rec.Hash)
	require.NoError(t, err)
	require.Equal(t, domain.StateFinalized, rec.State())

	b = env.balance(t)
	require.EqualValues(t, 8, b.Deposited)
	require.EqualValues(t, 0, b.Locked)
	paid, err := env.Book.BalanceOf(env.Ctx, recipient)
	require.NoError(t, err)
	require.EqualValues(t, 2, paid)
	require.NoError(t, env.Engine.CheckInvariants(env.Ctx))
}

func TestReplayedIntentIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 10, 5, 60, 60)
	in := env.intent(2, 1)
	sig := env.sign(t, in)
	_, err := env.Engine.CreateIntent(env.Ctx, relayer, in, sig)
	require.NoError(t, err)

	_, err = env.Engine.CreateIntent(env.Ctx, stranger, in, sig)
	requireKind(t, err, engine.ErrIntentAlreadyExists)

	other := in
	other.Amount = 3
	_, err = env.Engine.CreateIntent(env.Ctx, relayer, other, env.sign(t, other))
	requireKind(t, err, engine.ErrNonceAlreadyUsed)

	used, err := env.Engine.IsNonceUsed(env.Ctx, env.Owner, 1)
	require.NoError(t, err)
	require.True(t, used)
	require.EqualValues(t, 2, env.balance(t).Locked)
}

func TestCreateIntentPolicyChecks(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 10, 5, 60, 60)

	over := env.intent(6, 1)
	_, err := env.Engine.CreateIntent(env.Ctx, relayer, over, env.sign(t, over))
	requireKind(t, err, engine.ErrExceedsMaxPerIntent)

	unknown := env.intent(1, 2)
	unknown.Recipient = stranger
	_, err = env.Engine.CreateIntent(env.Ctx, relayer, unknown, env.sign(t, unknown))
	requireKind(t, err, engine.ErrRecipientNotAllowed)

	zero := env.intent(0, 3)
	_, err = env.Engine.CreateIntent(env.Ctx, relayer, zero, env.sign(t, zero))
	requireKind(t, err, engine.ErrInvalidAmount)

	require.NoError(t, env.Engine.SetRecipientAllowed(env.Ctx, env.Owner, recipient, false))
	revoked := env.intent(1, 4)
	_, err = env.Engine.CreateIntent(env.Ctx, relayer, revoked, env.sign(t, revoked))
	requireKind(t, err, engine.ErrRecipientNotAllowed)

	// rejected calls leave nonces untouched
	used, err := env.Engine.IsNonceUsed(env.Ctx, env.Owner, 1)
	require.NoError(t, err)
	require.False(t, used)
	require.EqualValues(t, 0, env.balance(t).Locked)
}

func TestCreateIntentValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	noPolicy := env.intent(1, 1)
	_, err := env.Engine.CreateIntent(env.Ctx, relayer, noPolicy, env.sign(t, noPolicy))
	requireKind(t, err, engine.ErrPolicyNotSet)

	env.fund(t, 10, 5, 60, 60)

	zeroRecipient := env.intent(1, 1)
	zeroRecipient.Recipient = common.Address{}
	_, err = env.Engine.CreateIntent(env.Ctx, relayer, zeroRecipient, nil)
	requireKind(t, err, engine.ErrInvalidAddress)

	expired := env.intent(1, 1)
	expired.Expiry = env.now() - 1
	_, err = env.Engine.CreateIntent(env.Ctx, relayer, expired, env.sign(t, expired))
	requireKind(t, err, engine.ErrIntentExpired)

	noExpiry := env.intent(1, 1)
	noExpiry.Expiry = 0
	_, err = env.Engine.CreateIntent(env.Ctx, relayer, noExpiry, env.sign(t, noExpiry))
	requireKind(t, err, engine.ErrIntentExpired)

	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	in := env.intent(1, 1)
	h, err := env.Engine.HashIntent(in)
	require.NoError(t, err)
	forged, err := signing.Sign(h, otherKey)
	require.NoError(t, err)
	_, err = env.Engine.CreateIntent(env.Ctx, relayer, in, forged)
	requireKind(t, err, engine.ErrBadSignature)

	_, err = env.Engine.CreateIntent(env.Ctx, relayer, in, []byte{1, 2, 3})
	requireKind(t, err, engine.ErrBadSignature)

	env.create(t, env.intent(5, 7))
	env.create(t, env.intent(4, 8))
	last := env.intent(2, 9)
	_, err = env.Engine.CreateIntent(env.Ctx, relayer, last, env.sign(t, last))
	requireKind(t, err, engine.ErrInsufficientAvailableBalance)
	require.EqualValues(t, 9, env.balance(t).Locked)
}

func TestDisputeThenCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 10, 5, 60, 60)
	rec := env.create(t, env.intent(3, 1))
	_, err := env.Engine.ClaimIntent(env.Ctx, recipient, rec.Hash, common.Hash{})
	require.NoError(t, err)

	env.advance(30)
	rec, err = env.Engine.DisputeIntent(env.Ctx, env.Owner, rec.Hash)
	require.NoError(t, err)
	require.Equal(t, domain.StateDisputed, rec.State())

	env.advance(100)
	_, err = env.Engine.FinalizeIntent(env.Ctx, stranger, rec.Hash)
	requireKind(t, err, engine.ErrIntentIsDisputed)

	rec, err = env.Engine.ResolveDispute(env.Ctx, env.Owner, rec.Hash, false)
	require.NoError(t, err)
	require.Equal(t, domain.StateCanceled, rec.State())
	b := env.balance(t)
	require.EqualValues(t, 10, b.Available())
	require.EqualValues(t, 10, b.Deposited)

	_, err = env.Engine.FinalizeIntent(env.Ctx, stranger, rec.Hash)
	requireKind(t, err, engine.ErrAlreadyCanceled)
}

func TestClaimAfterExpiry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 10, 5, 0, 0)
	in := env.intent(1, 1)
	in.Expiry = env.now() + 10
	rec := env.create(t, in)

	env.advance(11)
	_, err := env.Engine.ClaimIntent(env.Ctx, recipient, rec.Hash, common.Hash{})
	requireKind(t, err, engine.ErrIntentExpired)

	// the owner can still reclaim the lock
	_, err = env.Engine.CancelIntent(env.Ctx, env.Owner, rec.Hash)
	require.NoError(t, err)
	require.EqualValues(t, 0, env.balance(t).Locked)
}

func TestResolvePayOutSkipsTimelock(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 10, 5, 3600, 600)
	rec := env.create(t, env.intent(4, 1))
	_, err := env.Engine.ClaimIntent(env.Ctx, recipient, rec.Hash, common.Hash{})
	require.NoError(t, err)
	_, err = env.Engine.DisputeIntent(env.Ctx, env.Owner, rec.Hash)
	require.NoError(t, err)

	_, err = env.Engine.ResolveDispute(env.Ctx, stranger, rec.Hash, true)
	requireKind(t, err, engine.ErrNotOwner)

	rec, err = env.Engine.ResolveDispute(env.Ctx, env.Owner, rec.Hash, true)
	require.NoError(t, err)
	require.True(t, rec.Finalized)
	require.True(t, rec.Disputed)
	paid, err := env.Book.BalanceOf(env.Ctx, recipient)
	require.NoError(t, err)
	require.EqualValues(t, 4, paid)
	require.EqualValues(t, 6, env.balance(t).Deposited)
}

func TestLifecycleCallerAndStateChecks(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 10, 5, 60, 60)
	rec := env.create(t, env.intent(1, 1))

	_, err := env.Engine.ClaimIntent(env.Ctx, stranger, rec.Hash, common.Hash{})
	requireKind(t, err, engine.ErrNotRecipient)
	_, err = env.Engine.CancelIntent(env.Ctx, stranger, rec.Hash)
	requireKind(t, err, engine.ErrNotOwner)
	_, err = env.Engine.DisputeIntent(env.Ctx, env.Owner, rec.Hash)
	requireKind(t, err, engine.ErrNotClaimed)
	_, err = env.Engine.FinalizeIntent(env.Ctx, env.Owner, rec.Hash)
	requireKind(t, err, engine.ErrNotClaimed)
	_, err = env.Engine.ResolveDispute(env.Ctx, env.Owner, rec.Hash, true)
	requireKind(t, err, engine.ErrNotDisputed)

	_, err = env.Engine.ClaimIntent(env.Ctx, recipient, rec.Hash, common.Hash{})
	require.NoError(t, err)
	_, err = env.Engine.ClaimIntent(env.Ctx, recipient, rec.Hash, common.Hash{})
	requireKind(t, err, engine.ErrAlreadyClaimed)
	_, err = env.Engine.CancelIntent(env.Ctx, env.Owner, rec.Hash)
	requireKind(t, err, engine.ErrAlreadyClaimed)

	env.advance(61)
	_, err = env.Engine.DisputeIntent(env.Ctx, env.Owner, rec.Hash)
	requireKind(t, err, engine.ErrDisputeWindowClosed)

	_, err = env.Engine.GetIntent(env.Ctx, common.HexToHash("0xdead"))
	requireKind(t, err, engine.ErrIntentNotFound)
	_, err = env.Engine.ClaimIntent(env.Ctx, recipient, common.HexToHash("0xdead"), common.Hash{})
	requireKind(t, err, engine.ErrIntentNotFound)
}

func TestTerminalRecordsRejectEveryCall(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 10, 5, 0, 60)
	done := env.create(t, env.intent(1, 1))
	_, err := env.Engine.ClaimIntent(env.Ctx, recipient, done.Hash, common.Hash{})
	require.NoError(t, err)
	_, err = env.Engine.FinalizeIntent(env.Ctx, env.Owner, done.Hash)
	require.NoError(t, err)

	canceled := env.create(t, env.intent(1, 2))
	_, err = env.Engine.CancelIntent(env.Ctx, env.Owner, canceled.Hash)
	require.NoError(t, err)

	for _, tc := range []struct {
		hash common.Hash
		want *engine.Error
	}{
		{done.Hash, engine.ErrAlreadyFinalized},
		{canceled.Hash, engine.ErrAlreadyCanceled},
	} {
		for _, caller := range []common.Address{env.Owner, recipient, stranger} {
			_, err = env.Engine.ClaimIntent(env.Ctx, caller, tc.hash, common.Hash{})
			requireKind(t, err, tc.want)
			_, err = env.Engine.CancelIntent(env.Ctx, caller, tc.hash)
			requireKind(t, err, tc.want)
			_, err = env.Engine.DisputeIntent(env.Ctx, caller, tc.hash)
			requireKind(t, err, tc.want)
			_, err = env.Engine.ResolveDispute(env.Ctx, caller, tc.hash, true)
			requireKind(t, err, tc.want)
			_, err = env.Engine.FinalizeIntent(env.Ctx, caller, tc.hash)
			requireKind(t, err, tc.want)
		}
	}
	require.NoError(t, env.Engine.CheckInvariants(env.Ctx))
}

func TestPolicySnapshotAtCreation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 10, 5, 60, 60)
	rec := env.create(t, env.intent(5, 1))

	_, err := env.Engine.SetPolicy(env.Ctx, env.Owner, 1, 10_000, 0)
	require.NoError(t, err)
	p, err := env.Engine.GetPolicy(env.Ctx, env.Owner)
	require.NoError(t, err)
	require.EqualValues(t, 1, p.MaxPerIntent)

	_, err = env.Engine.ClaimIntent(env.Ctx, recipient, rec.Hash, common.Hash{})
	require.NoError(t, err)
	env.advance(61)
	_, err = env.Engine.FinalizeIntent(env.Ctx, stranger, rec.Hash)
	require.NoError(t, err)
}

func TestPolicyWindowsNeverWrap(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 10, 5, 0, 0)

	_, err := env.Engine.SetPolicy(env.Ctx, env.Owner, 5, math.MaxInt64, 60)
	requireKind(t, err, engine.ErrInvalidAmount)
	_, err = env.Engine.SetPolicy(env.Ctx, env.Owner, 5, 60, math.MaxInt64)
	requireKind(t, err, engine.ErrInvalidAmount)
	p, err := env.Engine.GetPolicy(env.Ctx, env.Owner)
	require.NoError(t, err)
	require.EqualValues(t, 0, p.TimelockSeconds)

	// the largest accepted windows saturate once the clock moves on
	longest := math.MaxInt64 - start
	_, err = env.Engine.SetPolicy(env.Ctx, env.Owner, 5, longest, longest)
	require.NoError(t, err)
	env.advance(100)
	rec := env.create(t, env.intent(3, 1))
	require.EqualValues(t, int64(math.MaxInt64), rec.TimelockEndsAt)
	require.EqualValues(t, int64(math.MaxInt64), rec.DisputeEndsAt)

	_, err = env.Engine.ClaimIntent(env.Ctx, recipient, rec.Hash, common.Hash{})
	require.NoError(t, err)
	_, err = env.Engine.FinalizeIntent(env.Ctx, stranger, rec.Hash)
	requireKind(t, err, engine.ErrTimelockNotElapsed)
	rec, err = env.Engine.DisputeIntent(env.Ctx, env.Owner, rec.Hash)
	require.NoError(t, err)
	require.True(t, rec.Disputed)
	require.EqualValues(t, 3, env.balance(t).Locked)
	require.NoError(t, env.Engine.CheckInvariants(env.Ctx))
}

func TestPolicyAndBalanceValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.SetPolicy(env.Ctx, env.Owner, 0, 1, 1)
	requireKind(t, err, engine.ErrInvalidAmount)
	_, err = env.Engine.SetPolicy(env.Ctx, env.Owner, 1, -1, 1)
	requireKind(t, err, engine.ErrInvalidAmount)
	err = env.Engine.SetRecipientAllowed(env.Ctx, env.Owner, common.Address{}, true)
	requireKind(t, err, engine.ErrInvalidAddress)
	_, err = env.Engine.Deposit(env.Ctx, env.Owner, 0)
	requireKind(t, err, engine.ErrInvalidAmount)
	_, err = env.Engine.Withdraw(env.Ctx, env.Owner, 0)
	requireKind(t, err, engine.ErrInvalidAmount)
	_, err = env.Engine.Withdraw(env.Ctx, common.Address{}, 1)
	requireKind(t, err, engine.ErrInvalidAddress)
	_, err = env.Engine.Deposit(env.Ctx, common.Address{}, 1)
	requireKind(t, err, engine.ErrInvalidAddress)

	// no allowance granted: the ledger rejects and nothing is recorded
	require.NoError(t, env.Book.Mint(env.Ctx, env.Owner, 5))
	_, err = env.Engine.Deposit(env.Ctx, env.Owner, 5)
	requireKind(t, err, engine.ErrTransferFailed)
	require.ErrorIs(t, err, ledger.ErrInsufficientAllowance)
	require.EqualValues(t, 0, env.balance(t).Deposited)
}

func TestWithdrawOnlyAvailable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 10, 5, 60, 60)
	env.create(t, env.intent(4, 1))

	_, err := env.Engine.Withdraw(env.Ctx, env.Owner, 7)
	requireKind(t, err, engine.ErrInsufficientAvailableBalance)

	b, err := env.Engine.Withdraw(env.Ctx, env.Owner, 6)
	require.NoError(t, err)
	require.EqualValues(t, 4, b.Deposited)
	require.EqualValues(t, 4, b.Locked)
	avail, err := env.Engine.AvailableBalance(env.Ctx, env.Owner)
	require.NoError(t, err)
	require.EqualValues(t, 0, avail)
	back, err := env.Book.BalanceOf(env.Ctx, env.Owner)
	require.NoError(t, err)
	require.EqualValues(t, 6, back)
}

type fakeLedger struct {
	failOut error
	onOut   func(ctx context.Context)
	outs    []int64
}

func (f *fakeLedger) TransferIn(context.Context, common.Address, int64) error { return nil }

func (f *fakeLedger) TransferOut(ctx context.Context, _ common.Address, amount int64) error {
	if f.onOut != nil {
		f.onOut(ctx)
	}
	if f.failOut != nil {
		return f.failOut
	}
	f.outs = append(f.outs, amount)
	return nil
}

func setupClaimed(t *testing.T, l engine.Ledger) (*testEnv, domain.IntentRecord) {
	t.Helper()
	env := newTestEnv(t, l)
	_, err := env.Engine.Deposit(env.Ctx, env.Owner, 10)
	require.NoError(t, err)
	_, err = env.Engine.SetPolicy(env.Ctx, env.Owner, 5, 0, 60)
	require.NoError(t, err)
	require.NoError(t, env.Engine.SetRecipientAllowed(env.Ctx, env.Owner, recipient, true))
	rec := env.create(t, env.intent(2, 1))
	_, err = env.Engine.ClaimIntent(env.Ctx, recipient, rec.Hash, common.Hash{})
	require.NoError(t, err)
	return env, rec
}

func TestFailedPayoutRollsBack(t *testing.T) {
	boom := errors.New("token paused")
	fl := &fakeLedger{failOut: boom}
	env, rec := setupClaimed(t, fl)

	_, err := env.Engine.FinalizeIntent(env.Ctx, stranger, rec.Hash)
	requireKind(t, err, engine.ErrTransferFailed)
	require.ErrorIs(t, err, boom)
	require.Equal(t, engine.KindTransferFailed, engine.KindOf(err))

	got, err := env.Engine.GetIntent(env.Ctx, rec.Hash)
	require.NoError(t, err)
	require.Equal(t, domain.StateClaimed, got.State())
	b := env.balance(t)
	require.EqualValues(t, 10, b.Deposited)
	require.EqualValues(t, 2, b.Locked)

	fl.failOut = nil
	_, err = env.Engine.FinalizeIntent(env.Ctx, stranger, rec.Hash)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, fl.outs)
}

func TestLedgerCallbackIsReentrancySafe(t *testing.T) {
	fl := &fakeLedger{}
	env, rec := setupClaimed(t, fl)

	var reentryErr, finalizeErr, readErr error
	var seen domain.Balance
	fl.onOut = func(ctx context.Context) {
		_, reentryErr = env.Engine.Withdraw(ctx, env.Owner, 1)
		_, finalizeErr = env.Engine.FinalizeIntent(ctx, stranger, rec.Hash)
		seen, readErr = env.Engine.Balance(ctx, env.Owner)
	}
	_, err := env.Engine.FinalizeIntent(env.Ctx, stranger, rec.Hash)
	require.NoError(t, err)

	requireKind(t, reentryErr, engine.ErrReentrantCall)
	requireKind(t, finalizeErr, engine.ErrReentrantCall)
	require.NoError(t, readErr)
	require.EqualValues(t, 8, seen.Deposited)
	require.EqualValues(t, 0, seen.Locked)
	require.Equal(t, []int64{2}, fl.outs)
}

func TestConcurrentIntentsShareOneBalance(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 10, 5, 60, 60)

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		in := env.intent(1, uint64(100+i))
		sig := env.sign(t, in)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.CreateIntent(env.Ctx, relayer, in, sig)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		requireKind(t, err, engine.ErrInsufficientAvailableBalance)
	}
	require.Equal(t, 10, ok)
	require.EqualValues(t, 10, env.balance(t).Locked)
	require.NoError(t, env.Engine.CheckInvariants(env.Ctx))
}

func TestEventLogChain(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, 10, 5, 0, 0)
	rec := env.create(t, env.intent(2, 1))
	_, err := env.Engine.CancelIntent(env.Ctx, env.Owner, rec.Hash)
	require.NoError(t, err)

	n, err := env.Engine.VerifyLog(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 10, 0, repo.EventFilters{EntityKind: events.KindIntent, EntityID: rec.Hash.Hex()})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	require.Equal(t, events.IntentCanceled, evts[0].Type)
	require.Equal(t, events.IntentCreated, evts[1].Type)
	require.Equal(t, relayer.Hex(), evts[1].ActorID)

	_, err = env.Engine.DB.ExecContext(env.Ctx, `UPDATE events SET payload_json='{"amount":1}' WHERE id=?`, evts[1].ID)
	require.NoError(t, err)
	_, err = env.Engine.VerifyLog(env.Ctx)
	require.ErrorIs(t, err, events.ErrChainBroken)
}

func TestMetricsCountTransitionsAndFailures(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	env := newTestEnv(t, nil)
	m, err := engine.NewMetrics(provider)
	require.NoError(t, err)
	env.Engine.Metrics = m

	env.fund(t, 10, 5, 60, 60)
	over := env.intent(6, 1)
	_, err = env.Engine.CreateIntent(env.Ctx, relayer, over, env.sign(t, over))
	requireKind(t, err, engine.ErrExceedsMaxPerIntent)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(env.Ctx, &rm))
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			sum, ok := mt.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				counts[mt.Name] += dp.Value
				if kind, ok := dp.Attributes.Value("kind"); ok {
					counts["kind:"+kind.AsString()] += dp.Value
				}
			}
		}
	}
	require.EqualValues(t, 3, counts["escrow.transitions"])
	require.EqualValues(t, 1, counts["escrow.failures"])
	require.EqualValues(t, 1, counts["kind:ExceedsMaxPerIntent"])
}

func TestKindCode(t *testing.T) {
	require.Equal(t, "insufficient_available_balance", engine.KindInsufficientAvailableBalance.Code())
	require.Equal(t, "bad_signature", engine.KindBadSignature.Code())
	require.Equal(t, engine.Kind(""), engine.KindOf(errors.New("plain")))
	require.NotErrorIs(t, engine.ErrNotOwner, engine.ErrNotRecipient)
}
