package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"intentescrow/internal/domain"
	"intentescrow/internal/events"
	"intentescrow/internal/repo"
	"intentescrow/internal/signing"
)

// Ledger moves tokens between callers and the escrow's pooled account.
// The context handed to these calls carries the engine's in-flight
// transaction; calling back into the engine with it is detected.
// Adapters must pass that context through to any engine call they make.
// A call made with a fresh context waits on the engine lock held by the
// in-flight operation and never returns.
type Ledger interface {
	TransferIn(ctx context.Context, from common.Address, amount int64) error
	TransferOut(ctx context.Context, to common.Address, amount int64) error
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Ledger  Ledger
	Domain  signing.Domain
	Logger  *zap.Logger
	Metrics *Metrics
	Now     func() time.Time

	mu sync.Mutex
}

func New(db *sql.DB, d signing.Domain, ledger Ledger) *Engine {
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger,
		Domain: d,
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
	e.Events = events.Writer{Now: e.now}
	m, err := NewMetrics(otel.GetMeterProvider())
	if err == nil {
		e.Metrics = m
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

type txKey struct{}

// txn is the state shared by one state-changing call.
type txn struct {
	// ctx carries the transaction marker and is the only context passed to the Ledger.
	ctx    context.Context
	tx     *sql.Tx
	repo   repo.Repo
	now    int64
	caller common.Address

	state       string
	entity      string
	transferred bool
}

// write runs fn inside the engine critical section and one sqlite transaction.
func (e *Engine) write(ctx context.Context, op string, caller common.Address, fn func(t *txn) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		err := newError(KindReentrantCall, "%s called during a ledger transfer", op)
		e.Metrics.failure(ctx, op, err)
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t := &txn{
		ctx:    context.WithValue(ctx, txKey{}, tx),
		tx:     tx,
		repo:   e.Repo.WithTx(tx),
		now:    e.now().Unix(),
		caller: caller,
	}
	if err := fn(t); err != nil {
		e.Metrics.failure(ctx, op, err)
		return err
	}
	if err := tx.Commit(); err != nil {
		if t.transferred {
			e.Logger.Error("commit failed after ledger transfer",
				zap.String("op", op), zap.String("entity", t.entity), zap.Error(err))
		}
		e.Metrics.failure(ctx, op, err)
		return fmt.Errorf("commit %s: %w", op, err)
	}
	e.Metrics.transition(ctx, op, t.state)
	e.Logger.Debug("escrow transition",
		zap.String("op", op), zap.String("entity", t.entity), zap.String("state", t.state), zap.Stringer("caller", caller))
	return nil
}

// read returns a repo for queries. Inside a ledger transfer the in-flight
// transaction serves the read; otherwise the critical section is taken.
func (e *Engine) read(ctx context.Context) (repo.Repo, func()) {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return e.Repo.WithTx(tx), func() {}
	}
	e.mu.Lock()
	return e.Repo, e.mu.Unlock
}

func (t *txn) event(e *Engine, evtType string, owner common.Address, kind, id string, payload events.EventPayload) error {
	_, err := e.Events.Append(t.ctx, t.tx, evtType, owner.Hex(), kind, id, t.caller.Hex(), payload)
	if err != nil {
		return fmt.Errorf("append %s: %w", evtType, err)
	}
	return nil
}

func (e *Engine) transferIn(t *txn, from common.Address, amount int64) error {
	if err := e.Ledger.TransferIn(t.ctx, from, amount); err != nil {
		return &Error{Kind: KindTransferFailed, Message: fmt.Sprintf("transfer in %d from %s", amount, from.Hex()), Err: err}
	}
	t.transferred = true
	return nil
}

func (e *Engine) transferOut(t *txn, to common.Address, amount int64) error {
	if err := e.Ledger.TransferOut(t.ctx, to, amount); err != nil {
		return &Error{Kind: KindTransferFailed, Message: fmt.Sprintf("transfer out %d to %s", amount, to.Hex()), Err: err}
	}
	t.transferred = true
	return nil
}

// SetPolicy replaces the caller's policy. Existing intents keep their snapshot.
func (e *Engine) SetPolicy(ctx context.Context, caller common.Address, maxPerIntent, timelockSeconds, disputeWindowSeconds int64) (domain.Policy, error) {
	var p domain.Policy
	err := e.write(ctx, "set_policy", caller, func(t *txn) error {
		if caller == (common.Address{}) {
			return newError(KindInvalidAddress, "caller is the zero address")
		}
		if maxPerIntent <= 0 {
			return newError(KindInvalidAmount, "max per intent must be positive")
		}
		if timelockSeconds < 0 || disputeWindowSeconds < 0 {
			return newError(KindInvalidAmount, "timelock and dispute window must not be negative")
		}
		if limit := math.MaxInt64 - t.now; timelockSeconds > limit || disputeWindowSeconds > limit {
			return newError(KindInvalidAmount, "timelock and dispute window must not exceed %d seconds", limit)
		}
		p = domain.Policy{
			Owner:                caller,
			MaxPerIntent:         maxPerIntent,
			TimelockSeconds:      timelockSeconds,
			DisputeWindowSeconds: disputeWindowSeconds,
			UpdatedAt:            time.Unix(t.now, 0).UTC().Format(time.RFC3339),
		}
		if err := t.repo.UpsertPolicy(t.ctx, p); err != nil {
			return fmt.Errorf("upsert policy: %w", err)
		}
		t.entity = caller.Hex()
		return t.event(e, events.PolicyUpdated, caller, events.KindPolicy, caller.Hex(), events.EventPayload{
			"max_per_intent":         maxPerIntent,
			"timelock_seconds":       timelockSeconds,
			"dispute_window_seconds": disputeWindowSeconds,
		})
	})
	if err != nil {
		return domain.Policy{}, err
	}
	return p, nil
}

// SetRecipientAllowed adds or removes recipient from the caller's allowlist.
func (e *Engine) SetRecipientAllowed(ctx context.Context, caller, recipient common.Address, allowed bool) error {
	return e.write(ctx, "set_recipient_allowed", caller, func(t *txn) error {
		if caller == (common.Address{}) || recipient == (common.Address{}) {
			return newError(KindInvalidAddress, "recipient must not be the zero address")
		}
		updatedAt := time.Unix(t.now, 0).UTC().Format(time.RFC3339)
		if err := t.repo.SetAllowed(t.ctx, caller, recipient, allowed, updatedAt); err != nil {
			return fmt.Errorf("set allowlist: %w", err)
		}
		t.entity = recipient.Hex()
		return t.event(e, events.AllowlistUpdated, caller, events.KindAllowlist, recipient.Hex(), events.EventPayload{
			"recipient": recipient.Hex(),
			"allowed":   allowed,
		})
	})
}

// Deposit credits the caller's escrow balance and pulls amount through the ledger.
func (e *Engine) Deposit(ctx context.Context, caller common.Address, amount int64) (domain.Balance, error) {
	var bal domain.Balance
	err := e.write(ctx, "deposit", caller, func(t *txn) error {
		if caller == (common.Address{}) {
			return newError(KindInvalidAddress, "caller is the zero address")
		}
		if amount <= 0 {
			return newError(KindInvalidAmount, "deposit amount must be positive")
		}
		var err error
		bal, err = t.repo.GetBalance(t.ctx, caller)
		if err != nil {
			return fmt.Errorf("load balance: %w", err)
		}
		if bal.Deposited > math.MaxInt64-amount {
			return newError(KindInvalidAmount, "deposit overflows balance")
		}
		bal.Deposited += amount
		if err := t.repo.PutBalance(t.ctx, bal); err != nil {
			return fmt.Errorf("store balance: %w", err)
		}
		t.entity = caller.Hex()
		if err := t.event(e, events.Deposited, caller, events.KindBalance, caller.Hex(), events.EventPayload{
			"amount":    amount,
			"deposited": bal.Deposited,
			"locked":    bal.Locked,
		}); err != nil {
			return err
		}
		return e.transferIn(t, caller, amount)
	})
	if err != nil {
		return domain.Balance{}, err
	}
	return bal, nil
}

// Withdraw pays out part of the caller's available balance.
func (e *Engine) Withdraw(ctx context.Context, caller common.Address, amount int64) (domain.Balance, error) {
	var bal domain.Balance
	err := e.write(ctx, "withdraw", caller, func(t *txn) error {
		if caller == (common.Address{}) {
			return newError(KindInvalidAddress, "caller is the zero address")
		}
		if amount <= 0 {
			return newError(KindInvalidAmount, "withdraw amount must be positive")
		}
		var err error
		bal, err = t.repo.GetBalance(t.ctx, caller)
		if err != nil {
			return fmt.Errorf("load balance: %w", err)
		}
		if amount > bal.Available() {
			return newError(KindInsufficientAvailableBalance, "available %d, requested %d", bal.Available(), amount)
		}
		bal.Deposited -= amount
		if err := t.repo.PutBalance(t.ctx, bal); err != nil {
			return fmt.Errorf("store balance: %w", err)
		}
		t.entity = caller.Hex()
		if err := t.event(e, events.Withdrawn, caller, events.KindBalance, caller.Hex(), events.EventPayload{
			"amount":    amount,
			"deposited": bal.Deposited,
			"locked":    bal.Locked,
		}); err != nil {
			return err
		}
		return e.transferOut(t, caller, amount)
	})
	if err != nil {
		return domain.Balance{}, err
	}
	return bal, nil
}

// Balance returns the owner's deposited and locked totals.
func (e *Engine) Balance(ctx context.Context, owner common.Address) (domain.Balance, error) {
	r, done := e.read(ctx)
	defer done()
	return r.GetBalance(ctx, owner)
}

func (e *Engine) AvailableBalance(ctx context.Context, owner common.Address) (int64, error) {
	b, err := e.Balance(ctx, owner)
	if err != nil {
		return 0, err
	}
	return b.Available(), nil
}

func (e *Engine) GetPolicy(ctx context.Context, owner common.Address) (domain.Policy, error) {
	r, done := e.read(ctx)
	defer done()
	return r.GetPolicy(ctx, owner)
}

func (e *Engine) IsRecipientAllowed(ctx context.Context, owner, recipient common.Address) (bool, error) {
	r, done := e.read(ctx)
	defer done()
	return r.IsAllowed(ctx, owner, recipient)
}

func (e *Engine) IsNonceUsed(ctx context.Context, owner common.Address, nonce uint64) (bool, error) {
	r, done := e.read(ctx)
	defer done()
	return r.NonceUsed(ctx, owner, nonce)
}

// CreateAPIKey issues a key bound to caller. The plaintext key is returned
// once; only its hash is stored.
func (e *Engine) CreateAPIKey(ctx context.Context, caller common.Address, name string) (domain.APIKey, string, error) {
	if caller == (common.Address{}) {
		return domain.APIKey{}, "", newError(KindInvalidAddress, "caller is the zero address")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "esk_" + hex.EncodeToString(buf)
	var key domain.APIKey
	err := e.write(ctx, "create_api_key", caller, func(t *txn) error {
		key = domain.APIKey{
			ID:        uuid.NewString(),
			Address:   caller.Hex(),
			Name:      name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: time.Unix(t.now, 0).UTC().Format(time.RFC3339),
		}
		if err := t.repo.InsertAPIKey(t.ctx, key); err != nil {
			return fmt.Errorf("insert api key: %w", err)
		}
		t.entity = key.ID
		return t.event(e, events.APIKeyCreated, caller, events.KindAPIKey, key.ID, events.EventPayload{"name": name})
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// ListAPIKeys returns the keys bound to owner. Hashes are included; secrets never are.
func (e *Engine) ListAPIKeys(ctx context.Context, owner common.Address) ([]domain.APIKey, error) {
	r, done := e.read(ctx)
	defer done()
	return r.ListAPIKeys(ctx, owner.Hex())
}

// RevokeAPIKey deletes one of caller's keys. Keys of other addresses are
// reported as not found.
func (e *Engine) RevokeAPIKey(ctx context.Context, caller common.Address, id string) error {
	return e.write(ctx, "revoke_api_key", caller, func(t *txn) error {
		keys, err := t.repo.ListAPIKeys(t.ctx, caller.Hex())
		if err != nil {
			return err
		}
		found := false
		for _, k := range keys {
			if k.ID == id {
				found = true
				break
			}
		}
		if !found {
			return repo.ErrNotFound
		}
		if err := t.repo.DeleteAPIKey(t.ctx, id); err != nil {
			return err
		}
		t.entity = id
		return t.event(e, events.APIKeyRevoked, caller, events.KindAPIKey, id, nil)
	})
}

// VerifyLog checks the hash chain of the whole event log.
func (e *Engine) VerifyLog(ctx context.Context) (int, error) {
	r, done := e.read(ctx)
	defer done()
	evts, err := r.AllEvents(ctx)
	if err != nil {
		return 0, err
	}
	return len(evts), events.Verify(evts)
}

// CheckInvariants verifies the accounting invariants for every funded owner.
func (e *Engine) CheckInvariants(ctx context.Context) error {
	r, done := e.read(ctx)
	defer done()
	owners, err := r.ListOwners(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, owner := range owners {
		bal, err := r.GetBalance(ctx, owner)
		if err != nil {
			return err
		}
		open, err := r.SumOpenAmounts(ctx, owner)
		if err != nil {
			return err
		}
		if bal.Locked < 0 || bal.Locked > bal.Deposited {
			errs = append(errs, fmt.Errorf("%s: locked %d outside [0, %d]", owner.Hex(), bal.Locked, bal.Deposited))
		}
		if open != bal.Locked {
			errs = append(errs, fmt.Errorf("%s: open intents total %d, locked %d", owner.Hex(), open, bal.Locked))
		}
	}
	return errors.Join(errs...)
}
