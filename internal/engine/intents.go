package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"

	"intentescrow/internal/domain"
	"intentescrow/internal/events"
	"intentescrow/internal/repo"
	"intentescrow/internal/signing"
)

// windowEnd is now+secs, clamped at MaxInt64 so a long window never wraps
// into the past.
func windowEnd(now, secs int64) int64 {
	if secs > math.MaxInt64-now {
		return math.MaxInt64
	}
	return now + secs
}

// HashIntent returns the EIP-712 digest an owner signs for the intent.
func (e *Engine) HashIntent(in domain.Intent) (common.Hash, error) {
	h, err := e.Domain.HashIntent(in)
	if err != nil {
		return common.Hash{}, newError(KindInvalidAmount, "%v", err)
	}
	return h, nil
}

// CreateIntent registers a signed intent and locks its amount against the
// owner's available balance. Any caller may submit it.
func (e *Engine) CreateIntent(ctx context.Context, caller common.Address, in domain.Intent, sig []byte) (domain.IntentRecord, error) {
	var rec domain.IntentRecord
	err := e.write(ctx, "create_intent", caller, func(t *txn) error {
		if in.Owner == (common.Address{}) || in.Recipient == (common.Address{}) {
			return newError(KindInvalidAddress, "owner and recipient must not be the zero address")
		}
		if in.Amount < 0 {
			return newError(KindInvalidAmount, "amount must not be negative")
		}
		if in.Expiry <= 0 || t.now > in.Expiry {
			return newError(KindIntentExpired, "expiry %d, now %d", in.Expiry, t.now)
		}
		hash, err := e.Domain.HashIntent(in)
		if err != nil {
			return newError(KindInvalidAmount, "%v", err)
		}
		exists, err := t.repo.IntentExists(t.ctx, hash)
		if err != nil {
			return fmt.Errorf("lookup intent: %w", err)
		}
		if exists {
			return newError(KindIntentAlreadyExists, "intent %s", hash.Hex())
		}
		used, err := t.repo.NonceUsed(t.ctx, in.Owner, in.Nonce)
		if err != nil {
			return fmt.Errorf("lookup nonce: %w", err)
		}
		if used {
			return newError(KindNonceAlreadyUsed, "nonce %d of %s", in.Nonce, in.Owner.Hex())
		}
		signer, err := signing.Recover(hash, sig)
		if err != nil {
			return &Error{Kind: KindBadSignature, Message: "cannot recover signer", Err: err}
		}
		if signer != in.Owner {
			return newError(KindBadSignature, "signed by %s, not %s", signer.Hex(), in.Owner.Hex())
		}
		policy, err := t.repo.GetPolicy(t.ctx, in.Owner)
		if err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
		if !policy.IsSet() {
			return newError(KindPolicyNotSet, "owner %s", in.Owner.Hex())
		}
		allowed, err := t.repo.IsAllowed(t.ctx, in.Owner, in.Recipient)
		if err != nil {
			return fmt.Errorf("load allowlist: %w", err)
		}
		if !allowed {
			return newError(KindRecipientNotAllowed, "recipient %s", in.Recipient.Hex())
		}
		if in.Amount == 0 {
			return newError(KindInvalidAmount, "amount must be positive")
		}
		if in.Amount > policy.MaxPerIntent {
			return newError(KindExceedsMaxPerIntent, "amount %d, cap %d", in.Amount, policy.MaxPerIntent)
		}
		bal, err := t.repo.GetBalance(t.ctx, in.Owner)
		if err != nil {
			return fmt.Errorf("load balance: %w", err)
		}
		if in.Amount > bal.Available() {
			return newError(KindInsufficientAvailableBalance, "available %d, requested %d", bal.Available(), in.Amount)
		}

		if err := t.repo.UseNonce(t.ctx, in.Owner, in.Nonce, hash); err != nil {
			return fmt.Errorf("use nonce: %w", err)
		}
		bal.Locked += in.Amount
		if err := t.repo.PutBalance(t.ctx, bal); err != nil {
			return fmt.Errorf("lock funds: %w", err)
		}
		rec = domain.IntentRecord{
			Hash:           hash,
			Owner:          in.Owner,
			Recipient:      in.Recipient,
			Amount:         in.Amount,
			JobID:          in.JobID,
			Nonce:          in.Nonce,
			Expiry:         in.Expiry,
			CreatedAt:      t.now,
			TimelockEndsAt: windowEnd(t.now, policy.TimelockSeconds),
			DisputeEndsAt:  windowEnd(t.now, policy.DisputeWindowSeconds),
			Submitter:      caller,
			UpdatedAt:      t.now,
		}
		if err := t.repo.InsertIntent(t.ctx, rec); err != nil {
			return fmt.Errorf("insert intent: %w", err)
		}
		t.entity, t.state = hash.Hex(), rec.State()
		return t.event(e, events.IntentCreated, in.Owner, events.KindIntent, hash.Hex(), events.EventPayload{
			"recipient":        in.Recipient.Hex(),
			"amount":           in.Amount,
			"job_id":           in.JobID.Hex(),
			"nonce":            fmt.Sprint(in.Nonce),
			"expiry":           in.Expiry,
			"created_at":       rec.CreatedAt,
			"timelock_ends_at": rec.TimelockEndsAt,
			"dispute_ends_at":  rec.DisputeEndsAt,
			"submitter":        caller.Hex(),
		})
	})
	if err != nil {
		return domain.IntentRecord{}, err
	}
	return rec, nil
}

// loadLive fetches a record for a state-changing call and rejects terminal ones.
func (t *txn) loadLive(hash common.Hash) (domain.IntentRecord, error) {
	rec, err := t.repo.GetIntent(t.ctx, hash)
	if errors.Is(err, repo.ErrNotFound) {
		return rec, newError(KindIntentNotFound, "intent %s", hash.Hex())
	}
	if err != nil {
		return rec, fmt.Errorf("load intent: %w", err)
	}
	if rec.Finalized {
		return rec, newError(KindAlreadyFinalized, "intent %s", hash.Hex())
	}
	if rec.Canceled {
		return rec, newError(KindAlreadyCanceled, "intent %s", hash.Hex())
	}
	return rec, nil
}

func (t *txn) requireOwner(rec domain.IntentRecord) error {
	if t.caller != rec.Owner {
		return newError(KindNotOwner, "caller %s is not the owner of %s", t.caller.Hex(), rec.Hash.Hex())
	}
	return nil
}

func (t *txn) save(rec *domain.IntentRecord) error {
	rec.UpdatedAt = t.now
	if err := t.repo.UpdateIntent(t.ctx, *rec); err != nil {
		return fmt.Errorf("update intent: %w", err)
	}
	t.entity, t.state = rec.Hash.Hex(), rec.State()
	return nil
}

// settle releases the record's lock and, on payout, removes it from deposited too.
func (t *txn) settle(rec domain.IntentRecord, payout bool) error {
	bal, err := t.repo.GetBalance(t.ctx, rec.Owner)
	if err != nil {
		return fmt.Errorf("load balance: %w", err)
	}
	if bal.Locked < rec.Amount {
		return fmt.Errorf("balance of %s locks %d, intent %s needs %d", rec.Owner.Hex(), bal.Locked, rec.Hash.Hex(), rec.Amount)
	}
	bal.Locked -= rec.Amount
	if payout {
		bal.Deposited -= rec.Amount
	}
	if err := t.repo.PutBalance(t.ctx, bal); err != nil {
		return fmt.Errorf("store balance: %w", err)
	}
	return nil
}

// ClaimIntent records the recipient's claim and its evidence hash.
func (e *Engine) ClaimIntent(ctx context.Context, caller common.Address, hash, evidence common.Hash) (domain.IntentRecord, error) {
	var rec domain.IntentRecord
	err := e.write(ctx, "claim_intent", caller, func(t *txn) error {
		var err error
		if rec, err = t.loadLive(hash); err != nil {
			return err
		}
		if caller != rec.Recipient {
			return newError(KindNotRecipient, "caller %s is not the recipient of %s", caller.Hex(), hash.Hex())
		}
		if rec.Claimed {
			return newError(KindAlreadyClaimed, "intent %s", hash.Hex())
		}
		if t.now > rec.Expiry {
			return newError(KindIntentExpired, "expiry %d, now %d", rec.Expiry, t.now)
		}
		rec.Claimed = true
		rec.EvidenceHash = evidence
		if err := t.save(&rec); err != nil {
			return err
		}
		return t.event(e, events.IntentClaimed, rec.Owner, events.KindIntent, hash.Hex(), events.EventPayload{
			"recipient":     rec.Recipient.Hex(),
			"evidence_hash": evidence.Hex(),
		})
	})
	if err != nil {
		return domain.IntentRecord{}, err
	}
	return rec, nil
}

// CancelIntent lets the owner withdraw an unclaimed intent and unlock its amount.
func (e *Engine) CancelIntent(ctx context.Context, caller common.Address, hash common.Hash) (domain.IntentRecord, error) {
	var rec domain.IntentRecord
	err := e.write(ctx, "cancel_intent", caller, func(t *txn) error {
		var err error
		if rec, err = t.loadLive(hash); err != nil {
			return err
		}
		if err := t.requireOwner(rec); err != nil {
			return err
		}
		if rec.Claimed {
			return newError(KindAlreadyClaimed, "intent %s", hash.Hex())
		}
		rec.Canceled = true
		if err := t.save(&rec); err != nil {
			return err
		}
		if err := t.settle(rec, false); err != nil {
			return err
		}
		return t.event(e, events.IntentCanceled, rec.Owner, events.KindIntent, hash.Hex(), events.EventPayload{
			"amount": rec.Amount,
		})
	})
	if err != nil {
		return domain.IntentRecord{}, err
	}
	return rec, nil
}

// DisputeIntent halts a claimed intent while its dispute window is open.
func (e *Engine) DisputeIntent(ctx context.Context, caller common.Address, hash common.Hash) (domain.IntentRecord, error) {
	var rec domain.IntentRecord
	err := e.write(ctx, "dispute_intent", caller, func(t *txn) error {
		var err error
		if rec, err = t.loadLive(hash); err != nil {
			return err
		}
		if err := t.requireOwner(rec); err != nil {
			return err
		}
		if !rec.Claimed {
			return newError(KindNotClaimed, "intent %s", hash.Hex())
		}
		if rec.Disputed {
			return newError(KindIntentIsDisputed, "intent %s", hash.Hex())
		}
		if t.now > rec.DisputeEndsAt {
			return newError(KindDisputeWindowClosed, "window ended at %d, now %d", rec.DisputeEndsAt, t.now)
		}
		rec.Disputed = true
		if err := t.save(&rec); err != nil {
			return err
		}
		return t.event(e, events.IntentDisputed, rec.Owner, events.KindIntent, hash.Hex(), nil)
	})
	if err != nil {
		return domain.IntentRecord{}, err
	}
	return rec, nil
}

// ResolveDispute ends a dispute. With payOut the recipient is paid at once,
// without waiting for the timelock; otherwise the intent is canceled.
func (e *Engine) ResolveDispute(ctx context.Context, caller common.Address, hash common.Hash, payOut bool) (domain.IntentRecord, error) {
	var rec domain.IntentRecord
	err := e.write(ctx, "resolve_dispute", caller, func(t *txn) error {
		var err error
		if rec, err = t.loadLive(hash); err != nil {
			return err
		}
		if err := t.requireOwner(rec); err != nil {
			return err
		}
		if !rec.Disputed {
			return newError(KindNotDisputed, "intent %s", hash.Hex())
		}
		if err := t.event(e, events.DisputeResolved, rec.Owner, events.KindIntent, hash.Hex(), events.EventPayload{
			"pay_out": payOut,
		}); err != nil {
			return err
		}
		if payOut {
			return e.payout(t, &rec)
		}
		rec.Canceled = true
		if err := t.save(&rec); err != nil {
			return err
		}
		if err := t.settle(rec, false); err != nil {
			return err
		}
		return t.event(e, events.IntentCanceled, rec.Owner, events.KindIntent, hash.Hex(), events.EventPayload{
			"amount": rec.Amount,
		})
	})
	if err != nil {
		return domain.IntentRecord{}, err
	}
	return rec, nil
}

// FinalizeIntent pays the recipient once the timelock has elapsed. Any caller may trigger it.
func (e *Engine) FinalizeIntent(ctx context.Context, caller common.Address, hash common.Hash) (domain.IntentRecord, error) {
	var rec domain.IntentRecord
	err := e.write(ctx, "finalize_intent", caller, func(t *txn) error {
		var err error
		if rec, err = t.loadLive(hash); err != nil {
			return err
		}
		if !rec.Claimed {
			return newError(KindNotClaimed, "intent %s", hash.Hex())
		}
		if rec.Disputed {
			return newError(KindIntentIsDisputed, "intent %s", hash.Hex())
		}
		if t.now < rec.TimelockEndsAt {
			return newError(KindTimelockNotElapsed, "timelock ends at %d, now %d", rec.TimelockEndsAt, t.now)
		}
		return e.payout(t, &rec)
	})
	if err != nil {
		return domain.IntentRecord{}, err
	}
	return rec, nil
}

// payout finalizes rec and moves its amount out of escrow. All bookkeeping is
// written before the ledger is called, so a failed transfer rolls it back.
func (e *Engine) payout(t *txn, rec *domain.IntentRecord) error {
	rec.Finalized = true
	if err := t.save(rec); err != nil {
		return err
	}
	if err := t.settle(*rec, true); err != nil {
		return err
	}
	if err := t.event(e, events.IntentFinalized, rec.Owner, events.KindIntent, rec.Hash.Hex(), events.EventPayload{
		"recipient": rec.Recipient.Hex(),
		"amount":    rec.Amount,
	}); err != nil {
		return err
	}
	return e.transferOut(t, rec.Recipient, rec.Amount)
}

// GetIntent returns the registry entry for hash.
func (e *Engine) GetIntent(ctx context.Context, hash common.Hash) (domain.IntentRecord, error) {
	r, done := e.read(ctx)
	defer done()
	rec, err := r.GetIntent(ctx, hash)
	if errors.Is(err, repo.ErrNotFound) {
		return rec, newError(KindIntentNotFound, "intent %s", hash.Hex())
	}
	return rec, err
}

func (e *Engine) ListIntents(ctx context.Context, f repo.IntentFilters) ([]domain.IntentRecord, error) {
	r, done := e.read(ctx)
	defer done()
	return r.ListIntents(ctx, f)
}
