package repo

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"intentescrow/internal/domain"
)

// Queryer is satisfied by both *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB Queryer
}

// WithTx returns a Repo that runs every query inside tx.
func (r Repo) WithTx(tx *sql.Tx) Repo {
	return Repo{DB: tx}
}

var ErrNotFound = errors.New("not found")

// GetPolicy returns the owner's policy; an owner without one gets the zero
// (unset) policy.
func (r Repo) GetPolicy(ctx context.Context, owner common.Address) (domain.Policy, error) {
	p := domain.Policy{Owner: owner}
	err := r.DB.QueryRowContext(ctx, `SELECT max_per_intent,timelock_seconds,dispute_window_seconds,updated_at FROM policies WHERE owner=?`, owner.Hex()).
		Scan(&p.MaxPerIntent, &p.TimelockSeconds, &p.DisputeWindowSeconds, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	return p, err
}

func (r Repo) UpsertPolicy(ctx context.Context, p domain.Policy) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO policies(owner,max_per_intent,timelock_seconds,dispute_window_seconds,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(owner) DO UPDATE SET max_per_intent=excluded.max_per_intent, timelock_seconds=excluded.timelock_seconds,
dispute_window_seconds=excluded.dispute_window_seconds, updated_at=excluded.updated_at`,
		p.Owner.Hex(), p.MaxPerIntent, p.TimelockSeconds, p.DisputeWindowSeconds, p.UpdatedAt)
	return err
}

func (r Repo) IsAllowed(ctx context.Context, owner, recipient common.Address) (bool, error) {
	var allowed bool
	err := r.DB.QueryRowContext(ctx, `SELECT allowed FROM allowlist WHERE owner=? AND recipient=?`, owner.Hex(), recipient.Hex()).Scan(&allowed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return allowed, err
}

func (r Repo) SetAllowed(ctx context.Context, owner, recipient common.Address, allowed bool, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO allowlist(owner,recipient,allowed,updated_at) VALUES (?,?,?,?)
ON CONFLICT(owner,recipient) DO UPDATE SET allowed=excluded.allowed, updated_at=excluded.updated_at`,
		owner.Hex(), recipient.Hex(), allowed, updatedAt)
	return err
}

func (r Repo) NonceUsed(ctx context.Context, owner common.Address, nonce uint64) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM nonces WHERE owner=? AND nonce=?`, owner.Hex(), formatNonce(nonce)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// UseNonce records that nonce was consumed by the intent with the given hash.
func (r Repo) UseNonce(ctx context.Context, owner common.Address, nonce uint64, hash common.Hash) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO nonces(owner,nonce,intent_hash) VALUES (?,?,?)`, owner.Hex(), formatNonce(nonce), hash.Hex())
	return err
}

// GetBalance returns the owner's accounting pair, zero when never funded.
func (r Repo) GetBalance(ctx context.Context, owner common.Address) (domain.Balance, error) {
	b := domain.Balance{Owner: owner}
	err := r.DB.QueryRowContext(ctx, `SELECT deposited,locked FROM balances WHERE owner=?`, owner.Hex()).Scan(&b.Deposited, &b.Locked)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	return b, err
}

func (r Repo) PutBalance(ctx context.Context, b domain.Balance) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO balances(owner,deposited,locked) VALUES (?,?,?)
ON CONFLICT(owner) DO UPDATE SET deposited=excluded.deposited, locked=excluded.locked`, b.Owner.Hex(), b.Deposited, b.Locked)
	return err
}

// ListOwners returns every owner that has a balance row.
func (r Repo) ListOwners(ctx context.Context) ([]common.Address, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT owner FROM balances ORDER BY owner`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []common.Address
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, common.HexToAddress(s))
	}
	return res, rows.Err()
}

func formatNonce(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
