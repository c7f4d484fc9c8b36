// Package ledger is a sqlite-backed token book used as the escrow's transfer
// primitive. It plays the part of an external token: escrow deposits spend an
// allowance the owner granted to the escrow account, payouts move funds out of
// that account.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient token balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("amount must be positive")
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts(
  address TEXT PRIMARY KEY,
  balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0)
);
CREATE TABLE IF NOT EXISTS allowances(
  owner TEXT NOT NULL,
  spender TEXT NOT NULL,
  amount INTEGER NOT NULL CHECK (amount >= 0),
  PRIMARY KEY(owner, spender)
);`

// Book holds token balances. Escrow is the account pooled escrow funds live in.
type Book struct {
	DB     *sql.DB
	Escrow common.Address
}

// Open prepares the schema and returns a book bound to the escrow account.
func Open(ctx context.Context, db *sql.DB, escrow common.Address) (*Book, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	return &Book{DB: db, Escrow: escrow}, nil
}

// Mint credits amount to an account out of thin air.
func (b *Book) Mint(ctx context.Context, to common.Address, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return b.inTx(ctx, func(tx *sql.Tx) error {
		return credit(ctx, tx, to, amount)
	})
}

// Approve sets the amount the escrow account may pull from owner.
func (b *Book) Approve(ctx context.Context, owner common.Address, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	_, err := b.DB.ExecContext(ctx, `INSERT INTO allowances(owner,spender,amount) VALUES (?,?,?)
ON CONFLICT(owner,spender) DO UPDATE SET amount=excluded.amount`, owner.Hex(), b.Escrow.Hex(), amount)
	return err
}

// BalanceOf returns the token balance of an account.
func (b *Book) BalanceOf(ctx context.Context, addr common.Address) (int64, error) {
	var bal int64
	err := b.DB.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE address=?`, addr.Hex()).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}

// Allowance returns what the escrow account may still pull from owner.
func (b *Book) Allowance(ctx context.Context, owner common.Address) (int64, error) {
	var amt int64
	err := b.DB.QueryRowContext(ctx, `SELECT amount FROM allowances WHERE owner=? AND spender=?`, owner.Hex(), b.Escrow.Hex()).Scan(&amt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return amt, err
}

// TransferIn pulls amount from `from` into the escrow account, spending allowance.
func (b *Book) TransferIn(ctx context.Context, from common.Address, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return b.inTx(ctx, func(tx *sql.Tx) error {
		var allowed int64
		err := tx.QueryRowContext(ctx, `SELECT amount FROM allowances WHERE owner=? AND spender=?`, from.Hex(), b.Escrow.Hex()).Scan(&allowed)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if allowed < amount {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientAllowance, allowed, amount)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE allowances SET amount=amount-? WHERE owner=? AND spender=?`, amount, from.Hex(), b.Escrow.Hex()); err != nil {
			return err
		}
		if err := debit(ctx, tx, from, amount); err != nil {
			return err
		}
		return credit(ctx, tx, b.Escrow, amount)
	})
}

// TransferOut pays amount from the escrow account to `to`.
func (b *Book) TransferOut(ctx context.Context, to common.Address, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return b.inTx(ctx, func(tx *sql.Tx) error {
		if err := debit(ctx, tx, b.Escrow, amount); err != nil {
			return err
		}
		return credit(ctx, tx, to, amount)
	})
}

func (b *Book) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func debit(ctx context.Context, tx *sql.Tx, addr common.Address, amount int64) error {
	var bal int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE address=?`, addr.Hex()).Scan(&bal)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if bal < amount {
		return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientBalance, addr.Hex(), bal, amount)
	}
	_, err = tx.ExecContext(ctx, `UPDATE accounts SET balance=balance-? WHERE address=?`, amount, addr.Hex())
	return err
}

func credit(ctx context.Context, tx *sql.Tx, addr common.Address, amount int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(address,balance) VALUES (?,?)
ON CONFLICT(address) DO UPDATE SET balance=balance+excluded.balance`, addr.Hex(), amount)
	return err
}
