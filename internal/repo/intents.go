package repo

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"intentescrow/internal/domain"
)

const intentColumns = `hash,owner,recipient,amount,job_id,nonce,expiry,created_at,timelock_ends_at,dispute_ends_at,
claimed,finalized,canceled,disputed,evidence_hash,submitter,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(row scanner) (domain.IntentRecord, error) {
	var (
		rec                                  domain.IntentRecord
		hash, owner, recipient, jobID, nonce string
		evid, submitter                      string
	)
	err := row.Scan(&hash, &owner, &recipient, &rec.Amount, &jobID, &nonce, &rec.Expiry, &rec.CreatedAt,
		&rec.TimelockEndsAt, &rec.DisputeEndsAt, &rec.Claimed, &rec.Finalized, &rec.Canceled, &rec.Disputed,
		&evid, &submitter, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Hash = common.HexToHash(hash)
	rec.Owner = common.HexToAddress(owner)
	rec.Recipient = common.HexToAddress(recipient)
	rec.JobID = common.HexToHash(jobID)
	rec.Nonce, err = strconv.ParseUint(nonce, 10, 64)
	if err != nil {
		return rec, err
	}
	if evid != "" {
		rec.EvidenceHash = common.HexToHash(evid)
	}
	rec.Submitter = common.HexToAddress(submitter)
	return rec, nil
}

func (r Repo) InsertIntent(ctx context.Context, rec domain.IntentRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO intents(`+intentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.Hash.Hex(), rec.Owner.Hex(), rec.Recipient.Hex(), rec.Amount, rec.JobID.Hex(), formatNonce(rec.Nonce), rec.Expiry,
		rec.CreatedAt, rec.TimelockEndsAt, rec.DisputeEndsAt, rec.Claimed, rec.Finalized, rec.Canceled, rec.Disputed,
		evidence(rec.EvidenceHash), rec.Submitter.Hex(), rec.UpdatedAt)
	return err
}

// UpdateIntent persists the mutable part of a record. Snapshot fields never change.
func (r Repo) UpdateIntent(ctx context.Context, rec domain.IntentRecord) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE intents SET claimed=?, finalized=?, canceled=?, disputed=?, evidence_hash=?, updated_at=? WHERE hash=?`,
		rec.Claimed, rec.Finalized, rec.Canceled, rec.Disputed, evidence(rec.EvidenceHash), rec.UpdatedAt, rec.Hash.Hex())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetIntent(ctx context.Context, hash common.Hash) (domain.IntentRecord, error) {
	return scanIntent(r.DB.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE hash=?`, hash.Hex()))
}

func (r Repo) IntentExists(ctx context.Context, hash common.Hash) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM intents WHERE hash=?`, hash.Hex()).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// IntentFilters narrows ListIntents. Zero values mean "any".
type IntentFilters struct {
	Owner     *common.Address
	Recipient *common.Address
	State     string
	Limit     int
}

func (r Repo) ListIntents(ctx context.Context, f IntentFilters) ([]domain.IntentRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Owner != nil {
		clauses = append(clauses, "owner=?")
		args = append(args, f.Owner.Hex())
	}
	if f.Recipient != nil {
		clauses = append(clauses, "recipient=?")
		args = append(args, f.Recipient.Hex())
	}
	switch f.State {
	case "":
	case domain.StateFinalized:
		clauses = append(clauses, "finalized=1")
	case domain.StateCanceled:
		clauses = append(clauses, "canceled=1")
	case domain.StateDisputed:
		clauses = append(clauses, "disputed=1", "finalized=0", "canceled=0")
	case domain.StateClaimed:
		clauses = append(clauses, "claimed=1", "disputed=0", "finalized=0", "canceled=0")
	case domain.StateCreated:
		clauses = append(clauses, "claimed=0", "finalized=0", "canceled=0")
	default:
		return nil, errors.New("invalid state filter " + f.State)
	}
	query := `SELECT ` + intentColumns + ` FROM intents WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, hash`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IntentRecord
	for rows.Next() {
		rec, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// SumOpenAmounts totals the amounts of an owner's non-terminal intents.
func (r Repo) SumOpenAmounts(ctx context.Context, owner common.Address) (int64, error) {
	var sum int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM intents WHERE owner=? AND finalized=0 AND canceled=0`, owner.Hex()).Scan(&sum)
	return sum, err
}

func evidence(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
