package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Intent states as derived from a record's flags.
const (
	StateCreated   = "created"
	StateClaimed   = "claimed"
	StateDisputed  = "disputed"
	StateFinalized = "finalized"
	StateCanceled  = "canceled"
)

// Policy bounds what an owner's signed intents may authorize.
// MaxPerIntent == 0 means the policy is unset.
type Policy struct {
	Owner                common.Address `json:"owner"`
	MaxPerIntent         int64          `json:"max_per_intent"`
	TimelockSeconds      int64          `json:"timelock_seconds"`
	DisputeWindowSeconds int64          `json:"dispute_window_seconds"`
	UpdatedAt            string         `json:"updated_at,omitempty"`
}

// IsSet reports whether the policy permits intent creation at all.
func (p Policy) IsSet() bool { return p.MaxPerIntent > 0 }

// Balance is the per-owner accounting pair.
type Balance struct {
	Owner     common.Address `json:"owner"`
	Deposited int64          `json:"deposited"`
	Locked    int64          `json:"locked"`
}

// Available is the only amount withdrawable or assignable to a new intent.
func (b Balance) Available() int64 { return b.Deposited - b.Locked }

// Intent is the payload an owner signs off-system.
type Intent struct {
	Owner     common.Address `json:"owner"`
	Recipient common.Address `json:"recipient"`
	Amount    int64          `json:"amount"`
	JobID     common.Hash    `json:"job_id"`
	Nonce     uint64         `json:"nonce"`
	Expiry    int64          `json:"expiry"`
}

// SignedIntent is the transferable authorization handed to whoever submits it.
type SignedIntent struct {
	Intent    Intent      `json:"intent"`
	Signature string      `json:"signature"`
	Hash      common.Hash `json:"hash"`
}

// IntentRecord is the registry entry created by a successful intent submission.
type IntentRecord struct {
	Hash           common.Hash    `json:"hash"`
	Owner          common.Address `json:"owner"`
	Recipient      common.Address `json:"recipient"`
	Amount         int64          `json:"amount"`
	JobID          common.Hash    `json:"job_id"`
	Nonce          uint64         `json:"nonce"`
	Expiry         int64          `json:"expiry"`
	CreatedAt      int64          `json:"created_at"`
	TimelockEndsAt int64          `json:"timelock_ends_at"`
	DisputeEndsAt  int64          `json:"dispute_ends_at"`
	Claimed        bool           `json:"claimed"`
	Finalized      bool           `json:"finalized"`
	Canceled       bool           `json:"canceled"`
	Disputed       bool           `json:"disputed"`
	EvidenceHash   common.Hash    `json:"evidence_hash"`
	Submitter      common.Address `json:"submitter"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Intent returns the signed payload the record was created from.
func (r IntentRecord) Intent() Intent {
	return Intent{
		Owner:     r.Owner,
		Recipient: r.Recipient,
		Amount:    r.Amount,
		JobID:     r.JobID,
		Nonce:     r.Nonce,
		Expiry:    r.Expiry,
	}
}

// Terminal reports whether the record has reached finalized or canceled.
func (r IntentRecord) Terminal() bool { return r.Finalized || r.Canceled }

// State derives the lifecycle state from the flags.
func (r IntentRecord) State() string {
	switch {
	case r.Finalized:
		return StateFinalized
	case r.Canceled:
		return StateCanceled
	case r.Disputed:
		return StateDisputed
	case r.Claimed:
		return StateClaimed
	default:
		return StateCreated
	}
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Owner      string `json:"owner,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
	PrevHash   string `json:"prev_hash"`
	Hash       string `json:"hash"`
}

type APIKey struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ParseAddress parses a hex address and rejects malformed input.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// ParseHash parses a 0x-prefixed 32-byte hex value.
func ParseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid hash %q: want %d bytes, got %d", s, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}
