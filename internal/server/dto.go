package server

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"intentescrow/internal/domain"
)

type PolicyRequest struct {
	MaxPerIntent         int64 `json:"max_per_intent" minimum:"0" example:"1000"`
	TimelockSeconds      int64 `json:"timelock_seconds" minimum:"0" example:"3600"`
	DisputeWindowSeconds int64 `json:"dispute_window_seconds" minimum:"0" example:"86400"`
}

type PolicyResponse struct {
	Owner                string `json:"owner"`
	MaxPerIntent         int64  `json:"max_per_intent"`
	TimelockSeconds      int64  `json:"timelock_seconds"`
	DisputeWindowSeconds int64  `json:"dispute_window_seconds"`
	Set                  bool   `json:"set"`
	UpdatedAt            string `json:"updated_at,omitempty"`
}

type AllowlistRequest struct {
	Allowed bool `json:"allowed"`
}

type AllowlistResponse struct {
	Owner     string `json:"owner"`
	Recipient string `json:"recipient"`
	Allowed   bool   `json:"allowed"`
}

type AmountRequest struct {
	Amount int64 `json:"amount" example:"100"`
}

type BalanceResponse struct {
	Owner     string `json:"owner"`
	Deposited int64  `json:"deposited"`
	Locked    int64  `json:"locked"`
	Available int64  `json:"available"`
}

// IntentBody is the signed payload. Field names match the JSON written by
// `escrow intent sign`, so a signed envelope can be posted unchanged.
type IntentBody struct {
	Owner     string `json:"owner" pattern:"^0x[0-9a-fA-F]{40}$"`
	Recipient string `json:"recipient" pattern:"^0x[0-9a-fA-F]{40}$"`
	Amount    int64  `json:"amount"`
	JobID     string `json:"job_id" pattern:"^0x[0-9a-fA-F]{64}$"`
	Nonce     uint64 `json:"nonce"`
	Expiry    int64  `json:"expiry" doc:"Unix seconds"`
}

type HashIntentRequest struct {
	Intent IntentBody `json:"intent"`
}

type HashIntentResponse struct {
	Hash string `json:"hash"`
}

type SubmitIntentRequest struct {
	Intent    IntentBody `json:"intent"`
	Signature string     `json:"signature" example:"0x..."`
	Hash      string     `json:"hash,omitempty" doc:"Ignored; the server recomputes it"`
}

type ClaimRequest struct {
	EvidenceHash string `json:"evidence_hash,omitempty" doc:"Optional 32-byte hash of off-system work evidence"`
}

type ResolveRequest struct {
	PayOut bool `json:"pay_out"`
}

type IntentResponse struct {
	Hash           string `json:"hash"`
	Owner          string `json:"owner"`
	Recipient      string `json:"recipient"`
	Amount         int64  `json:"amount"`
	JobID          string `json:"job_id"`
	Nonce          uint64 `json:"nonce"`
	Expiry         int64  `json:"expiry"`
	CreatedAt      int64  `json:"created_at"`
	TimelockEndsAt int64  `json:"timelock_ends_at"`
	DisputeEndsAt  int64  `json:"dispute_ends_at"`
	State          string `json:"state" enum:"created,claimed,disputed,finalized,canceled"`
	Claimed        bool   `json:"claimed"`
	Finalized      bool   `json:"finalized"`
	Canceled       bool   `json:"canceled"`
	Disputed       bool   `json:"disputed"`
	EvidenceHash   string `json:"evidence_hash,omitempty"`
	Submitter      string `json:"submitter"`
	UpdatedAt      int64  `json:"updated_at"`
}

type NonceResponse struct {
	Owner string `json:"owner"`
	Nonce uint64 `json:"nonce"`
	Used  bool   `json:"used"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	Owner      string         `json:"owner,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
	Hash       string         `json:"hash"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type VerifyLogResponse struct {
	Events int    `json:"events"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

type APIKeyRequest struct {
	Name string `json:"name,omitempty" example:"relayer"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Key       string `json:"key,omitempty" doc:"Returned once, at creation"`
}

type LoginRequest struct {
	Address   string `json:"address" pattern:"^0x[0-9a-fA-F]{40}$"`
	IssuedAt  int64  `json:"issued_at" doc:"Unix seconds embedded in the signed login message"`
	Signature string `json:"signature"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type MeResponse struct {
	Address string `json:"address"`
	Source  string `json:"source" enum:"jwt,api_key,dev_header"`
}

type LedgerAccountResponse struct {
	Address   string `json:"address"`
	Balance   int64  `json:"balance"`
	Allowance int64  `json:"allowance"`
}

type MintRequest struct {
	To     string `json:"to" pattern:"^0x[0-9a-fA-F]{40}$"`
	Amount int64  `json:"amount" minimum:"1"`
}

// Conversion helpers

func (b IntentBody) intent() (domain.Intent, error) {
	owner, err := domain.ParseAddress(b.Owner)
	if err != nil {
		return domain.Intent{}, err
	}
	recipient, err := domain.ParseAddress(b.Recipient)
	if err != nil {
		return domain.Intent{}, err
	}
	jobID, err := domain.ParseHash(b.JobID)
	if err != nil {
		return domain.Intent{}, err
	}
	return domain.Intent{
		Owner:     owner,
		Recipient: recipient,
		Amount:    b.Amount,
		JobID:     jobID,
		Nonce:     b.Nonce,
		Expiry:    b.Expiry,
	}, nil
}

func policyResponse(p domain.Policy) PolicyResponse {
	return PolicyResponse{
		Owner:                p.Owner.Hex(),
		MaxPerIntent:         p.MaxPerIntent,
		TimelockSeconds:      p.TimelockSeconds,
		DisputeWindowSeconds: p.DisputeWindowSeconds,
		Set:                  p.IsSet(),
		UpdatedAt:            p.UpdatedAt,
	}
}

func balanceResponse(b domain.Balance) BalanceResponse {
	return BalanceResponse{
		Owner:     b.Owner.Hex(),
		Deposited: b.Deposited,
		Locked:    b.Locked,
		Available: b.Available(),
	}
}

func intentResponse(r domain.IntentRecord) IntentResponse {
	resp := IntentResponse{
		Hash:           r.Hash.Hex(),
		Owner:          r.Owner.Hex(),
		Recipient:      r.Recipient.Hex(),
		Amount:         r.Amount,
		JobID:          r.JobID.Hex(),
		Nonce:          r.Nonce,
		Expiry:         r.Expiry,
		CreatedAt:      r.CreatedAt,
		TimelockEndsAt: r.TimelockEndsAt,
		DisputeEndsAt:  r.DisputeEndsAt,
		State:          r.State(),
		Claimed:        r.Claimed,
		Finalized:      r.Finalized,
		Canceled:       r.Canceled,
		Disputed:       r.Disputed,
		Submitter:      r.Submitter.Hex(),
		UpdatedAt:      r.UpdatedAt,
	}
	if r.EvidenceHash != (common.Hash{}) {
		resp.EvidenceHash = r.EvidenceHash.Hex()
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		Owner:      e.Owner,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
		Hash:       e.Hash,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		Address:   k.Address,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
