package escrowsdk

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"intentescrow/internal/signing"
)

// Client is a minimal Intent Escrow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// Caller is sent as X-Caller-Address when no credentials are set.
	// Only servers running with server.dev_caller_header honor it.
	Caller     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Intent is the payload an owner signs.
type Intent struct {
	Owner     string `json:"owner"`
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	JobID     string `json:"job_id"`
	Nonce     uint64 `json:"nonce"`
	Expiry    int64  `json:"expiry"`
}

// SignedIntent is the envelope produced by `escrow intent sign`.
type SignedIntent struct {
	Intent    Intent `json:"intent"`
	Signature string `json:"signature"`
	Hash      string `json:"hash,omitempty"`
}

// IntentRecord is the registry entry for a submitted intent.
type IntentRecord struct {
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
	State          string `json:"state"`
	Claimed        bool   `json:"claimed"`
	Finalized      bool   `json:"finalized"`
	Canceled       bool   `json:"canceled"`
	Disputed       bool   `json:"disputed"`
	EvidenceHash   string `json:"evidence_hash,omitempty"`
	Submitter      string `json:"submitter"`
	UpdatedAt      int64  `json:"updated_at"`
}

type Policy struct {
	Owner                string `json:"owner"`
	MaxPerIntent         int64  `json:"max_per_intent"`
	TimelockSeconds      int64  `json:"timelock_seconds"`
	DisputeWindowSeconds int64  `json:"dispute_window_seconds"`
	Set                  bool   `json:"set"`
	UpdatedAt            string `json:"updated_at,omitempty"`
}

type Balance struct {
	Owner     string `json:"owner"`
	Deposited int64  `json:"deposited"`
	Locked    int64  `json:"locked"`
	Available int64  `json:"available"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	Owner      string         `json:"owner"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
	Hash       string         `json:"hash"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type APIKey struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	Key       string `json:"key"`
}

type LedgerAccount struct {
	Address   string `json:"address"`
	Balance   int64  `json:"balance"`
	Allowance int64  `json:"allowance"`
}

// IntentQuery filters ListIntents. Empty fields are ignored.
type IntentQuery struct {
	Owner     string
	Recipient string
	State     string
	Limit     int
}

// APIError wraps non-2xx responses. Code is the envelope's error code when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login signs a login message with key and stores the returned bearer token on the client.
func (c *Client) Login(ctx context.Context, key *ecdsa.PrivateKey) (string, error) {
	addr := signing.Address(key)
	issuedAt := time.Now().Unix()
	sig, err := signing.SignText(signing.LoginMessage(addr, issuedAt), key)
	if err != nil {
		return "", err
	}
	var resp struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	err = c.do(ctx, http.MethodPost, "auth/login", map[string]any{
		"address":   addr.Hex(),
		"issued_at": issuedAt,
		"signature": hexutil.Encode(sig),
	}, &resp)
	if err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// Me returns the address the server authenticated the client as.
func (c *Client) Me(ctx context.Context) (string, error) {
	var resp struct {
		Address string `json:"address"`
	}
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp.Address, err
}

func (c *Client) SetPolicy(ctx context.Context, maxPerIntent, timelockSeconds, disputeWindowSeconds int64) (Policy, error) {
	var resp Policy
	err := c.do(ctx, http.MethodPut, "policy", map[string]any{
		"max_per_intent":         maxPerIntent,
		"timelock_seconds":       timelockSeconds,
		"dispute_window_seconds": disputeWindowSeconds,
	}, &resp)
	return resp, err
}

func (c *Client) Policy(ctx context.Context, owner string) (Policy, error) {
	var resp Policy
	err := c.do(ctx, http.MethodGet, "owners/"+url.PathEscape(owner)+"/policy", nil, &resp)
	return resp, err
}

func (c *Client) SetRecipientAllowed(ctx context.Context, recipient string, allowed bool) error {
	return c.do(ctx, http.MethodPut, "allowlist/"+url.PathEscape(recipient), map[string]any{"allowed": allowed}, nil)
}

func (c *Client) IsRecipientAllowed(ctx context.Context, owner, recipient string) (bool, error) {
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	err := c.do(ctx, http.MethodGet, "owners/"+url.PathEscape(owner)+"/allowlist/"+url.PathEscape(recipient), nil, &resp)
	return resp.Allowed, err
}

func (c *Client) Deposit(ctx context.Context, amount int64) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodPost, "deposits", map[string]any{"amount": amount}, &resp)
	return resp, err
}

func (c *Client) Withdraw(ctx context.Context, amount int64) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodPost, "withdrawals", map[string]any{"amount": amount}, &resp)
	return resp, err
}

func (c *Client) Balance(ctx context.Context, owner string) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodGet, "owners/"+url.PathEscape(owner)+"/balance", nil, &resp)
	return resp, err
}

func (c *Client) IsNonceUsed(ctx context.Context, owner string, nonce uint64) (bool, error) {
	var resp struct {
		Used bool `json:"used"`
	}
	endpoint := fmt.Sprintf("owners/%s/nonces/%d", url.PathEscape(owner), nonce)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Used, err
}

// HashIntent asks the server for the EIP-712 digest of in under its domain.
func (c *Client) HashIntent(ctx context.Context, in Intent) (string, error) {
	var resp struct {
		Hash string `json:"hash"`
	}
	err := c.do(ctx, http.MethodPost, "intents/hash", map[string]any{"intent": in}, &resp)
	return resp.Hash, err
}

// SubmitIntent registers a signed intent; the client's principal becomes the submitter.
func (c *Client) SubmitIntent(ctx context.Context, si SignedIntent) (IntentRecord, error) {
	var resp IntentRecord
	err := c.do(ctx, http.MethodPost, "intents", si, &resp)
	return resp, err
}

func (c *Client) Intent(ctx context.Context, hash string) (IntentRecord, error) {
	var resp IntentRecord
	err := c.do(ctx, http.MethodGet, "intents/"+url.PathEscape(hash), nil, &resp)
	return resp, err
}

func (c *Client) ListIntents(ctx context.Context, q IntentQuery) ([]IntentRecord, error) {
	values := url.Values{}
	if q.Owner != "" {
		values.Set("owner", q.Owner)
	}
	if q.Recipient != "" {
		values.Set("recipient", q.Recipient)
	}
	if q.State != "" {
		values.Set("state", q.State)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "intents"
	if len(values) > 0 {
		endpoint += "?" + values.Encode()
	}
	var resp []IntentRecord
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Claim claims an intent as its recipient. evidenceHash may be empty.
func (c *Client) Claim(ctx context.Context, hash, evidenceHash string) (IntentRecord, error) {
	body := map[string]any{}
	if evidenceHash != "" {
		body["evidence_hash"] = evidenceHash
	}
	return c.transition(ctx, hash, "claim", body)
}

func (c *Client) Cancel(ctx context.Context, hash string) (IntentRecord, error) {
	return c.transition(ctx, hash, "cancel", nil)
}

func (c *Client) Dispute(ctx context.Context, hash string) (IntentRecord, error) {
	return c.transition(ctx, hash, "dispute", nil)
}

func (c *Client) Resolve(ctx context.Context, hash string, payOut bool) (IntentRecord, error) {
	return c.transition(ctx, hash, "resolve", map[string]any{"pay_out": payOut})
}

func (c *Client) Finalize(ctx context.Context, hash string) (IntentRecord, error) {
	return c.transition(ctx, hash, "finalize", nil)
}

func (c *Client) transition(ctx context.Context, hash, action string, body any) (IntentRecord, error) {
	var resp IntentRecord
	err := c.do(ctx, http.MethodPost, "intents/"+url.PathEscape(hash)+"/"+action, body, &resp)
	return resp, err
}

// Events fetches recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage fetches a page of events, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	values := url.Values{}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		values.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(values) > 0 {
		endpoint += "?" + values.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CreateAPIKey(ctx context.Context, name string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, http.MethodPost, "api-keys", map[string]any{"name": name}, &resp)
	return resp, err
}

func (c *Client) LedgerAccount(ctx context.Context, address string) (LedgerAccount, error) {
	var resp LedgerAccount
	err := c.do(ctx, http.MethodGet, "ledger/accounts/"+url.PathEscape(address), nil, &resp)
	return resp, err
}

// Approve sets the escrow account's allowance over the caller's tokens.
func (c *Client) Approve(ctx context.Context, amount int64) (LedgerAccount, error) {
	var resp LedgerAccount
	err := c.do(ctx, http.MethodPost, "ledger/approve", map[string]any{"amount": amount}, &resp)
	return resp, err
}

// Mint uses the server faucet, when it is enabled.
func (c *Client) Mint(ctx context.Context, to string, amount int64) (LedgerAccount, error) {
	var resp LedgerAccount
	err := c.do(ctx, http.MethodPost, "ledger/mint", map[string]any{"to": to, "amount": amount}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.Caller != "":
		req.Header.Set("X-Caller-Address", c.Caller)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
