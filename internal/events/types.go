package events

// Event types written by the escrow engine.
const (
	PolicyUpdated    = "policy.updated"
	AllowlistUpdated = "allowlist.updated"
	Deposited        = "balance.deposited"
	Withdrawn        = "balance.withdrawn"
	IntentCreated    = "intent.created"
	IntentClaimed    = "intent.claimed"
	IntentCanceled   = "intent.canceled"
	IntentDisputed   = "intent.disputed"
	DisputeResolved  = "intent.dispute_resolved"
	IntentFinalized  = "intent.finalized"
	APIKeyCreated    = "api_key.created"
	APIKeyRevoked    = "api_key.revoked"
)

// Entity kinds.
const (
	KindPolicy    = "policy"
	KindAllowlist = "allowlist"
	KindBalance   = "balance"
	KindIntent    = "intent"
	KindAPIKey    = "api_key"
)
