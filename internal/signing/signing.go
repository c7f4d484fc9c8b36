// Package signing builds the EIP-712 authorization digest for payment intents
// and recovers signer addresses from secp256k1 signatures.
package signing

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"intentescrow/internal/domain"
)

const (
	DefaultName    = "IntentEscrow"
	DefaultVersion = "1"

	primaryType = "Intent"
)

var (
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrMalleableSignature = errors.New("signature s value out of range")
)

var intentTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryType: {
		{Name: "owner", Type: "address"},
		{Name: "recipient", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "jobId", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
		{Name: "expiry", Type: "uint256"},
	},
}

// Domain separates digests of one escrow deployment from every other.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// NewDomain fills defaults for empty name and version.
func NewDomain(name, version string, chainID int64, verifyingContract common.Address) Domain {
	if name == "" {
		name = DefaultName
	}
	if version == "" {
		version = DefaultVersion
	}
	return Domain{
		Name:              name,
		Version:           version,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: verifyingContract,
	}
}

func (d Domain) chainID() *big.Int {
	if d.ChainID == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(d.ChainID)
}

// TypedData returns the EIP-712 document an off-system wallet signs.
func (d Domain) TypedData(i domain.Intent) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       intentTypes,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(d.chainID()),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"owner":     i.Owner.Hex(),
			"recipient": i.Recipient.Hex(),
			"amount":    big.NewInt(i.Amount),
			"jobId":     i.JobID.Bytes(),
			"nonce":     new(big.Int).SetUint64(i.Nonce),
			"expiry":    big.NewInt(i.Expiry),
		},
	}
}

// HashIntent returns the digest binding every intent field to this domain.
func (d Domain) HashIntent(i domain.Intent) (common.Hash, error) {
	if i.Amount < 0 || i.Expiry < 0 {
		return common.Hash{}, fmt.Errorf("hash intent: negative amount or expiry")
	}
	digest, _, err := apitypes.TypedDataAndHash(d.TypedData(i))
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash intent: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// Sign produces a 65-byte [R||S||V] signature with V in {27,28}.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that produced sig over digest. V may be 0/1 or
// 27/28; signatures with a high S value are rejected.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	v := normalized[crypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[crypto.RecoveryIDOffset])
	}
	normalized[crypto.RecoveryIDOffset] = v
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, ErrMalleableSignature
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignText signs an EIP-191 personal message.
func SignText(msg string, key *ecdsa.PrivateKey) ([]byte, error) {
	return Sign(common.BytesToHash(accounts.TextHash([]byte(msg))), key)
}

// RecoverText recovers the signer of an EIP-191 personal message.
func RecoverText(msg string, sig []byte) (common.Address, error) {
	return Recover(common.BytesToHash(accounts.TextHash([]byte(msg))), sig)
}

// LoginMessage is the personal message a caller signs to obtain an API token.
func LoginMessage(addr common.Address, issuedAt int64) string {
	return fmt.Sprintf("intentescrow login\naddress: %s\nissued_at: %d", addr.Hex(), issuedAt)
}

// ParseSignature decodes a 0x-prefixed hex signature.
func ParseSignature(s string) ([]byte, error) {
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return sig, nil
}

// Address returns the address controlled by key.
func Address(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
