// Package authorization builds the ERC20MetaTransaction authorization a payer
// signs for the relay, and its typed-data representations.
package authorization

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils/eip712"
)

// DefaultTTL is how long an authorization stays valid.
const DefaultTTL = 24 * time.Hour

// MetaTransactionFields is the ERC20MetaTransaction schema in signing order.
var MetaTransactionFields = []apitypes.Type{
	{Name: "from", Type: "address"},
	{Name: "to", Type: "address"},
	{Name: "tokenContract", Type: "address"},
	{Name: "amount", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "expiry", Type: "uint256"},
}

// Builder creates authorizations. It performs no I/O; given the same clock
// and inputs it always returns the same authorization.
type Builder struct {
	TTL time.Duration
	Now func() time.Time
}

// NewBuilder returns a Builder. Zero values fall back to DefaultTTL and
// time.Now.
func NewBuilder(ttl time.Duration, now func() time.Time) Builder {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return Builder{TTL: ttl, Now: now}
}

// Build returns an authorization with nonce = currentNonce + 1 and an expiry
// TTL after now, rounded up to the next whole second.
func (b Builder) Build(from, to, token common.Address, amount, currentNonce *big.Int) (*types.TransferAuthorization, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, errors.New("amount must be a non-negative integer")
	}
	if currentNonce == nil || currentNonce.Sign() < 0 {
		return nil, errors.New("current nonce must be a non-negative integer")
	}
	if b.TTL <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	if b.Now == nil {
		return nil, errors.New("clock is not set")
	}

	deadline := b.Now().Add(b.TTL)
	expiry := deadline.Unix()
	if deadline.Nanosecond() > 0 {
		expiry++
	}

	return &types.TransferAuthorization{
		From:          from,
		To:            to,
		TokenContract: token,
		Amount:        new(big.Int).Set(amount),
		Nonce:         new(big.Int).Add(currentNonce, big.NewInt(1)),
		Expiry:        big.NewInt(expiry),
	}, nil
}

// MessageOf converts auth into its hashing form.
func MessageOf(auth *types.TransferAuthorization) eip712.Message {
	return eip712.Message{
		From:          auth.From,
		To:            auth.To,
		TokenContract: auth.TokenContract,
		Amount:        auth.Amount,
		Nonce:         auth.Nonce,
		Expiry:        auth.Expiry,
	}
}

// Digest is the EIP-712 hash of auth under domain.
func Digest(auth *types.TransferAuthorization, domain eip712.Domain) (common.Hash, error) {
	return eip712.Digest(domain, MessageOf(auth))
}

func domainFields(domain eip712.Domain) []apitypes.Type {
	fields := []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
	}
	if domain.ChainID != nil {
		fields = append(fields, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	return append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
}

// TypedData returns the structure handed to the wallet for signing.
func TypedData(auth *types.TransferAuthorization, domain eip712.Domain) apitypes.TypedData {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":             domainFields(domain),
			eip712.MetaTransactionType: MetaTransactionFields,
		},
		PrimaryType: eip712.MetaTransactionType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":          auth.From.Hex(),
			"to":            auth.To.Hex(),
			"tokenContract": auth.TokenContract.Hex(),
			"amount":        (*math.HexOrDecimal256)(new(big.Int).Set(auth.Amount)),
			"nonce":         (*math.HexOrDecimal256)(new(big.Int).Set(auth.Nonce)),
			"expiry":        (*math.HexOrDecimal256)(new(big.Int).Set(auth.Expiry)),
		},
	}
	if domain.ChainID != nil {
		td.Domain.ChainId = (*math.HexOrDecimal256)(new(big.Int).Set(domain.ChainID))
	}
	return td
}

// Payload returns the {domain, types, message} body sent to the backend.
// The EIP712Domain type is implied by the domain and not listed.
func Payload(auth *types.TransferAuthorization, domain eip712.Domain) types.TypedDataPayload {
	fields := make([]types.TypeEntry, 0, len(MetaTransactionFields))
	for _, f := range MetaTransactionFields {
		fields = append(fields, types.TypeEntry{Name: f.Name, Type: f.Type})
	}

	d := types.TypedDataDomain{
		Name:              domain.Name,
		Version:           domain.Version,
		VerifyingContract: domain.VerifyingContract.Hex(),
	}
	if domain.ChainID != nil {
		d.ChainID = new(big.Int).Set(domain.ChainID)
	}

	return types.TypedDataPayload{
		Domain:  d,
		Types:   map[string][]types.TypeEntry{eip712.MetaTransactionType: fields},
		Message: auth.Message(),
	}
}
