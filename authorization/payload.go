package authorization

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils/eip712"
)

// FromPayload reverses Payload. It checks the schema so that a relay-side
// verifier hashes exactly what the payer signed.
func FromPayload(p types.TypedDataPayload) (*types.TransferAuthorization, eip712.Domain, error) {
	fields, ok := p.Types[eip712.MetaTransactionType]
	if !ok {
		return nil, eip712.Domain{}, fmt.Errorf("missing %s type", eip712.MetaTransactionType)
	}
	if len(fields) != len(MetaTransactionFields) {
		return nil, eip712.Domain{}, fmt.Errorf("unexpected %s schema", eip712.MetaTransactionType)
	}
	for i, f := range fields {
		if f.Name != MetaTransactionFields[i].Name || f.Type != MetaTransactionFields[i].Type {
			return nil, eip712.Domain{}, fmt.Errorf("unexpected field %d: %s %s", i, f.Type, f.Name)
		}
	}

	m := p.Message
	for _, addr := range []string{m.From, m.To, m.TokenContract, p.Domain.VerifyingContract} {
		if !common.IsHexAddress(addr) {
			return nil, eip712.Domain{}, fmt.Errorf("invalid address %q", addr)
		}
	}
	amount, ok := new(big.Int).SetString(m.Amount, 10)
	if !ok {
		return nil, eip712.Domain{}, fmt.Errorf("invalid amount %q", m.Amount)
	}
	if m.Nonce == nil || m.Expiry == nil {
		return nil, eip712.Domain{}, fmt.Errorf("nonce and expiry are required")
	}

	auth := &types.TransferAuthorization{
		From:          common.HexToAddress(m.From),
		To:            common.HexToAddress(m.To),
		TokenContract: common.HexToAddress(m.TokenContract),
		Amount:        amount,
		Nonce:         new(big.Int).Set(m.Nonce),
		Expiry:        new(big.Int).Set(m.Expiry),
	}
	domain := eip712.Domain{
		Name:              p.Domain.Name,
		Version:           p.Domain.Version,
		VerifyingContract: common.HexToAddress(p.Domain.VerifyingContract),
	}
	if p.Domain.ChainID != nil {
		domain.ChainID = new(big.Int).Set(p.Domain.ChainID)
	}
	return auth, domain, nil
}
