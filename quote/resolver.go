// Package quote resolves invoice codes into token-priced invoices.
package quote

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/brpay/logger"
	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils"
)

// Backend prices an invoice code in a token.
type Backend interface {
	AmountRequired(ctx context.Context, code string, token common.Address) (*types.Invoice, error)
}

// Resolver turns codes into invoices for one token.
type Resolver struct {
	backend Backend
	token   common.Address
	logger  logger.Logger
}

type Option func(*Resolver)

func WithLogger(l logger.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

func NewResolver(backend Backend, token common.Address, opts ...Option) *Resolver {
	r := &Resolver{backend: backend, token: token, logger: logger.NoopLogger{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the invoice for code, or (nil, nil) for an empty code.
func (r *Resolver) Resolve(ctx context.Context, code string) (*types.Invoice, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}

	inv, err := r.backend.AmountRequired(ctx, code, r.token)
	if err != nil {
		r.logger.Warn("quote failed", map[string]any{"error": err})
		return nil, err
	}
	if inv.Code == "" {
		inv.Code = code
	}

	r.logger.Debug("quote resolved", map[string]any{
		"invoice_id":   inv.ID,
		"token_amount": inv.TokenAmountRequired,
	})
	return inv, nil
}

// FormatTokenAmount renders the invoice amount in whole tokens, e.g.
// "12.5 BRLT".
func FormatTokenAmount(inv *types.Invoice, decimals uint8) (string, error) {
	amount, err := inv.RequiredAmount()
	if err != nil {
		return "", err
	}
	s := utils.FormatUnits(amount, decimals)
	if inv.TokenSymbol != "" {
		s += " " + inv.TokenSymbol
	}
	return s, nil
}
