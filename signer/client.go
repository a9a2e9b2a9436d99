package signer

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/vitwit/brpay/logger"
	"github.com/vitwit/brpay/types"
)

// Client serializes wallet requests so at most one is outstanding, and maps
// wallet failures onto error codes.
type Client struct {
	wallet Wallet
	logger logger.Logger
	mu     sync.Mutex
}

type Option func(*Client)

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func NewClient(wallet Wallet, opts ...Option) *Client {
	c := &Client{wallet: wallet, logger: logger.NoopLogger{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Address() common.Address {
	return c.wallet.Address()
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.wallet.ChainID(ctx)
	if err != nil {
		return nil, classify("failed to read wallet network", err)
	}
	return id, nil
}

// Sign asks the wallet to sign typedData. The returned signature is a copy
// owned by the caller.
func (c *Client) Sign(ctx context.Context, typedData apitypes.TypedData) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("requesting signature", map[string]any{
		"primary_type": typedData.PrimaryType,
		"account":      c.wallet.Address().Hex(),
	})

	sig, err := c.wallet.SignTypedData(ctx, typedData)
	if err != nil {
		return nil, classify("signature request failed", err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, types.Errorf(types.ErrTransportFailure, "wallet returned a %d byte signature", len(sig))
	}
	return append([]byte(nil), sig...), nil
}

// Send asks the wallet to submit a transaction.
func (c *Client) Send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash, err := c.wallet.SendTransaction(ctx, to, data)
	if err != nil {
		return common.Hash{}, classify("transaction request failed", err)
	}
	c.logger.Info("transaction sent", map[string]any{"tx_hash": hash.Hex(), "to": to.Hex()})
	return hash, nil
}

func classify(msg string, err error) error {
	if errors.Is(err, ErrUserDeclined) {
		return types.NewPayError(types.ErrUserDeclined, msg, err)
	}
	return types.NewPayError(types.ErrTransportFailure, msg, err)
}
