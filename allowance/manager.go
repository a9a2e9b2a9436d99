// Package allowance keeps the relay's ERC20 allowance sufficient for a
// payment, approving it when needed.
package allowance

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/vitwit/brpay/clients"
	"github.com/vitwit/brpay/logger"
	"github.com/vitwit/brpay/types"
)

// Chain reads allowances and waits for transactions.
type Chain interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	WaitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
}

// Sender submits transactions on behalf of the account.
type Sender interface {
	Send(ctx context.Context, to common.Address, data []byte) (common.Hash, error)
}

// Key identifies one allowance.
type Key struct {
	Account common.Address
	Token   common.Address
	Spender common.Address
}

// Manager caches allowances and tops them up. The cache is only a hint;
// decisions are always made on a fresh chain read.
type Manager struct {
	chain  Chain
	sender Sender
	logger logger.Logger

	mu    sync.Mutex
	cache map[Key]*big.Int

	// one approval in flight per manager
	approveMu sync.Mutex
}

type Option func(*Manager)

func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

func NewManager(chain Chain, sender Sender, opts ...Option) *Manager {
	m := &Manager{
		chain:  chain,
		sender: sender,
		logger: logger.NoopLogger{},
		cache:  make(map[Key]*big.Int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CurrentAllowance reads the allowance from chain and refreshes the cache.
func (m *Manager) CurrentAllowance(ctx context.Context, key Key) (*big.Int, error) {
	v, err := m.chain.Allowance(ctx, key.Token, key.Account, key.Spender)
	if err != nil {
		return nil, asPayError(types.ErrTransportFailure, "failed to read allowance", err)
	}

	m.mu.Lock()
	m.cache[key] = new(big.Int).Set(v)
	m.mu.Unlock()
	return v, nil
}

// Cached returns the last value read for key.
func (m *Manager) Cached(key Key) (*big.Int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cache[key]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(v), true
}

func (m *Manager) Invalidate(key Key) {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
}

// EnsureAllowance makes the allowance for key at least required. It sends
// nothing when the current allowance already suffices; otherwise it
// approves the maximum amount, waits for the approval to be mined and
// re-reads. It returns the resulting allowance.
func (m *Manager) EnsureAllowance(ctx context.Context, key Key, required *big.Int) (*big.Int, error) {
	m.approveMu.Lock()
	defer m.approveMu.Unlock()

	current, err := m.CurrentAllowance(ctx, key)
	if err != nil {
		return nil, err
	}
	if current.Cmp(required) >= 0 {
		return current, nil
	}

	m.logger.Info("approving relay allowance", map[string]any{
		"account":  key.Account.Hex(),
		"token":    key.Token.Hex(),
		"spender":  key.Spender.Hex(),
		"current":  current.String(),
		"required": required.String(),
	})

	data, err := clients.PackApprove(key.Spender, math.MaxBig256)
	if err != nil {
		return nil, types.NewPayError(types.ErrAllowanceInsufficient, "failed to encode approval", err)
	}

	hash, err := m.sender.Send(ctx, key.Token, data)
	if err != nil {
		return nil, asPayError(types.ErrTransportFailure, "approval was not sent", err)
	}

	receipt, err := m.chain.WaitMined(ctx, hash)
	if err != nil {
		return nil, asPayError(types.ErrTransportFailure, "approval was not confirmed", err)
	}
	m.Invalidate(key)
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, types.Errorf(types.ErrAllowanceInsufficient, "approval %s reverted", hash.Hex())
	}

	updated, err := m.CurrentAllowance(ctx, key)
	if err != nil {
		return nil, err
	}
	if updated.Cmp(required) < 0 {
		return nil, types.Errorf(types.ErrAllowanceInsufficient,
			"allowance %s still below required %s", updated, required)
	}

	m.logger.Info("relay allowance approved", map[string]any{"tx_hash": hash.Hex()})
	return updated, nil
}

func asPayError(code types.ErrorCode, msg string, err error) error {
	if types.CodeOf(err) != "" {
		return err
	}
	return types.NewPayError(code, msg, err)
}
