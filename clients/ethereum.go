package clients

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/vitwit/brpay/types"
)

// DefaultConfirmationInterval is how often WaitMined polls for a receipt.
const DefaultConfirmationInterval = time.Second

// EVMClient wraps an Ethereum RPC connection with the token and relay reads
// brpay needs. All failures are reported as TRANSPORT_FAILURE.
type EVMClient struct {
	client               EthClientInterface
	confirmationInterval time.Duration
}

// NewEVMClient dials rpcURL through NewEthClient.
func NewEVMClient(rpcURL string, confirmationInterval time.Duration) (*EVMClient, error) {
	client, err := NewEthClient(rpcURL)
	if err != nil {
		return nil, types.NewPayError(types.ErrTransportFailure, "failed to dial rpc", err)
	}
	return NewEVMClientFrom(client, confirmationInterval), nil
}

// NewEVMClientFrom wraps an existing connection.
func NewEVMClientFrom(client EthClientInterface, confirmationInterval time.Duration) *EVMClient {
	if confirmationInterval <= 0 {
		confirmationInterval = DefaultConfirmationInterval
	}
	return &EVMClient{client: client, confirmationInterval: confirmationInterval}
}

// Backend returns the underlying connection.
func (e *EVMClient) Backend() EthClientInterface {
	return e.client
}

func (e *EVMClient) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := e.client.ChainID(ctx)
	if err != nil {
		return nil, types.NewPayError(types.ErrTransportFailure, "failed to read chain id", err)
	}
	return id, nil
}

// Allowance reads token.allowance(owner, spender).
func (e *EVMClient) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	v, err := NewERC20(token, e.client).Allowance(ctx, owner, spender)
	if err != nil {
		return nil, types.NewPayError(types.ErrTransportFailure, "failed to read allowance", err)
	}
	return v, nil
}

// RelayNonce reads relay.nonce(owner), the last nonce the relay consumed.
func (e *EVMClient) RelayNonce(ctx context.Context, relay, owner common.Address) (*big.Int, error) {
	v, err := NewRelay(relay, e.client).Nonce(ctx, owner)
	if err != nil {
		return nil, types.NewPayError(types.ErrTransportFailure, "failed to read relay nonce", err)
	}
	return v, nil
}

// WalletSummary reads owner's balance of token along with its metadata.
func (e *EVMClient) WalletSummary(ctx context.Context, token, owner common.Address) (*types.WalletSummary, error) {
	erc20 := NewERC20(token, e.client)

	balance, err := erc20.BalanceOf(ctx, owner)
	if err != nil {
		return nil, types.NewPayError(types.ErrTransportFailure, "failed to read balance", err)
	}
	symbol, err := erc20.Symbol(ctx)
	if err != nil {
		return nil, types.NewPayError(types.ErrTransportFailure, "failed to read symbol", err)
	}
	decimals, err := erc20.Decimals(ctx)
	if err != nil {
		return nil, types.NewPayError(types.ErrTransportFailure, "failed to read decimals", err)
	}

	return &types.WalletSummary{
		Account:  owner,
		Balance:  balance,
		Symbol:   symbol,
		Decimals: decimals,
	}, nil
}

// WaitMined blocks until the receipt for hash is available or ctx is done.
func (e *EVMClient) WaitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(e.confirmationInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, types.NewPayError(types.ErrTransportFailure, "failed to read receipt", err)
		}

		select {
		case <-ctx.Done():
			return nil, types.NewPayError(types.ErrTransportFailure, "gave up waiting for receipt", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *EVMClient) Close() {
	e.client.Close()
}
