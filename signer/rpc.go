package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// RPCWallet delegates to an external wallet over JSON-RPC
// (eth_signTypedData_v4, eth_sendTransaction).
type RPCWallet struct {
	client  *rpc.Client
	address common.Address
}

var _ Wallet = (*RPCWallet)(nil)

// DialRPCWallet connects to url and uses the first account it exposes.
func DialRPCWallet(ctx context.Context, url string) (*RPCWallet, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial wallet: %w", err)
	}

	var accounts []common.Address
	if err := client.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to list wallet accounts: %w", classifyRPCError(err))
	}
	if len(accounts) == 0 {
		client.Close()
		return nil, errors.New("wallet exposes no accounts")
	}
	return NewRPCWallet(client, accounts[0]), nil
}

func NewRPCWallet(client *rpc.Client, address common.Address) *RPCWallet {
	return &RPCWallet{client: client, address: address}
}

func (w *RPCWallet) Address() common.Address {
	return w.address
}

func (w *RPCWallet) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := w.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return nil, classifyRPCError(err)
	}
	return (*big.Int)(&id), nil
}

func (w *RPCWallet) SignTypedData(ctx context.Context, typedData apitypes.TypedData) ([]byte, error) {
	var sig hexutil.Bytes
	if err := w.client.CallContext(ctx, &sig, "eth_signTypedData_v4", w.address, typedData); err != nil {
		return nil, classifyRPCError(err)
	}
	return sig, nil
}

func (w *RPCWallet) SendTransaction(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	args := map[string]any{
		"from": w.address,
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	var hash common.Hash
	if err := w.client.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, classifyRPCError(err)
	}
	return hash, nil
}

func (w *RPCWallet) Close() {
	w.client.Close()
}

func classifyRPCError(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == userRejectedCode {
		return fmt.Errorf("%w: %s", ErrUserDeclined, rpcErr.Error())
	}
	return err
}
