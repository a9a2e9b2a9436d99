// Package signer obtains typed-data signatures and transactions from the
// payer's wallet.
package signer

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ErrUserDeclined is returned by wallets when the user refuses a request.
var ErrUserDeclined = errors.New("user declined the request")

// userRejectedCode is the EIP-1193 "user rejected request" error code.
const userRejectedCode = 4001

// Wallet is the capability injected by the host application.
type Wallet interface {
	Address() common.Address
	ChainID(ctx context.Context) (*big.Int, error)
	// SignTypedData returns a 65 byte R||S||V signature.
	SignTypedData(ctx context.Context, typedData apitypes.TypedData) ([]byte, error)
	SendTransaction(ctx context.Context, to common.Address, data []byte) (common.Hash, error)
}
