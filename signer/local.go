package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/vitwit/brpay/clients"
	"github.com/vitwit/brpay/utils"
)

// LocalWallet signs with an in-process private key and broadcasts through
// an Ethereum RPC client.
type LocalWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	client  clients.EthClientInterface
}

var _ Wallet = (*LocalWallet)(nil)

func NewLocalWallet(key *ecdsa.PrivateKey, client clients.EthClientInterface) *LocalWallet {
	return &LocalWallet{
		key:     key,
		address: utils.AddressFromPrivateKey(key),
		client:  client,
	}
}

// NewLocalWalletFromHex parses a hex private key, with or without 0x.
func NewLocalWalletFromHex(hexKey string, client clients.EthClientInterface) (*LocalWallet, error) {
	key, err := utils.PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewLocalWallet(key, client), nil
}

func (w *LocalWallet) Address() common.Address {
	return w.address
}

func (w *LocalWallet) ChainID(ctx context.Context) (*big.Int, error) {
	return w.client.ChainID(ctx)
}

func (w *LocalWallet) SignTypedData(ctx context.Context, typedData apitypes.TypedData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return utils.SignTypedData(typedData, w.key)
}

// SendTransaction signs and broadcasts an EIP-1559 transaction calling to
// with data.
func (w *LocalWallet) SendTransaction(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	chainID, err := w.client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get chain id: %w", err)
	}

	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get pending nonce: %w", err)
	}

	gasTipCap, err := w.client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to suggest gas tip cap: %w", err)
	}

	header, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get block header: %w", err)
	}
	if header.BaseFee == nil {
		return common.Hash{}, fmt.Errorf("block header missing base fee: network may not support EIP-1559")
	}

	// 2x base fee + tip
	gasFeeCap := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), gasTipCap)

	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{From: w.address, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gasLimit = gasLimit * 120 / 100

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signed, err := ethtypes.SignTx(tx, ethtypes.NewLondonSigner(chainID), w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed.Hash(), nil
}
