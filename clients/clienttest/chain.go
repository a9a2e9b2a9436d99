// Package clienttest provides an in-memory token and relay chain that
// satisfies clients.EthClientInterface, for tests.
package clienttest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/brpay/clients"
)

var _ clients.EthClientInterface = (*Chain)(nil)

// Chain simulates one ERC20 token and one relay contract.
type Chain struct {
	mu sync.Mutex

	id       *big.Int
	token    common.Address
	relay    common.Address
	symbol   string
	decimals uint8

	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
	nonces     map[common.Address]*big.Int
	txCounts   map[common.Address]uint64

	receipts map[common.Hash]*ethtypes.Receipt
	pending  map[common.Hash]int

	// ReceiptDelay is how many receipt lookups return NotFound before a
	// transaction is mined.
	ReceiptDelay int
	// RevertApprove mines approvals with a failed status.
	RevertApprove bool
	// ApproveAmount overrides the approved amount when set.
	ApproveAmount *big.Int
	// CallErr, when set, fails every contract read.
	CallErr error

	calls map[string]int
}

// NewChain returns a chain with the given id, token and relay addresses.
func NewChain(id int64, token, relay common.Address) *Chain {
	return &Chain{
		id:         big.NewInt(id),
		token:      token,
		relay:      relay,
		symbol:     "BRLT",
		decimals:   6,
		balances:   map[common.Address]*big.Int{},
		allowances: map[[2]common.Address]*big.Int{},
		nonces:     map[common.Address]*big.Int{},
		txCounts:   map[common.Address]uint64{},
		receipts:   map[common.Hash]*ethtypes.Receipt{},
		pending:    map[common.Hash]int{},
		calls:      map[string]int{},
	}
}

func (c *Chain) SetBalance(owner common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[owner] = new(big.Int).Set(v)
}

func (c *Chain) SetAllowance(owner, spender common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowances[[2]common.Address{owner, spender}] = new(big.Int).Set(v)
}

func (c *Chain) SetRelayNonce(owner common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[owner] = new(big.Int).Set(v)
}

func (c *Chain) SetChainID(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = big.NewInt(id)
}

// AllowanceOf returns the recorded allowance.
func (c *Chain) AllowanceOf(owner, spender common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return valueOrZero(c.allowances[[2]common.Address{owner, spender}])
}

// Calls returns how many times method was called or sent.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.id), nil
}

func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.CallErr != nil {
		return nil, c.CallErr
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("invalid call")
	}

	contract := clients.ERC20ABI
	switch *msg.To {
	case c.token:
	case c.relay:
		contract = clients.RelayABI
	default:
		return nil, fmt.Errorf("no contract at %s", msg.To.Hex())
	}

	method, err := contract.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	c.calls[method.Name]++

	switch method.Name {
	case "allowance":
		key := [2]common.Address{args[0].(common.Address), args[1].(common.Address)}
		return pack(method, valueOrZero(c.allowances[key]))
	case "balanceOf":
		return pack(method, valueOrZero(c.balances[args[0].(common.Address)]))
	case "symbol":
		return pack(method, c.symbol)
	case "decimals":
		return pack(method, c.decimals)
	case "nonce":
		return pack(method, valueOrZero(c.nonces[args[0].(common.Address)]))
	}
	return nil, fmt.Errorf("method %s is not callable", method.Name)
}

func (c *Chain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txCounts[account], nil
}

func (c *Chain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *Chain) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	return &ethtypes.Header{Number: big.NewInt(1), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (c *Chain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

// SendTransaction executes a signed approve transaction.
func (c *Chain) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return err
	}
	if tx.To() == nil {
		return errors.New("contract creation is not supported")
	}
	_, err = c.Execute(from, *tx.To(), tx.Data(), tx.Hash())
	return err
}

// Execute applies an approve call from owner and records a receipt. A zero
// hash is replaced by one derived from the call.
func (c *Chain) Execute(from, to common.Address, data []byte, hash common.Hash) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if to != c.token || len(data) < 4 {
		return common.Hash{}, fmt.Errorf("unsupported transaction to %s", to.Hex())
	}
	method, err := clients.ERC20ABI.MethodById(data[:4])
	if err != nil {
		return common.Hash{}, err
	}
	if method.Name != "approve" {
		return common.Hash{}, fmt.Errorf("method %s is not sendable", method.Name)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Hash{}, err
	}
	c.calls[method.Name]++

	nonce := c.txCounts[from]
	c.txCounts[from]++
	if hash == (common.Hash{}) {
		hash = crypto.Keccak256Hash(from.Bytes(), data, new(big.Int).SetUint64(nonce).Bytes())
	}

	status := ethtypes.ReceiptStatusSuccessful
	if c.RevertApprove {
		status = ethtypes.ReceiptStatusFailed
	} else {
		amount := args[1].(*big.Int)
		if c.ApproveAmount != nil {
			amount = c.ApproveAmount
		}
		c.allowances[[2]common.Address{from, args[0].(common.Address)}] = new(big.Int).Set(amount)
	}

	c.receipts[hash] = &ethtypes.Receipt{Status: status, TxHash: hash, BlockNumber: big.NewInt(1)}
	c.pending[hash] = c.ReceiptDelay
	return hash, nil
}

func (c *Chain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	if c.pending[txHash] > 0 {
		c.pending[txHash]--
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *Chain) Close() {}

func pack(method *abi.Method, v any) ([]byte, error) {
	return method.Outputs.Pack(v)
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
