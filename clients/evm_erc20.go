package clients

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"symbol","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

const relayABIJSON = `[
  {"type":"function","name":"nonce","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	// ERC20ABI is the token surface brpay calls.
	ERC20ABI = mustParseABI(erc20ABIJSON)
	// RelayABI is the relay surface brpay calls.
	RelayABI = mustParseABI(relayABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ERC20 is a read binding for a token contract.
type ERC20 struct {
	address common.Address
	caller  EthClientInterface
}

// NewERC20 binds token at address.
func NewERC20(address common.Address, caller EthClientInterface) *ERC20 {
	return &ERC20{address: address, caller: caller}
}

func (t *ERC20) Address() common.Address { return t.address }

func (t *ERC20) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	var out *big.Int
	err := call(ctx, t.caller, ERC20ABI, t.address, "allowance", &out, owner, spender)
	return out, err
}

func (t *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	var out *big.Int
	err := call(ctx, t.caller, ERC20ABI, t.address, "balanceOf", &out, owner)
	return out, err
}

func (t *ERC20) Symbol(ctx context.Context) (string, error) {
	var out string
	err := call(ctx, t.caller, ERC20ABI, t.address, "symbol", &out)
	return out, err
}

func (t *ERC20) Decimals(ctx context.Context) (uint8, error) {
	var out uint8
	err := call(ctx, t.caller, ERC20ABI, t.address, "decimals", &out)
	return out, err
}

// PackApprove returns calldata for approve(spender, amount).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return ERC20ABI.Pack("approve", spender, amount)
}

// Relay is a read binding for the meta-transaction relay contract.
type Relay struct {
	address common.Address
	caller  EthClientInterface
}

// NewRelay binds the relay at address.
func NewRelay(address common.Address, caller EthClientInterface) *Relay {
	return &Relay{address: address, caller: caller}
}

func (r *Relay) Address() common.Address { return r.address }

// Nonce returns the last nonce the relay accepted for owner.
func (r *Relay) Nonce(ctx context.Context, owner common.Address) (*big.Int, error) {
	var out *big.Int
	err := call(ctx, r.caller, RelayABI, r.address, "nonce", &out, owner)
	return out, err
}

func call(ctx context.Context, caller EthClientInterface, contract abi.ABI, to common.Address, method string, out any, args ...any) error {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	if err := contract.UnpackIntoInterface(out, method, res); err != nil {
		return fmt.Errorf("unpack %s: %w", method, err)
	}
	return nil
}
