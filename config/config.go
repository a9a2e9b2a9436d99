// Package config loads brpay settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils/eip712"
)

// Prefix is prepended to every variable name.
const Prefix = "BRPAY_"

type Config struct {
	BackendURL   string `env:"BACKEND_URL" validate:"required,url"`
	RPCURL       string `env:"RPC_URL" validate:"required,url"`
	TokenAddress string `env:"TOKEN_ADDRESS" validate:"required,eth_addr"`
	RelayAddress string `env:"RELAY_ADDRESS" validate:"required,eth_addr"`
	TargetWallet string `env:"TARGET_WALLET" validate:"required,eth_addr"`

	// Exactly one wallet source is used; a local key wins.
	PrivateKey   string `env:"PRIVATE_KEY,unset" validate:"required_without=WalletRPCURL"`
	WalletRPCURL string `env:"WALLET_RPC_URL" validate:"omitempty,url"`

	SupportedChainIDs []int64 `env:"SUPPORTED_CHAIN_IDS" envDefault:"69,80001" envSeparator:"," validate:"min=1,dive,gt=0"`

	Domain Domain `envPrefix:"DOMAIN_"`

	AuthorizationTTL         time.Duration `env:"AUTHORIZATION_TTL" envDefault:"24h" validate:"gt=0"`
	DebounceWindow           time.Duration `env:"DEBOUNCE_WINDOW" envDefault:"400ms" validate:"gt=0"`
	PollInterval             time.Duration `env:"POLL_INTERVAL" envDefault:"2s" validate:"gt=0"`
	HTTPTimeout              time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	ConfirmationPollInterval time.Duration `env:"CONFIRMATION_POLL_INTERVAL" envDefault:"1s" validate:"gt=0"`

	// JournalDSN is a sqlite path. Empty keeps the journal in memory.
	JournalDSN  string `env:"JOURNAL_DSN"`
	MetricsAddr string `env:"METRICS_ADDR"`

	Log Log
}

type Domain struct {
	Name           string `env:"NAME" envDefault:"MetaTxRelay" validate:"required"`
	Version        string `env:"VERSION" envDefault:"1" validate:"required"`
	IncludeChainID bool   `env:"INCLUDE_CHAIN_ID" envDefault:"false"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	Format string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json console"`
}

var validate = validator.New()

// Load reads the given dotenv files (or an optional ./.env) and parses
// BRPAY_ variables.
func Load(files ...string) (*Config, error) {
	if err := loadDotenv(files...); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, types.NewPayError(types.ErrInvalidConfig, "failed to parse config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotenv(files ...string) error {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return types.NewPayError(types.ErrInvalidConfig, "failed to load env file", err)
		}
		return nil
	}
	// ./.env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return types.NewPayError(types.ErrInvalidConfig, "failed to load .env", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return types.NewPayError(types.ErrInvalidConfig, "invalid config", err)
	}
	return nil
}

// ValidateWithoutWallet validates everything but the wallet source, for
// callers that bring their own wallet.
func (c *Config) ValidateWithoutWallet() error {
	if err := validate.StructExcept(c, "PrivateKey", "WalletRPCURL"); err != nil {
		return types.NewPayError(types.ErrInvalidConfig, "invalid config", err)
	}
	return nil
}

func (c *Config) Token() common.Address  { return common.HexToAddress(c.TokenAddress) }
func (c *Config) Relay() common.Address  { return common.HexToAddress(c.RelayAddress) }
func (c *Config) Target() common.Address { return common.HexToAddress(c.TargetWallet) }

// SigningDomain returns the relay domain for chainID. The chain id is only
// part of the domain when Domain.IncludeChainID is set.
func (c *Config) SigningDomain(chainID *big.Int) (eip712.Domain, error) {
	d := eip712.Domain{
		Name:              c.Domain.Name,
		Version:           c.Domain.Version,
		VerifyingContract: c.Relay(),
	}
	if c.Domain.IncludeChainID {
		if chainID == nil {
			return eip712.Domain{}, fmt.Errorf("chain id required for domain")
		}
		d.ChainID = new(big.Int).Set(chainID)
	}
	return d, nil
}
