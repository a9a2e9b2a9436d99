package config

import (
	"github.com/caarlos0/env/v10"

	"github.com/vitwit/brpay/types"
)

// DevBackend configures the in-memory demo backend.
type DevBackend struct {
	Addr         string `env:"ADDR" envDefault:":3000" validate:"required"`
	RelayAddress string `env:"RELAY_ADDRESS" validate:"required,eth_addr"`

	// DomainChainID is included in the verified domain when non-zero.
	DomainChainID  int64    `env:"DOMAIN_CHAIN_ID" envDefault:"0" validate:"gte=0"`
	DomainName     string   `env:"DOMAIN_NAME" envDefault:"MetaTxRelay" validate:"required"`
	DomainVersion  string   `env:"DOMAIN_VERSION" envDefault:"1" validate:"required"`
	TokenDecimals  uint8    `env:"TOKEN_DECIMALS" envDefault:"18"`
	TokenSymbol    string   `env:"TOKEN_SYMBOL" envDefault:"BRLT"`
	TokensPerFiat  string   `env:"TOKENS_PER_FIAT" envDefault:"1" validate:"required,number"`
	InvoiceAmounts []string `env:"INVOICE_AMOUNTS" envDefault:"1.00" envSeparator:"," validate:"min=1,dive,number"`
	StatusScript   []string `env:"STATUS_SCRIPT" envDefault:"0,1,2,6,7" envSeparator:"," validate:"min=1,dive,numeric"`

	Log Log
}

// DevBackendPrefix is prepended to every dev backend variable name.
const DevBackendPrefix = "BRPAY_DEV_"

func LoadDevBackend(files ...string) (*DevBackend, error) {
	if err := loadDotenv(files...); err != nil {
		return nil, err
	}

	cfg := &DevBackend{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: DevBackendPrefix}); err != nil {
		return nil, types.NewPayError(types.ErrInvalidConfig, "failed to parse dev backend config", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, types.NewPayError(types.ErrInvalidConfig, "invalid dev backend config", err)
	}
	for _, s := range cfg.StatusScript {
		if _, err := types.ParsePaymentStatus(s); err != nil {
			return nil, types.NewPayError(types.ErrInvalidConfig, "invalid status script", err)
		}
	}
	return cfg, nil
}
