// Package brpay pays fiat invoices with ERC20 tokens through a gasless
// meta-transaction relay. A Client resolves an invoice code, tops up the
// relay allowance, has the wallet sign an ERC20MetaTransaction, submits it
// to the payment backend and follows the payment until it settles.
package brpay

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/brpay/allowance"
	"github.com/vitwit/brpay/clients"
	"github.com/vitwit/brpay/config"
	"github.com/vitwit/brpay/logger"
	"github.com/vitwit/brpay/metrics"
	"github.com/vitwit/brpay/orchestrator"
	"github.com/vitwit/brpay/quote"
	"github.com/vitwit/brpay/signer"
	"github.com/vitwit/brpay/status"
	"github.com/vitwit/brpay/store"
	"github.com/vitwit/brpay/submission"
	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils/eip712"
)

const Version = "1.0.0"

// Client is the payment entry point. It drives one invoice at a time.
type Client struct {
	cfg *config.Config

	logger     logger.Logger
	metrics    metrics.Recorder
	now        func() time.Time
	httpClient *http.Client
	ethClient  clients.EthClientInterface
	wallet     signer.Wallet
	journal    store.Journal

	evm     *clients.EVMClient
	backend *clients.BackendClient
	signer  *signer.Client
	domain  eip712.Domain
	orch    *orchestrator.Orchestrator

	closers []func()
}

// New connects to the chain and the wallet described by cfg and wires the
// payment pipeline. The wallet's current chain decides the signing domain
// when the domain includes a chain id.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, types.Errorf(types.ErrInvalidConfig, "config is required")
	}
	c := &Client{
		cfg:     cfg,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	validate := cfg.Validate
	if c.wallet != nil {
		validate = cfg.ValidateWithoutWallet
	}
	if err := validate(); err != nil {
		return nil, err
	}

	if err := c.connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	cfg := c.cfg

	if c.ethClient == nil {
		ec, err := clients.NewEthClient(cfg.RPCURL)
		if err != nil {
			return types.NewPayError(types.ErrTransportFailure, "failed to connect to RPC", err)
		}
		c.ethClient = ec
		c.closers = append(c.closers, ec.Close)
	}
	c.evm = clients.NewEVMClientFrom(c.ethClient, cfg.ConfirmationPollInterval)

	if c.wallet == nil {
		w, err := c.openWallet(ctx)
		if err != nil {
			return err
		}
		c.wallet = w
	}
	c.signer = signer.NewClient(c.wallet, signer.WithLogger(c.logger))

	chainID, err := c.signer.ChainID(ctx)
	if err != nil {
		return err
	}
	c.domain, err = cfg.SigningDomain(chainID)
	if err != nil {
		return types.NewPayError(types.ErrInvalidConfig, "invalid signing domain", err)
	}

	c.backend = clients.NewBackendClient(cfg.BackendURL, c.httpClient)
	c.backend.Logger = c.logger
	if cfg.HTTPTimeout > 0 {
		c.backend.Timeout = cfg.HTTPTimeout
	}

	if c.journal == nil {
		if cfg.JournalDSN == "" {
			c.journal = store.NewMemoryJournal()
		} else {
			j, err := store.OpenSQLite(cfg.JournalDSN)
			if err != nil {
				return types.NewPayError(types.ErrInvalidConfig, "failed to open payment journal", err)
			}
			c.journal = j
			c.closers = append(c.closers, func() { _ = j.Close() })
		}
	}

	c.orch, err = orchestrator.New(orchestrator.Config{
		Token:            cfg.Token(),
		Relay:            cfg.Relay(),
		Target:           cfg.Target(),
		Domain:           c.domain,
		SupportedChains:  cfg.SupportedChainIDs,
		DebounceWindow:   cfg.DebounceWindow,
		AuthorizationTTL: cfg.AuthorizationTTL,
	}, orchestrator.Deps{
		Quoter:     quote.NewResolver(c.backend, cfg.Token(), quote.WithLogger(c.logger)),
		Allowances: allowance.NewManager(c.evm, c.signer, allowance.WithLogger(c.logger)),
		Nonces:     c.evm,
		Signer:     c.signer,
		Submitter: submission.NewSubmitter(c.backend, c.domain,
			submission.WithLogger(c.logger),
			submission.WithJournal(c.journal),
			submission.WithClock(c.now),
		),
		Poller: status.NewPoller(c.backend, cfg.PollInterval,
			status.WithLogger(c.logger),
			status.WithMetrics(c.metrics),
		),
	},
		orchestrator.WithLogger(c.logger),
		orchestrator.WithMetrics(c.metrics),
		orchestrator.WithClock(c.now),
	)
	if err != nil {
		return err
	}

	c.logger.Info("brpay client ready", map[string]any{
		"account":  c.signer.Address().Hex(),
		"chain_id": chainID.String(),
		"relay":    cfg.RelayAddress,
		"token":    cfg.TokenAddress,
	})
	return nil
}

// openWallet prefers the local key over the wallet RPC endpoint.
func (c *Client) openWallet(ctx context.Context) (signer.Wallet, error) {
	if c.cfg.PrivateKey != "" {
		w, err := signer.NewLocalWalletFromHex(c.cfg.PrivateKey, c.ethClient)
		if err != nil {
			return nil, types.NewPayError(types.ErrInvalidConfig, "invalid private key", err)
		}
		return w, nil
	}
	if c.cfg.WalletRPCURL == "" {
		return nil, types.Errorf(types.ErrInvalidConfig, "no wallet configured")
	}
	w, err := signer.DialRPCWallet(ctx, c.cfg.WalletRPCURL)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, w.Close)
	return w, nil
}

// Accept starts paying code, superseding any flow in progress. Codes
// arriving in quick succession are coalesced; an empty code resets.
func (c *Client) Accept(code string) {
	c.orch.Accept(code)
}

// Retry resumes a halted flow from the step that failed.
func (c *Client) Retry() error {
	return c.orch.Retry()
}

func (c *Client) Reset() {
	c.orch.Reset()
}

func (c *Client) Snapshot() orchestrator.Snapshot {
	return c.orch.Snapshot()
}

// Subscribe streams snapshots until the returned func is called or the
// client is closed.
func (c *Client) Subscribe() (<-chan orchestrator.Snapshot, func()) {
	return c.orch.Subscribe()
}

// Wait blocks until the active flow is terminal or halted, or ctx is done.
func (c *Client) Wait(ctx context.Context) (orchestrator.Snapshot, error) {
	ch, unsubscribe := c.orch.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return c.orch.Snapshot(), ctx.Err()
		case snap, ok := <-ch:
			if !ok {
				return c.orch.Snapshot(), orchestrator.ErrClosed
			}
			if snap.State == orchestrator.StateTerminal || snap.State == orchestrator.StateHalted {
				return snap, nil
			}
		}
	}
}

// Account is the paying address.
func (c *Client) Account() common.Address {
	return c.signer.Address()
}

// Domain is the EIP-712 domain authorizations are signed under.
func (c *Client) Domain() eip712.Domain {
	return c.domain
}

// WalletSummary reports the account's token balance.
func (c *Client) WalletSummary(ctx context.Context) (*types.WalletSummary, error) {
	return c.evm.WalletSummary(ctx, c.cfg.Token(), c.signer.Address())
}

// FormatAmount renders the invoice's token amount for display.
func (c *Client) FormatAmount(ctx context.Context, inv *types.Invoice) (string, error) {
	summary, err := c.WalletSummary(ctx)
	if err != nil {
		return "", err
	}
	return quote.FormatTokenAmount(inv, summary.Decimals)
}

// GenerateBrcode asks the backend for a demo invoice code.
func (c *Client) GenerateBrcode(ctx context.Context) (string, error) {
	return c.backend.GenerateBrcode(ctx)
}

// Close stops the active flow and releases connections.
func (c *Client) Close() {
	if c.orch != nil {
		c.orch.Close()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
