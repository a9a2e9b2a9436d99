package brpay

import (
	"net/http"
	"time"

	"github.com/vitwit/brpay/clients"
	"github.com/vitwit/brpay/logger"
	"github.com/vitwit/brpay/metrics"
	"github.com/vitwit/brpay/signer"
	"github.com/vitwit/brpay/store"
)

type Option func(*Client)

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Client) {
		c.metrics = r
	}
}

// WithJournal replaces the journal selected by the config.
func WithJournal(j store.Journal) Option {
	return func(c *Client) {
		c.journal = j
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
	}
}

// WithEthClient uses an existing chain connection instead of dialing
// RPCURL. The client is not closed by Client.Close.
func WithEthClient(ec clients.EthClientInterface) Option {
	return func(c *Client) {
		c.ethClient = ec
	}
}

// WithWallet uses w instead of the wallet described by the config.
func WithWallet(w signer.Wallet) Option {
	return func(c *Client) {
		c.wallet = w
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}
