// Package devserver is an in-memory payment backend for local runs and
// tests. It prices invoices, verifies signed authorizations the way the
// relay does and walks each accepted payment through a scripted sequence
// of statuses.
package devserver

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shopspring/decimal"

	"github.com/vitwit/brpay/config"
	"github.com/vitwit/brpay/logger"
	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils/eip712"
)

type Config struct {
	// Domain is the signing domain the relay verifies against.
	Domain        eip712.Domain
	TokenDecimals uint8
	TokenSymbol   string
	// TokensPerFiat converts one unit of fiat into whole tokens.
	TokensPerFiat decimal.Decimal
	// InvoiceAmounts are handed out in turn by /generate-brcode.
	InvoiceAmounts []decimal.Decimal
	// StatusScript is reported by /payment-status, one entry per poll,
	// repeating the last entry once exhausted.
	StatusScript []types.PaymentStatus
}

// ConfigFrom converts the environment configuration.
func ConfigFrom(cfg *config.DevBackend) (Config, error) {
	out := Config{
		Domain: eip712.Domain{
			Name:              cfg.DomainName,
			Version:           cfg.DomainVersion,
			VerifyingContract: common.HexToAddress(cfg.RelayAddress),
		},
		TokenDecimals: cfg.TokenDecimals,
		TokenSymbol:   cfg.TokenSymbol,
	}
	if cfg.DomainChainID > 0 {
		out.Domain.ChainID = big.NewInt(cfg.DomainChainID)
	}

	rate, err := decimal.NewFromString(cfg.TokensPerFiat)
	if err != nil {
		return Config{}, fmt.Errorf("invalid tokens per fiat %q: %w", cfg.TokensPerFiat, err)
	}
	out.TokensPerFiat = rate

	for _, a := range cfg.InvoiceAmounts {
		d, err := decimal.NewFromString(a)
		if err != nil {
			return Config{}, fmt.Errorf("invalid invoice amount %q: %w", a, err)
		}
		out.InvoiceAmounts = append(out.InvoiceAmounts, d)
	}
	for _, s := range cfg.StatusScript {
		st, err := types.ParsePaymentStatus(s)
		if err != nil {
			return Config{}, err
		}
		out.StatusScript = append(out.StatusScript, st)
	}
	return out, nil
}

type Server struct {
	echo   *echo.Echo
	cfg    Config
	logger logger.Logger
	now    func() time.Time

	mu        sync.Mutex
	seq       int
	byCode    map[string]*invoiceEntry
	byID      map[string]*invoiceEntry
	lastNonce map[common.Address]*big.Int
}

type invoiceEntry struct {
	invoice types.Invoice

	// set once a payment request is accepted
	idempotencyKey string
	polls          int
}

func (e *invoiceEntry) paid() bool {
	return e.idempotencyKey != ""
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

func NewServer(cfg Config, opts ...Option) *Server {
	if len(cfg.InvoiceAmounts) == 0 {
		cfg.InvoiceAmounts = []decimal.Decimal{decimal.NewFromInt(1)}
	}
	if len(cfg.StatusScript) == 0 {
		cfg.StatusScript = []types.PaymentStatus{types.StatusSuccess}
	}
	if cfg.TokensPerFiat.IsZero() {
		cfg.TokensPerFiat = decimal.NewFromInt(1)
	}

	s := &Server{
		echo:      echo.New(),
		cfg:       cfg,
		logger:    logger.NoopLogger{},
		now:       time.Now,
		byCode:    make(map[string]*invoiceEntry),
		byID:      make(map[string]*invoiceEntry),
		lastNonce: make(map[common.Address]*big.Int),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request", map[string]any{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			})
			return nil
		},
	}))
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORS())

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	s.echo.POST("/generate-brcode", s.generateBrcode)
	s.echo.GET("/amount-required", s.amountRequired)
	s.echo.POST("/request-payment", s.requestPayment)
	s.echo.GET("/payment-status", s.paymentStatus)
}

// ServeHTTP makes the server usable with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// AddInvoice registers an invoice for code priced at fiat and returns it.
func (s *Server) AddInvoice(code string, fiat decimal.Decimal) types.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addInvoiceLocked(code, fiat)
}

func (s *Server) addInvoiceLocked(code string, fiat decimal.Decimal) types.Invoice {
	tokens := fiat.Mul(s.cfg.TokensPerFiat).Shift(int32(s.cfg.TokenDecimals)).Truncate(0)
	entry := &invoiceEntry{invoice: types.Invoice{
		ID:                  uuid.NewString(),
		Status:              "open",
		Name:                "Dev Merchant",
		Description:         "invoice " + code,
		Amount:              fiat,
		TokenAmountRequired: tokens.BigInt().String(),
		TokenSymbol:         s.cfg.TokenSymbol,
	}}
	s.byCode[code] = entry
	s.byID[entry.invoice.ID] = entry
	return entry.invoice
}

func fail(c echo.Context, status int, format string, args ...any) error {
	return c.JSON(status, types.ErrorResponse{Error: &types.BackendError{Message: fmt.Sprintf(format, args...)}})
}

func (s *Server) generateBrcode(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	amount := s.cfg.InvoiceAmounts[s.seq%len(s.cfg.InvoiceAmounts)]
	s.seq++
	code := "00020101021226" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	s.addInvoiceLocked(code, amount)

	var resp types.GenerateBrcodeResponse
	resp.Invoice.Brcode = code
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) amountRequired(c echo.Context) error {
	code := c.QueryParam("brcode")
	if code == "" {
		return fail(c, http.StatusBadRequest, "brcode is required")
	}
	if token := c.QueryParam("tokenAddress"); !common.IsHexAddress(token) {
		return fail(c, http.StatusBadRequest, "invalid tokenAddress %q", token)
	}

	s.mu.Lock()
	entry, ok := s.byCode[code]
	var inv types.Invoice
	if ok {
		inv = entry.invoice
	}
	s.mu.Unlock()

	if !ok {
		return fail(c, http.StatusNotFound, "unknown brcode")
	}
	return c.JSON(http.StatusOK, inv)
}

func (s *Server) paymentStatus(c echo.Context) error {
	id := c.QueryParam("id")

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byID[id]
	if !ok {
		return fail(c, http.StatusNotFound, "unknown payment %q", id)
	}
	if !entry.paid() {
		return fail(c, http.StatusNotFound, "no payment requested for %q", id)
	}

	i := entry.polls
	if i >= len(s.cfg.StatusScript) {
		i = len(s.cfg.StatusScript) - 1
	}
	entry.polls++
	return c.JSON(http.StatusOK, types.StatusResponse{Status: fmt.Sprint(int(s.cfg.StatusScript[i]))})
}
