package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/brpay/logger"
	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils"
)

// IdempotencyKeyHeader carries the per-attempt key on /request-payment.
const IdempotencyKeyHeader = "Idempotency-Key"

// DefaultTimeout applies to requests whose context has no deadline.
const DefaultTimeout = 30 * time.Second

var jsonUnmarshal = json.Unmarshal

// BackendClient talks to the payment backend.
type BackendClient struct {
	// BaseURL is the backend root, e.g. "http://localhost:3000".
	BaseURL string

	// Client is the HTTP client to use for requests. If nil, http.DefaultClient is used.
	Client *http.Client

	// Timeout bounds each request when the caller's context has no deadline.
	Timeout time.Duration

	// Logger receives warnings about acknowledged responses that could not be read.
	Logger logger.Logger
}

// NewBackendClient returns a BackendClient for baseURL.
func NewBackendClient(baseURL string, httpClient *http.Client) *BackendClient {
	return &BackendClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  httpClient,
		Timeout: DefaultTimeout,
		Logger:  logger.NoopLogger{},
	}
}

func (c *BackendClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *BackendClient) log() logger.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.NoopLogger{}
}

func (c *BackendClient) do(ctx context.Context, method, path string, query url.Values, body any, header http.Header) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		cancel()
		return nil, transportError(method+" "+path, err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the request context together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// AmountRequired resolves code into an invoice priced in token.
func (c *BackendClient) AmountRequired(ctx context.Context, code string, token common.Address) (*types.Invoice, error) {
	q := url.Values{}
	q.Set("brcode", code)
	q.Set("tokenAddress", token.Hex())

	resp, err := c.do(ctx, http.MethodGet, "/amount-required", q, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseErrorResponse(resp, types.ErrQuoteInvalid)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError("read invoice", err)
	}
	inv, err := utils.ParseInvoice(data)
	if err != nil {
		return nil, err
	}
	inv.Code = code
	return inv, nil
}

// RequestPayment submits a signed authorization. A nil error means the
// backend acknowledged receipt.
func (c *BackendClient) RequestPayment(ctx context.Context, body types.RequestPaymentBody, idempotencyKey string) error {
	header := http.Header{}
	if idempotencyKey != "" {
		header.Set(IdempotencyKeyHeader, idempotencyKey)
	}

	resp, err := c.do(ctx, http.MethodPost, "/request-payment", nil, body, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseErrorResponse(resp, types.ErrBackendRejected)
	}

	// some backends answer 200 with an error object
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		// the status line already acknowledged the request
		c.log().Warn("failed to read payment acknowledgement body", map[string]any{
			"status": resp.StatusCode,
			"error":  err,
		})
	}
	if be := decodeBackendError(data); be != nil {
		return types.Errorf(types.ErrBackendRejected, "backend rejected payment: %s", be.Message)
	}
	return nil
}

// PaymentStatus returns the current status of the payment for invoice id.
func (c *BackendClient) PaymentStatus(ctx context.Context, id string) (types.PaymentStatus, error) {
	q := url.Values{}
	q.Set("id", id)

	resp, err := c.do(ctx, http.MethodGet, "/payment-status", q, nil, nil)
	if err != nil {
		return types.StatusUnknown, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.StatusUnknown, parseErrorResponse(resp, types.ErrTransportFailure)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.StatusUnknown, transportError("read status", err)
	}
	st, err := utils.ParseStatus(data)
	if err != nil {
		return types.StatusUnknown, types.NewPayError(types.ErrTransportFailure, "unreadable status", err)
	}
	return st, nil
}

// GenerateBrcode asks the backend for a demo invoice code.
func (c *BackendClient) GenerateBrcode(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/generate-brcode", nil, nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", parseErrorResponse(resp, types.ErrBackendRejected)
	}

	var out types.GenerateBrcodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewPayError(types.ErrTransportFailure, "failed to decode brcode", err)
	}
	if out.Invoice.Brcode == "" {
		return "", types.Errorf(types.ErrBackendRejected, "backend returned an empty brcode")
	}
	return out.Invoice.Brcode, nil
}
