// Package submission sends signed authorizations to the backend, at most
// once per invoice.
package submission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/vitwit/brpay/authorization"
	"github.com/vitwit/brpay/logger"
	"github.com/vitwit/brpay/store"
	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils/eip712"
)

// Backend accepts payment requests. A nil error is an acknowledgment.
type Backend interface {
	RequestPayment(ctx context.Context, body types.RequestPaymentBody, idempotencyKey string) error
}

// Request is one signed authorization for an invoice.
type Request struct {
	Code          string
	Invoice       *types.Invoice
	Authorization *types.TransferAuthorization
	Signature     []byte
}

// Submitter guards the submit step: a request is only sent when the
// invoice has no acknowledged attempt and no submission in flight.
type Submitter struct {
	backend Backend
	journal store.Journal
	domain  eip712.Domain
	logger  logger.Logger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

type Option func(*Submitter)

func WithLogger(l logger.Logger) Option {
	return func(s *Submitter) {
		s.logger = l
	}
}

func WithJournal(j store.Journal) Option {
	return func(s *Submitter) {
		s.journal = j
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Submitter) {
		s.now = now
	}
}

func NewSubmitter(backend Backend, domain eip712.Domain, opts ...Option) *Submitter {
	s := &Submitter{
		backend:  backend,
		journal:  store.NewMemoryJournal(),
		domain:   domain,
		logger:   logger.NoopLogger{},
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Domain is the signing domain authorizations are checked against.
func (s *Submitter) Domain() eip712.Domain {
	return s.domain
}

// Lookup returns the acknowledged attempt for invoiceID, or nil.
func (s *Submitter) Lookup(ctx context.Context, invoiceID string) (*types.PaymentAttempt, error) {
	a, err := s.journal.Get(ctx, invoiceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

// IdempotencyKey is stable for one authorization of one invoice, so a
// resend after a transport failure is recognisable by the backend.
func IdempotencyKey(invoiceID string, auth *types.TransferAuthorization) string {
	name := invoiceID + ":" + auth.From.Hex() + ":" + auth.Nonce.String()
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Submit sends req and returns the acknowledged attempt. Errors from the
// backend keep their classification: BACKEND_REJECTED is final,
// TRANSPORT_FAILURE means the backend never acknowledged.
func (s *Submitter) Submit(ctx context.Context, req Request) (*types.PaymentAttempt, error) {
	if req.Invoice == nil || req.Authorization == nil {
		return nil, errors.New("invoice and authorization are required")
	}
	inv, auth := req.Invoice, req.Authorization

	required, err := inv.RequiredAmount()
	if err != nil {
		return nil, types.NewPayError(types.ErrQuoteInvalid, "invalid invoice amount", err)
	}
	if auth.Amount.Cmp(required) != 0 {
		return nil, types.Errorf(types.ErrQuoteInvalid,
			"authorization amount %s does not match invoice amount %s", auth.Amount, required)
	}

	digest, err := authorization.Digest(auth, s.domain)
	if err != nil {
		return nil, types.NewPayError(types.ErrSignatureMismatch, "cannot hash authorization", err)
	}
	signer, err := eip712.RecoverSigner(digest, req.Signature)
	if err != nil {
		return nil, types.NewPayError(types.ErrSignatureMismatch, "invalid signature", err)
	}
	if signer != auth.From {
		return nil, types.Errorf(types.ErrSignatureMismatch,
			"signature recovers to %s, expected %s", signer.Hex(), auth.From.Hex())
	}

	if err := s.begin(ctx, inv.ID); err != nil {
		return nil, err
	}
	defer s.end(inv.ID)

	key := IdempotencyKey(inv.ID, auth)
	body := types.RequestPaymentBody{
		Web3: types.Web3Payload{
			Signature:   hexutil.Encode(req.Signature),
			TypedData:   authorization.Payload(auth, s.domain),
			ClaimedAddr: auth.From.Hex(),
		},
		Brcode: req.Code,
	}

	if err := s.backend.RequestPayment(ctx, body, key); err != nil {
		if types.CodeOf(err) == "" {
			err = types.NewPayError(types.ErrTransportFailure, "payment request failed", err)
		}
		s.logger.Warn("payment request not acknowledged", map[string]any{
			"invoice_id": inv.ID,
			"code":       string(types.CodeOf(err)),
			"error":      err,
		})
		return nil, err
	}

	attempt := &types.PaymentAttempt{
		ID:             inv.ID,
		InvoiceCode:    req.Code,
		Authorization:  *auth,
		Signature:      append(hexutil.Bytes(nil), req.Signature...),
		IdempotencyKey: key,
		SubmittedAt:    s.now(),
	}
	// the backend has the request; a journal failure must not turn into a resend
	if err := s.journal.Record(context.WithoutCancel(ctx), attempt); err != nil {
		s.logger.Error("failed to record payment attempt", map[string]any{
			"invoice_id": inv.ID,
			"error":      err,
		})
	}

	s.logger.Info("payment request acknowledged", map[string]any{
		"invoice_id": inv.ID,
		"nonce":      auth.Nonce.String(),
	})
	return attempt, nil
}

func (s *Submitter) begin(ctx context.Context, invoiceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inflight[invoiceID]; busy {
		return types.Errorf(types.ErrAlreadySubmitted, "invoice %s is being submitted", invoiceID)
	}
	existing, err := s.journal.Get(ctx, invoiceID)
	switch {
	case err == nil && existing != nil:
		return types.Errorf(types.ErrAlreadySubmitted, "invoice %s was already submitted", invoiceID)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return types.NewPayError(types.ErrTransportFailure, "failed to read payment journal", err)
	}
	s.inflight[invoiceID] = struct{}{}
	return nil
}

func (s *Submitter) end(invoiceID string) {
	s.mu.Lock()
	delete(s.inflight, invoiceID)
	s.mu.Unlock()
}
