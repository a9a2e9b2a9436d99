// Package orchestrator drives one invoice payment at a time through quote,
// allowance, signature, submission and status polling.
package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"

	"github.com/vitwit/brpay/allowance"
	"github.com/vitwit/brpay/authorization"
	"github.com/vitwit/brpay/logger"
	"github.com/vitwit/brpay/metrics"
	"github.com/vitwit/brpay/quote"
	"github.com/vitwit/brpay/submission"
	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils/eip712"
)

var (
	ErrClosed     = errors.New("orchestrator is closed")
	ErrNotHalted  = errors.New("no halted flow to retry")
	ErrNotAllowed = errors.New("halted flow cannot be retried")
)

// Allowances is satisfied by allowance.Manager.
type Allowances interface {
	CurrentAllowance(ctx context.Context, key allowance.Key) (*big.Int, error)
	EnsureAllowance(ctx context.Context, key allowance.Key, required *big.Int) (*big.Int, error)
}

// Nonces reads the relay nonce of an account.
type Nonces interface {
	RelayNonce(ctx context.Context, relay, owner common.Address) (*big.Int, error)
}

// Signer is satisfied by signer.Client.
type Signer interface {
	Address() common.Address
	ChainID(ctx context.Context) (*big.Int, error)
	Sign(ctx context.Context, typedData apitypes.TypedData) ([]byte, error)
}

// Submitter is satisfied by submission.Submitter.
type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (*types.PaymentAttempt, error)
	Lookup(ctx context.Context, invoiceID string) (*types.PaymentAttempt, error)
}

// Poller is satisfied by status.Poller.
type Poller interface {
	Poll(attemptID string, onUpdate func(types.PaymentStatus)) (cancel func(), err error)
}

type Config struct {
	Token  common.Address
	Relay  common.Address
	Target common.Address
	Domain eip712.Domain

	SupportedChains  []int64
	DebounceWindow   time.Duration
	AuthorizationTTL time.Duration
}

type Deps struct {
	Quoter     quote.Resolving
	Allowances Allowances
	Nonces     Nonces
	Signer     Signer
	Submitter  Submitter
	Poller     Poller
}

type Orchestrator struct {
	cfg  Config
	deps Deps

	logger  logger.Logger
	metrics metrics.Recorder
	now     func() time.Time

	debouncer *quote.Debouncer

	// signMu keeps a single signature request outstanding across flows.
	signMu sync.Mutex

	mu         sync.Mutex
	gen        uint64
	quoteToken uint64
	flowCancel context.CancelFunc
	pollCancel func()
	snap       Snapshot
	// signed is the authorization of the active flow once the wallet has
	// signed it; a retried submission reuses it.
	signed *signedAuthorization
	subs   map[chan Snapshot]struct{}
	closed bool
}

type Option func(*Orchestrator)

func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Quoter == nil || deps.Allowances == nil || deps.Nonces == nil ||
		deps.Signer == nil || deps.Submitter == nil || deps.Poller == nil {
		return nil, types.Errorf(types.ErrInvalidConfig, "orchestrator dependencies are incomplete")
	}
	if len(cfg.SupportedChains) == 0 {
		cfg.SupportedChains = types.DefaultSupportedChains
	}
	if cfg.AuthorizationTTL <= 0 {
		cfg.AuthorizationTTL = authorization.DefaultTTL
	}

	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		now:     time.Now,
		snap:    Snapshot{State: StateIdle, Status: types.StatusUnknown, Outcome: types.StatusUnknown},
		subs:    make(map[chan Snapshot]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.debouncer = quote.NewDebouncer(deps.Quoter, cfg.DebounceWindow, o.onQuote)
	return o, nil
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.clone()
}

// Subscribe returns a channel receiving every snapshot from now on, starting
// with the current one. A subscriber that falls behind loses its oldest
// undelivered snapshots.
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan Snapshot, 32)
	if o.closed {
		close(ch)
		return ch, func() {}
	}
	o.subs[ch] = struct{}{}
	ch <- o.snap.clone()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if _, ok := o.subs[ch]; ok {
				delete(o.subs, ch)
				close(ch)
			}
		})
	}
}

// Accept supersedes the current flow with code. An empty code returns the
// orchestrator to idle.
func (o *Orchestrator) Accept(code string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if code != "" && code == o.snap.Code && o.snap.State.active() {
		// same code rescanned while its flow is running
		o.mu.Unlock()
		return
	}
	stopPoll := o.supersedeLocked()
	o.signed = nil

	if code == "" {
		o.debouncer.Cancel()
		o.snap = Snapshot{State: StateIdle, Status: types.StatusUnknown, Outcome: types.StatusUnknown}
	} else {
		o.snap = Snapshot{
			FlowID:  uuid.NewString(),
			Code:    code,
			State:   StateQuoting,
			Status:  types.StatusUnknown,
			Outcome: types.StatusUnknown,
		}
		o.quoteToken = o.debouncer.Submit(code)
	}
	o.publishLocked()
	o.mu.Unlock()

	stopPoll()
}

// Reset abandons the current flow.
func (o *Orchestrator) Reset() {
	o.Accept("")
}

// Retry resumes a halted flow from the step that failed. Flows halted by
// an invalid quote or a backend rejection, or whose submission was
// acknowledged, cannot be retried.
func (o *Orchestrator) Retry() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if o.snap.State != StateHalted {
		return ErrNotHalted
	}
	if !o.snap.Retryable() {
		return ErrNotAllowed
	}

	// the halted flow holds no poller
	o.supersedeLocked()
	code, inv := o.snap.Code, o.snap.Invoice
	o.snap.Err, o.snap.ErrCode = nil, ""

	if inv == nil {
		o.snap.State = StateQuoting
		o.quoteToken = o.debouncer.Submit(code)
		o.publishLocked()
		return nil
	}

	signed := o.signed
	if signed != nil && (signed.invoiceID != inv.ID || !o.now().Before(signed.auth.ExpiresAt())) {
		o.signed, signed = nil, nil
	}
	if signed != nil {
		o.snap.State = StateSubmitting
		o.startSubmitLocked(inv, signed)
		return nil
	}
	o.snap.State = StateQuoting
	o.startFlowLocked(inv)
	return nil
}

// Close stops all activity. Subscriber channels are closed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	stopPoll := o.supersedeLocked()
	o.signed = nil
	o.closed = true
	o.debouncer.Close()
	for ch := range o.subs {
		close(ch)
	}
	o.subs = nil
	o.mu.Unlock()

	stopPoll()
}

// supersedeLocked invalidates the running flow. The returned func stops
// its poller and must be called without holding o.mu.
func (o *Orchestrator) supersedeLocked() func() {
	o.gen++
	if o.flowCancel != nil {
		o.flowCancel()
		o.flowCancel = nil
	}
	stop := o.pollCancel
	o.pollCancel = nil
	if stop == nil {
		return func() {}
	}
	return stop
}

func (o *Orchestrator) publishLocked() {
	snap := o.snap.clone()
	for ch := range o.subs {
		select {
		case ch <- snap:
		default:
			// drop the oldest to keep the newest
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (o *Orchestrator) onQuote(r quote.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || r.Token != o.quoteToken || !o.debouncer.IsCurrent(r.Token) {
		return
	}
	if o.snap.State != StateQuoting {
		return
	}

	switch {
	case r.Err != nil:
		o.haltLocked("quoting", r.Err)
		o.publishLocked()
	case r.Invoice == nil:
		o.snap = Snapshot{State: StateIdle, Status: types.StatusUnknown, Outcome: types.StatusUnknown}
		o.publishLocked()
	default:
		o.snap.Invoice = r.Invoice
		o.startFlowLocked(r.Invoice)
	}
}

func (o *Orchestrator) startFlowLocked(inv *types.Invoice) {
	ctx, cancel := context.WithCancel(context.Background())
	o.flowCancel = cancel
	gen := o.gen
	o.publishLocked()
	go o.run(ctx, gen, inv)
}

func (o *Orchestrator) startSubmitLocked(inv *types.Invoice, signed *signedAuthorization) {
	ctx, cancel := context.WithCancel(context.Background())
	o.flowCancel = cancel
	gen := o.gen
	o.publishLocked()
	go o.resubmit(ctx, gen, inv, signed)
}

// update applies fn if gen is still the active flow.
func (o *Orchestrator) update(gen uint64, fn func(s *Snapshot)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || gen != o.gen {
		return false
	}
	fn(&o.snap)
	o.publishLocked()
	return true
}

func (o *Orchestrator) halt(gen uint64, step string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || gen != o.gen {
		return
	}
	o.haltLocked(step, err)
	o.publishLocked()
}

func (o *Orchestrator) haltLocked(step string, err error) {
	code := types.CodeOf(err)
	o.snap.State = StateHalted
	o.snap.Err = err
	o.snap.ErrCode = code
	if o.flowCancel != nil {
		o.flowCancel()
		o.flowCancel = nil
	}
	o.logger.Warn("payment flow halted", map[string]any{
		"step":       step,
		"code":       string(code),
		"invoice_id": invoiceID(o.snap.Invoice),
		"error":      err,
	})
}

func (o *Orchestrator) step(name string, fn func() error) error {
	labels := map[string]string{"step": name}
	o.metrics.IncCounter(metrics.EventStepStarted, labels)
	start := time.Now()
	err := fn()
	o.metrics.ObserveLatency(name, time.Since(start), labels)
	if err != nil {
		o.metrics.IncCounter(metrics.EventStepFailed, labels)
	} else {
		o.metrics.IncCounter(metrics.EventStepSucceeded, labels)
	}
	return err
}

func invoiceID(inv *types.Invoice) string {
	if inv == nil {
		return ""
	}
	return inv.ID
}
