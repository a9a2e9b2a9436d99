// Package status polls the backend for the outcome of a submitted payment.
package status

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vitwit/brpay/logger"
	"github.com/vitwit/brpay/metrics"
	"github.com/vitwit/brpay/types"
)

// DefaultInterval is the reference poll interval.
const DefaultInterval = 2 * time.Second

// ErrNoAttempt is returned when polling is requested without an attempt.
var ErrNoAttempt = errors.New("no payment attempt to poll")

// Backend reports the status of a payment.
type Backend interface {
	PaymentStatus(ctx context.Context, id string) (types.PaymentStatus, error)
}

// Poller polls one attempt per Poll call.
type Poller struct {
	backend  Backend
	interval time.Duration
	logger   logger.Logger
	metrics  metrics.Recorder
}

type Option func(*Poller)

func WithLogger(l logger.Logger) Option {
	return func(p *Poller) {
		p.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(p *Poller) {
		p.metrics = r
	}
}

func NewPoller(backend Backend, interval time.Duration, opts ...Option) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Poller{
		backend:  backend,
		interval: interval,
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll starts polling attemptID every interval. onUpdate receives each
// status that advances on the previous one, in order, from one goroutine
// at a time. Polling stops on its own after a terminal status.
//
// The returned cancel stops polling; once it returns, onUpdate is not
// called again. cancel must not be called from inside onUpdate.
func (p *Poller) Poll(attemptID string, onUpdate func(types.PaymentStatus)) (cancel func(), err error) {
	if attemptID == "" {
		return nil, ErrNoAttempt
	}

	ctx, stop := context.WithCancel(context.Background())
	run := &pollRun{
		id:       attemptID,
		poller:   p,
		onUpdate: onUpdate,
		last:     types.StatusUnknown,
		stop:     stop,
	}
	go run.loop(ctx)

	return run.cancel, nil
}

type pollRun struct {
	id       string
	poller   *Poller
	onUpdate func(types.PaymentStatus)
	stop     context.CancelFunc

	busy atomic.Bool

	mu      sync.Mutex
	stopped bool
	last    types.PaymentStatus
}

func (r *pollRun) loop(ctx context.Context) {
	ticker := time.NewTicker(r.poller.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.busy.CompareAndSwap(false, true) {
				r.poller.metrics.IncCounter(metrics.EventPollSkipped, map[string]string{"step": "polling"})
				continue
			}
			go func() {
				defer r.busy.Store(false)
				r.tick(ctx)
			}()
		}
	}
}

func (r *pollRun) tick(ctx context.Context) {
	p := r.poller
	p.metrics.IncCounter(metrics.EventPollTick, map[string]string{"step": "polling"})

	start := time.Now()
	st, err := p.backend.PaymentStatus(ctx, r.id)
	p.metrics.ObserveLatency("polling", time.Since(start), map[string]string{"step": "polling"})
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("payment status poll failed", map[string]any{
				"invoice_id": r.id,
				"error":      err,
			})
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if !r.last.Advances(st) {
		if st != r.last {
			p.logger.Debug("ignoring status regression", map[string]any{
				"invoice_id": r.id,
				"status":     st.String(),
				"last":       r.last.String(),
			})
		}
		return
	}

	r.last = st
	if st.IsTerminal() {
		r.stopped = true
		r.stop()
	}
	r.onUpdate(st)
}

func (r *pollRun) cancel() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.stop()
}
