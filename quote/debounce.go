package quote

import (
	"context"
	"sync"
	"time"

	"github.com/vitwit/brpay/types"
)

// DefaultWindow is the quiet period before a code is resolved.
const DefaultWindow = 400 * time.Millisecond

// Resolving is satisfied by Resolver.
type Resolving interface {
	Resolve(ctx context.Context, code string) (*types.Invoice, error)
}

// Result is delivered once per resolution that was still current when it
// finished. Token identifies the Submit call that produced it.
type Result struct {
	Token   uint64
	Code    string
	Invoice *types.Invoice
	Err     error
}

// Debouncer coalesces codes submitted in quick succession and resolves only
// the latest one. A newer Submit cancels any resolution still in flight.
type Debouncer struct {
	resolver Resolving
	window   time.Duration
	onResult func(Result)

	mu       sync.Mutex
	token    uint64
	timer    *time.Timer
	inflight context.CancelFunc
	closed   bool
}

func NewDebouncer(resolver Resolving, window time.Duration, onResult func(Result)) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Debouncer{resolver: resolver, window: window, onResult: onResult}
}

// Submit schedules code for resolution after the window and returns its
// token.
func (d *Debouncer) Submit(code string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
	if d.closed {
		return d.token
	}
	d.token++
	token := d.token
	d.timer = time.AfterFunc(d.window, func() { d.fire(token, code) })
	return token
}

// IsCurrent reports whether token belongs to the latest Submit.
func (d *Debouncer) IsCurrent(token uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed && token == d.token
}

// Cancel drops any pending or in-flight resolution.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.token++
}

func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.closed = true
}

func (d *Debouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.inflight != nil {
		d.inflight()
		d.inflight = nil
	}
}

func (d *Debouncer) fire(token uint64, code string) {
	d.mu.Lock()
	if d.closed || token != d.token {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.inflight = cancel
	d.timer = nil
	d.mu.Unlock()

	inv, err := d.resolver.Resolve(ctx, code)
	cancel()

	d.mu.Lock()
	current := !d.closed && token == d.token
	if current {
		d.inflight = nil
	}
	d.mu.Unlock()

	if current && d.onResult != nil {
		d.onResult(Result{Token: token, Code: code, Invoice: inv, Err: err})
	}
}
