// Package store records acknowledged payment attempts so an invoice is
// never submitted twice.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/vitwit/brpay/types"
)

var (
	ErrNotFound  = errors.New("payment attempt not found")
	ErrDuplicate = errors.New("payment attempt already recorded")
)

// Journal persists payment attempts keyed by invoice id.
type Journal interface {
	// Get returns ErrNotFound when no attempt exists for invoiceID.
	Get(ctx context.Context, invoiceID string) (*types.PaymentAttempt, error)
	// Record stores attempt. It returns ErrDuplicate if the invoice already
	// has one; the stored attempt is left unchanged.
	Record(ctx context.Context, attempt *types.PaymentAttempt) error
}

type MemoryJournal struct {
	mu       sync.RWMutex
	attempts map[string]types.PaymentAttempt
}

var _ Journal = (*MemoryJournal)(nil)

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{attempts: make(map[string]types.PaymentAttempt)}
}

func (j *MemoryJournal) Get(_ context.Context, invoiceID string) (*types.PaymentAttempt, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	a, ok := j.attempts[invoiceID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (j *MemoryJournal) Record(_ context.Context, attempt *types.PaymentAttempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.attempts[attempt.ID]; ok {
		return ErrDuplicate
	}
	j.attempts[attempt.ID] = *attempt
	return nil
}
