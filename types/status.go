package types

import (
	"fmt"
	"strconv"
)

// PaymentStatus is the backend payment request status. Values match the
// backend ordinals, which are transported as decimal strings.
type PaymentStatus int

const (
	StatusCreated    PaymentStatus = iota // awaits token tx submission
	StatusSubmitted                       // token transfer tx submitted
	StatusConfirmed                       // confirmed, being processed
	StatusRejected                        // failed, no refund warranted
	StatusFailed                          // failed, pending a refund
	StatusRefunded                        // failed, client refunded
	StatusProcessing                      // waiting fiat payment
	StatusSuccess                         // processed
)

// StatusUnknown is reported before any poll has returned.
const StatusUnknown PaymentStatus = -1

var statusNames = map[PaymentStatus]string{
	StatusCreated:    "created",
	StatusSubmitted:  "submitted",
	StatusConfirmed:  "confirmed",
	StatusRejected:   "rejected",
	StatusFailed:     "failed",
	StatusRefunded:   "refunded",
	StatusProcessing: "processing",
	StatusSuccess:    "success",
}

var statusLabels = map[PaymentStatus]string{
	StatusCreated:    "Request received and awaits token tx submission.",
	StatusSubmitted:  "Token transfer tx submitted, awaiting confirmation.",
	StatusConfirmed:  "Request confirmed and is being processed.",
	StatusRejected:   "Payment rejected without refund.",
	StatusFailed:     "Payment failed and is pending a refund.",
	StatusRefunded:   "Payment failed and the client was refunded.",
	StatusProcessing: "Waiting fiat payment.",
	StatusSuccess:    "Request processed.",
}

// ParsePaymentStatus parses the ordinal string reported by the backend.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return StatusUnknown, fmt.Errorf("invalid payment status %q: %w", s, err)
	}
	st := PaymentStatus(n)
	if _, ok := statusNames[st]; !ok {
		return StatusUnknown, fmt.Errorf("invalid payment status %q", s)
	}
	return st, nil
}

// Rank orders statuses along the lifecycle:
// created < submitted < confirmed < processing < terminal.
// Unknown statuses rank below created.
func (s PaymentStatus) Rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusSubmitted:
		return 1
	case StatusConfirmed:
		return 2
	case StatusProcessing:
		return 3
	case StatusRejected, StatusFailed, StatusRefunded, StatusSuccess:
		return 4
	default:
		return -1
	}
}

// IsTerminal reports whether no further transition is expected.
func (s PaymentStatus) IsTerminal() bool {
	return s.Rank() == 4
}

// IsFailure reports whether s is a terminal failure classification.
func (s PaymentStatus) IsFailure() bool {
	return s == StatusRejected || s == StatusFailed || s == StatusRefunded
}

// Advances reports whether moving from s to next is a forward transition.
// Terminal statuses are absorbing.
func (s PaymentStatus) Advances(next PaymentStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next.Rank() > s.Rank()
}

func (s PaymentStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Label is the human readable description of s.
func (s PaymentStatus) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return "Payment status unknown."
}
