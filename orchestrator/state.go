package orchestrator

import (
	"math/big"

	"github.com/vitwit/brpay/types"
)

// State is the lifecycle position of the active flow.
type State string

const (
	StateIdle              State = "idle"
	StateQuoting           State = "quoting"
	StateAwaitingAllowance State = "awaiting_allowance"
	StateAuthorizing       State = "authorizing"
	StateSubmitting        State = "submitting"
	StatePending           State = "pending"
	StateTerminal          State = "terminal"
	// StateHalted: an error stopped the flow; see Snapshot.Err.
	StateHalted State = "halted"
)

// active reports whether a flow is running in s.
func (s State) active() bool {
	switch s {
	case StateIdle, StateHalted, StateTerminal:
		return false
	}
	return true
}

// signedAuthorization is the one authorization signed for an invoice.
type signedAuthorization struct {
	invoiceID string
	auth      *types.TransferAuthorization
	sig       []byte
}

// Snapshot is an immutable view of the active flow, emitted on every
// change. Presentation layers render snapshots and nothing else.
type Snapshot struct {
	// FlowID changes whenever a new code supersedes the previous flow.
	FlowID string
	Code   string
	State  State

	Invoice   *types.Invoice
	Allowance *big.Int
	Attempt   *types.PaymentAttempt

	// Status is the last backend status seen while pending.
	Status types.PaymentStatus
	// Outcome is the terminal status once State is StateTerminal.
	Outcome types.PaymentStatus

	Err     error
	ErrCode types.ErrorCode
}

// Done reports whether the flow reached a terminal outcome.
func (s Snapshot) Done() bool {
	return s.State == StateTerminal
}

// Succeeded reports whether the payment completed.
func (s Snapshot) Succeeded() bool {
	return s.State == StateTerminal && s.Outcome == types.StatusSuccess
}

// Retryable reports whether Retry may resume a halted flow.
func (s Snapshot) Retryable() bool {
	if s.State != StateHalted || s.Attempt != nil {
		return false
	}
	switch s.ErrCode {
	case types.ErrQuoteInvalid, types.ErrBackendRejected, types.ErrAlreadySubmitted:
		return false
	}
	return true
}

func (s Snapshot) clone() Snapshot {
	c := s
	if s.Allowance != nil {
		c.Allowance = new(big.Int).Set(s.Allowance)
	}
	return c
}
