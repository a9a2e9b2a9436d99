package orchestrator

import (
	"context"
	"math/big"

	"github.com/vitwit/brpay/allowance"
	"github.com/vitwit/brpay/authorization"
	"github.com/vitwit/brpay/submission"
	"github.com/vitwit/brpay/types"
)

// run drives one resolved invoice until it is pending, terminal or halted.
// Every transition is dropped once gen is superseded.
func (o *Orchestrator) run(ctx context.Context, gen uint64, inv *types.Invoice) {
	if o.resumed(ctx, gen, inv) {
		return
	}

	if err := o.step("network", func() error { return o.checkNetwork(ctx) }); err != nil {
		o.halt(gen, "network", err)
		return
	}

	required, err := inv.RequiredAmount()
	if err != nil {
		o.halt(gen, "quoting", types.NewPayError(types.ErrQuoteInvalid, "invalid invoice amount", err))
		return
	}

	from := o.deps.Signer.Address()
	key := allowance.Key{Account: from, Token: o.cfg.Token, Spender: o.cfg.Relay}

	var current *big.Int
	err = o.step("allowance_check", func() (err error) {
		current, err = o.deps.Allowances.CurrentAllowance(ctx, key)
		return err
	})
	if err != nil {
		o.halt(gen, "allowance_check", err)
		return
	}

	if current.Cmp(required) < 0 {
		if !o.update(gen, func(s *Snapshot) {
			s.State = StateAwaitingAllowance
			s.Allowance = current
		}) {
			return
		}
		err = o.step("awaiting_allowance", func() (err error) {
			current, err = o.deps.Allowances.EnsureAllowance(ctx, key, required)
			return err
		})
		if err != nil {
			o.halt(gen, "awaiting_allowance", err)
			return
		}
	}

	if !o.update(gen, func(s *Snapshot) {
		s.State = StateAuthorizing
		s.Allowance = current
	}) {
		return
	}

	var (
		auth *types.TransferAuthorization
		sig  []byte
	)
	err = o.step("authorizing", func() (err error) {
		auth, sig, err = o.authorize(ctx, inv, required)
		return err
	})
	if err != nil {
		o.halt(gen, "authorizing", err)
		return
	}

	signed := &signedAuthorization{invoiceID: inv.ID, auth: auth, sig: sig}
	if !o.update(gen, func(s *Snapshot) {
		s.State = StateSubmitting
		o.signed = signed
	}) {
		return
	}
	o.submit(ctx, gen, inv, signed)
}

// resubmit sends an already signed authorization again.
func (o *Orchestrator) resubmit(ctx context.Context, gen uint64, inv *types.Invoice, signed *signedAuthorization) {
	if o.resumed(ctx, gen, inv) {
		return
	}
	o.submit(ctx, gen, inv, signed)
}

// resumed follows an attempt already in the journal for inv, if any.
func (o *Orchestrator) resumed(ctx context.Context, gen uint64, inv *types.Invoice) bool {
	var existing *types.PaymentAttempt
	err := o.step("journal", func() (err error) {
		existing, err = o.deps.Submitter.Lookup(ctx, inv.ID)
		return err
	})
	if err != nil {
		o.halt(gen, "journal", types.NewPayError(types.ErrTransportFailure, "failed to read payment journal", err))
		return true
	}
	if existing == nil {
		return false
	}
	o.logger.Info("resuming acknowledged payment", map[string]any{"invoice_id": inv.ID})
	o.enterPending(gen, existing)
	return true
}

func (o *Orchestrator) submit(ctx context.Context, gen uint64, inv *types.Invoice, signed *signedAuthorization) {
	var attempt *types.PaymentAttempt
	err := o.step("submitting", func() (err error) {
		attempt, err = o.deps.Submitter.Submit(ctx, submission.Request{
			Code:          inv.Code,
			Invoice:       inv,
			Authorization: signed.auth,
			Signature:     signed.sig,
		})
		return err
	})
	switch {
	case err == nil:
		o.enterPending(gen, attempt)
	case types.IsCode(err, types.ErrBackendRejected):
		o.reject(gen, err)
	case types.IsCode(err, types.ErrAlreadySubmitted):
		// another flow got there first; follow its attempt
		existing, lerr := o.deps.Submitter.Lookup(context.WithoutCancel(ctx), inv.ID)
		if lerr != nil || existing == nil {
			o.halt(gen, "submitting", err)
			return
		}
		o.enterPending(gen, existing)
	default:
		o.halt(gen, "submitting", err)
	}
}

func (o *Orchestrator) checkNetwork(ctx context.Context) error {
	chainID, err := o.deps.Signer.ChainID(ctx)
	if err != nil {
		return err
	}
	if !types.IsSupportedChain(o.cfg.SupportedChains, chainID) {
		return types.Errorf(types.ErrNetworkUnsupported, "wallet is connected to unsupported chain %s", chainID)
	}
	if d := o.cfg.Domain.ChainID; d != nil && d.Cmp(chainID) != 0 {
		return types.Errorf(types.ErrNetworkUnsupported, "wallet is on chain %s, relay domain expects %s", chainID, d)
	}
	return nil
}

// authorize builds and signs the authorization. Only one signature request
// is outstanding at a time.
func (o *Orchestrator) authorize(ctx context.Context, inv *types.Invoice, amount *big.Int) (*types.TransferAuthorization, []byte, error) {
	from := o.deps.Signer.Address()

	nonce, err := o.deps.Nonces.RelayNonce(ctx, o.cfg.Relay, from)
	if err != nil {
		return nil, nil, err
	}

	builder := authorization.NewBuilder(o.cfg.AuthorizationTTL, o.now)
	auth, err := builder.Build(from, o.cfg.Target, o.cfg.Token, amount, nonce)
	if err != nil {
		return nil, nil, types.NewPayError(types.ErrQuoteInvalid, "cannot build authorization", err)
	}

	o.signMu.Lock()
	defer o.signMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, nil, types.NewPayError(types.ErrTransportFailure, "flow cancelled", err)
	}

	sig, err := o.deps.Signer.Sign(ctx, authorization.TypedData(auth, o.cfg.Domain))
	if err != nil {
		return nil, nil, err
	}

	o.logger.Debug("authorization signed", map[string]any{
		"invoice_id": inv.ID,
		"nonce":      auth.Nonce.String(),
		"expiry":     auth.Expiry.String(),
	})
	return auth, sig, nil
}

func (o *Orchestrator) reject(gen uint64, err error) {
	o.update(gen, func(s *Snapshot) {
		s.State = StateTerminal
		s.Outcome = types.StatusRejected
		s.Err = err
		s.ErrCode = types.CodeOf(err)
	})
	o.logger.Warn("payment rejected by backend", map[string]any{"error": err})
}

func (o *Orchestrator) enterPending(gen uint64, attempt *types.PaymentAttempt) {
	if !o.update(gen, func(s *Snapshot) {
		s.State = StatePending
		s.Attempt = attempt
		s.Status = types.StatusUnknown
	}) {
		return
	}

	cancel, err := o.deps.Poller.Poll(attempt.ID, func(st types.PaymentStatus) {
		o.onStatus(gen, attempt.ID, st)
	})
	if err != nil {
		o.halt(gen, "polling", err)
		return
	}

	o.mu.Lock()
	if o.closed || gen != o.gen || o.snap.State != StatePending {
		o.mu.Unlock()
		cancel()
		return
	}
	o.pollCancel = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) onStatus(gen uint64, attemptID string, st types.PaymentStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || gen != o.gen || o.snap.Attempt == nil || o.snap.Attempt.ID != attemptID {
		return
	}
	if o.snap.State != StatePending {
		return
	}

	o.snap.Status = st
	if st.IsTerminal() {
		o.snap.State = StateTerminal
		o.snap.Outcome = st
		// the poller stops itself after a terminal status
		o.pollCancel = nil
		if o.flowCancel != nil {
			o.flowCancel()
			o.flowCancel = nil
		}
		o.logger.Info("payment finished", map[string]any{
			"invoice_id": attemptID,
			"status":     st.String(),
		})
	}
	o.publishLocked()
}
