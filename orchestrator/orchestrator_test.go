package orchestrator

import (
	"context"
	"encoding/json"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vitwit/brpay/authorization"
	"github.com/vitwit/brpay/logger"
	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils/eip712"
)

func TestPaysInvoiceEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.chain.SetBalance(h.payer, oneToken())
	h.chain.SetRelayNonce(h.payer, big.NewInt(4))
	h.backend.addInvoice("BR-1", "inv-1", oneToken().String(), "0", "1", "7")

	snapshots := h.collect()
	h.orch.Accept("BR-1")
	final := h.waitState(StateTerminal)

	assert.True(t, final.Succeeded())
	assert.Equal(t, types.StatusSuccess, final.Outcome)
	require.NotNil(t, final.Attempt)
	assert.Equal(t, "inv-1", final.Attempt.ID)

	// allowance raised to the maximum with a single approval
	assert.Equal(t, 1, h.chain.Calls("approve"))
	assert.Zero(t, h.chain.AllowanceOf(h.payer, relay).Cmp(math.MaxBig256))

	submits := h.backend.submitted()
	require.Len(t, submits, 1)
	body := submits[0]
	assert.Equal(t, "BR-1", body.Brcode)
	assert.Equal(t, h.payer.Hex(), body.Web3.ClaimedAddr)
	assert.Equal(t, int64(5), body.Web3.TypedData.Message.Nonce.Int64())
	assert.Equal(t, oneToken().String(), body.Web3.TypedData.Message.Amount)
	assert.Equal(t, target.Hex(), body.Web3.TypedData.Message.To)

	// the submitted signature recovers to the payer
	auth, d, err := authorization.FromPayload(body.Web3.TypedData)
	require.NoError(t, err)
	digest, err := authorization.Digest(auth, d)
	require.NoError(t, err)
	sig := common.FromHex(body.Web3.Signature)
	recovered, err := eip712.RecoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, h.payer, recovered)

	all := snapshots()
	var (
		successes int
		states    []State
	)
	for _, s := range all {
		if s.Succeeded() {
			successes++
		}
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, []State{
		StateIdle, StateQuoting, StateAwaitingAllowance, StateAuthorizing,
		StateSubmitting, StatePending, StateTerminal,
	}, states)
}

func TestSkipsApprovalWhenAllowanceSuffices(t *testing.T) {
	h := newHarness(t)
	h.chain.SetAllowance(h.payer, relay, oneToken())
	h.backend.addInvoice("BR-1", "inv-1", oneToken().String(), "7")

	h.orch.Accept("BR-1")
	h.waitState(StateTerminal)

	assert.Zero(t, h.chain.Calls("approve"))
	assert.Equal(t, int64(1), h.backend.submitted()[0].Web3.TypedData.Message.Nonce.Int64())
}

func TestBackendRejectionIsTerminalWithoutPolling(t *testing.T) {
	h := newHarness(t)
	h.chain.SetAllowance(h.payer, relay, oneToken())
	h.backend.addInvoice("BR-1", "inv-1", oneToken().String(), "7")
	h.backend.setSubmitErr(types.Errorf(types.ErrBackendRejected, "nonce already used"))

	h.orch.Accept("BR-1")
	final := h.waitState(StateTerminal)

	assert.False(t, final.Succeeded())
	assert.Equal(t, types.StatusRejected, final.Outcome)
	assert.Equal(t, types.ErrBackendRejected, final.ErrCode)
	assert.Nil(t, final.Attempt)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.backend.polls("inv-1"))
	assert.Len(t, h.backend.submitted(), 1)
	assert.ErrorIs(t, h.orch.Retry(), ErrNotHalted)
}

func TestNewCodeSupersedesPendingFlow(t *testing.T) {
	h := newHarness(t)
	h.chain.SetAllowance(h.payer, relay, new(big.Int).Mul(oneToken(), big.NewInt(10)))
	h.backend.addInvoice("BR-X", "inv-x", oneToken().String(), "0", "1")
	h.backend.addInvoice("BR-Y", "inv-y", "500", "0", "2", "6", "7")

	snapshots := h.collect()

	h.orch.Accept("BR-X")
	x := h.waitState(StatePending)
	require.Eventually(t, func() bool { return h.backend.polls("inv-x") > 0 }, time.Second, time.Millisecond)

	h.orch.Accept("BR-Y")
	xPolls := h.backend.polls("inv-x")

	y := h.waitState(StateTerminal)
	assert.True(t, y.Succeeded())
	assert.NotEqual(t, x.FlowID, y.FlowID)
	assert.Equal(t, "inv-y", y.Attempt.ID)

	time.Sleep(20 * time.Millisecond)
	// at most the request in flight when the switch happened
	assert.LessOrEqual(t, h.backend.polls("inv-x"), xPolls+1)

	for _, s := range snapshots() {
		if s.FlowID != y.FlowID {
			continue
		}
		if s.Invoice != nil {
			assert.Equal(t, "inv-y", s.Invoice.ID)
		}
		if s.Attempt != nil {
			assert.Equal(t, "inv-y", s.Attempt.ID)
		}
	}
}

func TestDebouncesTypedCode(t *testing.T) {
	h := newHarness(t)
	h.chain.SetAllowance(h.payer, relay, oneToken())
	h.backend.addInvoice("ABC", "inv-abc", "1", "7")

	h.orch.Accept("A")
	h.orch.Accept("AB")
	h.orch.Accept("ABC")

	final := h.waitState(StateTerminal)
	assert.Equal(t, "ABC", final.Code)
	assert.Equal(t, []string{"ABC"}, h.backend.quotes())
}

func TestEmptyCodeReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.backend.addInvoice("BR-1", "inv-1", "1", "1")
	h.chain.SetAllowance(h.payer, relay, oneToken())

	h.orch.Accept("BR-1")
	h.waitState(StatePending)

	h.orch.Accept("")
	snap := h.orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.Invoice)
	assert.Empty(t, snap.FlowID)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateIdle, h.orch.Snapshot().State)
}

func TestUnsupportedNetworkHalts(t *testing.T) {
	h := newHarness(t)
	h.chain.SetChainID(1)
	h.backend.addInvoice("BR-1", "inv-1", "1", "7")

	h.orch.Accept("BR-1")
	snap := h.waitState(StateHalted)

	assert.Equal(t, types.ErrNetworkUnsupported, snap.ErrCode)
	assert.Zero(t, h.chain.Calls("approve"))
	assert.Zero(t, h.wallet.signs.Load())
	assert.Empty(t, h.backend.submitted())

	// switching the wallet to a supported network and retrying resumes
	h.chain.SetChainID(80001)
	h.chain.SetAllowance(h.payer, relay, oneToken())
	require.NoError(t, h.orch.Retry())
	assert.True(t, h.waitState(StateTerminal).Succeeded())
}

func TestDomainChainMismatchHalts(t *testing.T) {
	h := newHarness(t)
	h.orch.cfg.Domain.ChainID = big.NewInt(69)
	h.backend.addInvoice("BR-1", "inv-1", "1", "7")

	h.orch.Accept("BR-1")
	snap := h.waitState(StateHalted)
	assert.Equal(t, types.ErrNetworkUnsupported, snap.ErrCode)
}

func TestDeclinedSignatureCanBeRetried(t *testing.T) {
	h := newHarness(t)
	h.chain.SetAllowance(h.payer, relay, oneToken())
	h.backend.addInvoice("BR-1", "inv-1", "1", "7")
	h.wallet.decline.Store(true)

	h.orch.Accept("BR-1")
	snap := h.waitState(StateHalted)
	assert.Equal(t, types.ErrUserDeclined, snap.ErrCode)
	assert.True(t, snap.Retryable())
	assert.Empty(t, h.backend.submitted())

	h.wallet.decline.Store(false)
	require.NoError(t, h.orch.Retry())
	final := h.waitState(StateTerminal)
	assert.True(t, final.Succeeded())
	assert.Len(t, h.backend.submitted(), 1)
	// the invoice is not quoted again
	assert.Equal(t, []string{"BR-1"}, h.backend.quotes())
}

func TestTransportFailureResubmitsWithSameKey(t *testing.T) {
	h := newHarness(t)
	h.chain.SetAllowance(h.payer, relay, oneToken())
	h.backend.addInvoice("BR-1", "inv-1", "1", "7")
	h.backend.setSubmitErr(types.Errorf(types.ErrTransportFailure, "connection reset"))

	h.orch.Accept("BR-1")
	snap := h.waitState(StateHalted)
	assert.Equal(t, types.ErrTransportFailure, snap.ErrCode)
	assert.True(t, snap.Retryable())

	h.backend.setSubmitErr(nil)
	require.NoError(t, h.orch.Retry())
	assert.True(t, h.waitState(StateTerminal).Succeeded())

	keys := h.backend.idempotencyKeys()
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])

	// the retry resends the signed authorization instead of signing again
	assert.EqualValues(t, 1, h.wallet.signs.Load())
	submits := h.backend.submitted()
	require.Len(t, submits, 2)
	first, err := json.Marshal(submits[0])
	require.NoError(t, err)
	second, err := json.Marshal(submits[1])
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRetrySignsAgainOnceAuthorizationExpires(t *testing.T) {
	var clock atomic.Int64
	clock.Store(time.Now().Unix())
	h := newHarness(t, WithClock(func() time.Time { return time.Unix(clock.Load(), 0) }))
	h.chain.SetAllowance(h.payer, relay, oneToken())
	h.backend.addInvoice("BR-1", "inv-1", "1", "7")
	h.backend.setSubmitErr(types.Errorf(types.ErrTransportFailure, "connection reset"))

	h.orch.Accept("BR-1")
	h.waitState(StateHalted)

	clock.Add(int64((25 * time.Hour).Seconds()))
	h.backend.setSubmitErr(nil)
	require.NoError(t, h.orch.Retry())
	assert.True(t, h.waitState(StateTerminal).Succeeded())
	assert.EqualValues(t, 2, h.wallet.signs.Load())
}

func TestRescannedCodeDoesNotRestartFlow(t *testing.T) {
	h := newHarness(t)
	h.chain.SetAllowance(h.payer, relay, oneToken())
	h.backend.addInvoice("BR-1", "inv-1", "1", "7")
	release := h.backend.holdSubmits()
	defer release()

	h.orch.Accept("BR-1")
	require.Eventually(t, func() bool { return len(h.backend.submitted()) == 1 }, 2*time.Second, time.Millisecond)
	flow := h.orch.Snapshot().FlowID

	h.orch.Accept("BR-1")
	assert.Equal(t, flow, h.orch.Snapshot().FlowID)
	assert.Equal(t, StateSubmitting, h.orch.Snapshot().State)

	release()
	assert.True(t, h.waitState(StateTerminal).Succeeded())
	assert.Len(t, h.backend.submitted(), 1)
	assert.EqualValues(t, 1, h.wallet.signs.Load())
	assert.Equal(t, []string{"BR-1"}, h.backend.quotes())
}

func TestRescannedCodeAfterTerminalStartsOver(t *testing.T) {
	h := newHarness(t)
	h.chain.SetAllowance(h.payer, relay, oneToken())
	h.backend.addInvoice("BR-1", "inv-1", "1", "7")

	h.orch.Accept("BR-1")
	first := h.waitState(StateTerminal)

	h.orch.Accept("BR-1")
	require.Eventually(t, func() bool {
		return h.orch.Snapshot().FlowID != first.FlowID
	}, 2*time.Second, time.Millisecond)
}

func TestJournalReadFailureHalts(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, WithLogger(logger.NewZapLoggerFrom(zap.New(core))))
	h.chain.SetAllowance(h.payer, relay, oneToken())
	h.backend.addInvoice("BR-1", "inv-1", "1", "7")
	h.journal.fail.Store(true)

	h.orch.Accept("BR-1")
	snap := h.waitState(StateHalted)
	assert.Equal(t, types.ErrTransportFailure, snap.ErrCode)
	assert.Empty(t, h.backend.submitted())

	halts := logs.FilterMessage("payment flow halted").All()
	require.Len(t, halts, 1)
	assert.Equal(t, "journal", halts[0].ContextMap()["step"])

	h.journal.fail.Store(false)
	require.NoError(t, h.orch.Retry())
	assert.True(t, h.waitState(StateTerminal).Succeeded())
}

func TestInvalidQuoteIsNotRetryable(t *testing.T) {
	h := newHarness(t)

	h.orch.Accept("UNKNOWN")
	snap := h.waitState(StateHalted)
	assert.Equal(t, types.ErrQuoteInvalid, snap.ErrCode)
	assert.False(t, snap.Retryable())
	assert.ErrorIs(t, h.orch.Retry(), ErrNotAllowed)
}

func TestResumesAcknowledgedAttempt(t *testing.T) {
	h := newHarness(t)
	h.backend.addInvoice("BR-1", "inv-1", "1", "1", "7")
	require.NoError(t, h.journal.Record(context.Background(), &types.PaymentAttempt{
		ID:          "inv-1",
		InvoiceCode: "BR-1",
		SubmittedAt: time.Now(),
	}))

	h.orch.Accept("BR-1")
	final := h.waitState(StateTerminal)

	assert.True(t, final.Succeeded())
	assert.Empty(t, h.backend.submitted())
	assert.Zero(t, h.wallet.signs.Load())
}

func TestFailureStatusIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.chain.SetAllowance(h.payer, relay, oneToken())
	h.backend.addInvoice("BR-1", "inv-1", "1", "0", "4", "7")

	h.orch.Accept("BR-1")
	final := h.waitState(StateTerminal)

	assert.Equal(t, types.StatusFailed, final.Outcome)
	assert.False(t, final.Succeeded())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, types.StatusFailed, h.orch.Snapshot().Outcome)
}

func TestClosedOrchestratorIgnoresInput(t *testing.T) {
	h := newHarness(t)
	ch, _ := h.orch.Subscribe()
	h.orch.Close()

	h.orch.Accept("BR-1")
	assert.Equal(t, StateIdle, h.orch.Snapshot().State)
	assert.ErrorIs(t, h.orch.Retry(), ErrClosed)

	// the initial snapshot is still buffered, then the channel is closed
	<-ch
	_, open := <-ch
	assert.False(t, open)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.True(t, types.IsCode(err, types.ErrInvalidConfig))
}
