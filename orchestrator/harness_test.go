package orchestrator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/brpay/allowance"
	"github.com/vitwit/brpay/clients"
	"github.com/vitwit/brpay/clients/clienttest"
	"github.com/vitwit/brpay/quote"
	"github.com/vitwit/brpay/signer"
	"github.com/vitwit/brpay/status"
	"github.com/vitwit/brpay/store"
	"github.com/vitwit/brpay/submission"
	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils/eip712"
)

var (
	token  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	relay  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	target = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	domain = eip712.Domain{Name: "MetaTxRelay", Version: "1", VerifyingContract: relay}
)

// fakeBackend is an in-memory payment backend.
type fakeBackend struct {
	mu          sync.Mutex
	invoices    map[string]types.Invoice
	scripts     map[string][]string
	quoteCalls  []string
	submits     []types.RequestPaymentBody
	keys        []string
	submitErr   error
	statusCalls map[string]int
	// block, when set, holds RequestPayment until it is closed.
	block chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		invoices:    map[string]types.Invoice{},
		scripts:     map[string][]string{},
		statusCalls: map[string]int{},
	}
}

func (b *fakeBackend) addInvoice(code, id, amount string, script ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invoices[code] = types.Invoice{ID: id, TokenAmountRequired: amount, TokenSymbol: "BRLT"}
	b.scripts[id] = script
}

func (b *fakeBackend) setSubmitErr(err error) {
	b.mu.Lock()
	b.submitErr = err
	b.mu.Unlock()
}

func (b *fakeBackend) AmountRequired(ctx context.Context, code string, _ common.Address) (*types.Invoice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quoteCalls = append(b.quoteCalls, code)
	inv, ok := b.invoices[code]
	if !ok {
		return nil, types.Errorf(types.ErrQuoteInvalid, "unknown brcode %q", code)
	}
	return &inv, nil
}

func (b *fakeBackend) RequestPayment(ctx context.Context, body types.RequestPaymentBody, key string) error {
	b.mu.Lock()
	b.submits = append(b.submits, body)
	b.keys = append(b.keys, key)
	err, block := b.submitErr, b.block
	b.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (b *fakeBackend) holdSubmits() (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.block = ch
	b.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (b *fakeBackend) PaymentStatus(ctx context.Context, id string) (types.PaymentStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	script := b.scripts[id]
	i := b.statusCalls[id]
	b.statusCalls[id]++
	if len(script) == 0 {
		return types.StatusCreated, nil
	}
	if i >= len(script) {
		i = len(script) - 1
	}
	return types.ParsePaymentStatus(script[i])
}

func (b *fakeBackend) quotes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.quoteCalls...)
}

func (b *fakeBackend) submitted() []types.RequestPaymentBody {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.RequestPaymentBody(nil), b.submits...)
}

func (b *fakeBackend) idempotencyKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.keys...)
}

func (b *fakeBackend) polls(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusCalls[id]
}

// failingJournal fails every read while fail is set.
type failingJournal struct {
	store.Journal
	fail atomic.Bool
}

func (j *failingJournal) Get(ctx context.Context, invoiceID string) (*types.PaymentAttempt, error) {
	if j.fail.Load() {
		return nil, errors.New("journal unavailable")
	}
	return j.Journal.Get(ctx, invoiceID)
}

// declineWallet declines signatures while decline is set.
type declineWallet struct {
	*signer.LocalWallet
	decline atomic.Bool
	signs   atomic.Int32
}

func (w *declineWallet) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	w.signs.Add(1)
	if w.decline.Load() {
		return nil, signer.ErrUserDeclined
	}
	return w.LocalWallet.SignTypedData(ctx, td)
}

type harness struct {
	t       *testing.T
	key     *ecdsa.PrivateKey
	payer   common.Address
	chain   *clienttest.Chain
	backend *fakeBackend
	wallet  *declineWallet
	journal *failingJournal
	orch    *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		t:       t,
		key:     key,
		payer:   crypto.PubkeyToAddress(key.PublicKey),
		chain:   clienttest.NewChain(80001, token, relay),
		backend: newFakeBackend(),
		journal: &failingJournal{Journal: store.NewMemoryJournal()},
	}

	h.wallet = &declineWallet{LocalWallet: signer.NewLocalWallet(key, h.chain)}
	evm := clients.NewEVMClientFrom(h.chain, time.Millisecond)
	signing := signer.NewClient(h.wallet)

	o, err := New(Config{
		Token:            token,
		Relay:            relay,
		Target:           target,
		Domain:           domain,
		SupportedChains:  types.DefaultSupportedChains,
		DebounceWindow:   5 * time.Millisecond,
		AuthorizationTTL: 24 * time.Hour,
	}, Deps{
		Quoter:     quote.NewResolver(h.backend, token),
		Allowances: allowance.NewManager(evm, signing),
		Nonces:     evm,
		Signer:     signing,
		Submitter:  submission.NewSubmitter(h.backend, domain, submission.WithJournal(h.journal)),
		Poller:     status.NewPoller(h.backend, 2*time.Millisecond),
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	h.orch = o
	return h
}

func (h *harness) waitState(state State) Snapshot {
	h.t.Helper()
	var snap Snapshot
	require.Eventually(h.t, func() bool {
		snap = h.orch.Snapshot()
		return snap.State == state
	}, 2*time.Second, time.Millisecond, "waiting for %s, last state %s (err %v)", state, snap.State, snap.Err)
	return snap
}

// collect gathers every published snapshot until the orchestrator closes.
func (h *harness) collect() func() []Snapshot {
	ch, _ := h.orch.Subscribe()
	var (
		mu   sync.Mutex
		all  []Snapshot
		done = make(chan struct{})
	)
	go func() {
		defer close(done)
		for s := range ch {
			mu.Lock()
			all = append(all, s)
			mu.Unlock()
		}
	}()
	return func() []Snapshot {
		h.orch.Close()
		<-done
		mu.Lock()
		defer mu.Unlock()
		return all
	}
}

func oneToken() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
}
