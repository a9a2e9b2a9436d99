package brpay_test

import (
	"context"
	"math/big"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/brpay"
	"github.com/vitwit/brpay/clients/clienttest"
	"github.com/vitwit/brpay/config"
	"github.com/vitwit/brpay/devserver"
	"github.com/vitwit/brpay/orchestrator"
	"github.com/vitwit/brpay/signer"
	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils/eip712"
)

const payerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	payer  = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	token  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	relay  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	target = common.HexToAddress("0x00000000000000000000000000000000000000dd")
)

func testConfig(backendURL string) *config.Config {
	return &config.Config{
		BackendURL:               backendURL,
		RPCURL:                   "http://127.0.0.1:8545",
		TokenAddress:             token.Hex(),
		RelayAddress:             relay.Hex(),
		TargetWallet:             target.Hex(),
		PrivateKey:               payerKey,
		SupportedChainIDs:        []int64{80001},
		Domain:                   config.Domain{Name: "MetaTxRelay", Version: "1"},
		AuthorizationTTL:         time.Hour,
		DebounceWindow:           5 * time.Millisecond,
		PollInterval:             5 * time.Millisecond,
		HTTPTimeout:              time.Second,
		ConfirmationPollInterval: time.Millisecond,
		Log:                      config.Log{Level: "info", Format: "json"},
	}
}

func newBackend(t *testing.T, script ...types.PaymentStatus) *httptest.Server {
	t.Helper()
	srv := devserver.NewServer(devserver.Config{
		Domain:         eip712.Domain{Name: "MetaTxRelay", Version: "1", VerifyingContract: relay},
		TokenDecimals:  6,
		TokenSymbol:    "BRLT",
		TokensPerFiat:  decimal.NewFromInt(1),
		InvoiceAmounts: []decimal.Decimal{decimal.RequireFromString("2.50")},
		StatusScript:   script,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func waitDone(t *testing.T, c *brpay.Client) orchestrator.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := c.Wait(ctx)
	require.NoError(t, err)
	return snap
}

func TestClientPaysGeneratedInvoice(t *testing.T) {
	ts := newBackend(t, types.StatusCreated, types.StatusConfirmed, types.StatusProcessing, types.StatusSuccess)
	chain := clienttest.NewChain(80001, token, relay)
	chain.SetBalance(payer, big.NewInt(10_000_000))

	cfg := testConfig(ts.URL)
	cfg.JournalDSN = filepath.Join(t.TempDir(), "journal.db")

	ctx := context.Background()
	client, err := brpay.New(ctx, cfg, brpay.WithEthClient(chain), brpay.WithHTTPClient(ts.Client()))
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, payer, client.Account())
	assert.Nil(t, client.Domain().ChainID)

	summary, err := client.WalletSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10000000", summary.Balance.String())
	assert.Equal(t, "BRLT", summary.Symbol)

	code, err := client.GenerateBrcode(ctx)
	require.NoError(t, err)

	client.Accept(code)
	snap := waitDone(t, client)
	require.True(t, snap.Succeeded(), "flow ended in %s: %v", snap.State, snap.Err)
	require.NotNil(t, snap.Invoice)
	assert.Equal(t, "2500000", snap.Invoice.TokenAmountRequired)
	assert.Equal(t, 1, chain.Calls("approve"))

	shown, err := client.FormatAmount(ctx, snap.Invoice)
	require.NoError(t, err)
	assert.Equal(t, "2.5 BRLT", shown)

	// a restarted client finds the attempt in the journal and does not pay twice
	client.Close()
	restarted, err := brpay.New(ctx, cfg, brpay.WithEthClient(chain), brpay.WithHTTPClient(ts.Client()))
	require.NoError(t, err)
	defer restarted.Close()

	restarted.Accept(code)
	again := waitDone(t, restarted)
	assert.True(t, again.Succeeded())
	require.NotNil(t, again.Attempt)
	assert.Equal(t, snap.Attempt.IdempotencyKey, again.Attempt.IdempotencyKey)
}

func TestClientWithInjectedWallet(t *testing.T) {
	ts := newBackend(t, types.StatusSuccess)
	chain := clienttest.NewChain(80001, token, relay)

	wallet, err := signer.NewLocalWalletFromHex(payerKey, chain)
	require.NoError(t, err)

	cfg := testConfig(ts.URL)
	cfg.PrivateKey = ""
	cfg.Domain.IncludeChainID = true

	client, err := brpay.New(context.Background(), cfg,
		brpay.WithEthClient(chain),
		brpay.WithWallet(wallet),
		brpay.WithHTTPClient(ts.Client()),
	)
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, int64(80001), client.Domain().ChainID.Int64())
}

func TestClientRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.TokenAddress = "0x1234"

	_, err := brpay.New(context.Background(), cfg, brpay.WithEthClient(clienttest.NewChain(80001, token, relay)))
	assert.True(t, types.IsCode(err, types.ErrInvalidConfig))

	_, err = brpay.New(context.Background(), nil)
	assert.True(t, types.IsCode(err, types.ErrInvalidConfig))
}
