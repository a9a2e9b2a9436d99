package authorization

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils/eip712"
)

var (
	from   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	to     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	token  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	domain = eip712.Domain{
		Name:              "MetaTxRelay",
		Version:           "1",
		VerifyingContract: common.HexToAddress("0x4444444444444444444444444444444444444444"),
	}
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestBuildIncrementsNonceAndRoundsExpiryUp(t *testing.T) {
	now := time.Unix(1_700_000_000, 250_000_000)
	b := NewBuilder(time.Hour, fixedClock(now))

	auth, err := b.Build(from, to, token, big.NewInt(1500), big.NewInt(4))
	require.NoError(t, err)

	assert.Equal(t, int64(5), auth.Nonce.Int64())
	assert.Equal(t, int64(1_700_003_601), auth.Expiry.Int64())
	assert.True(t, auth.ExpiresAt().After(now))
	assert.Equal(t, from, auth.From)
	assert.Equal(t, to, auth.To)
	assert.Equal(t, token, auth.TokenContract)
	assert.Equal(t, "1500", auth.Amount.String())

	whole := NewBuilder(time.Hour, fixedClock(time.Unix(1_700_000_000, 0)))
	auth, err = whole.Build(from, to, token, big.NewInt(1), big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_003_600), auth.Expiry.Int64())
	assert.Equal(t, int64(1), auth.Nonce.Int64())
}

func TestBuildIsDeterministicAndCopiesInputs(t *testing.T) {
	b := NewBuilder(0, fixedClock(time.Unix(1_700_000_000, 0)))
	amount, nonce := big.NewInt(10), big.NewInt(3)

	first, err := b.Build(from, to, token, amount, nonce)
	require.NoError(t, err)
	second, err := b.Build(from, to, token, amount, nonce)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, time.Unix(1_700_000_000, 0).Add(DefaultTTL).Unix(), first.Expiry.Int64())

	amount.SetInt64(99)
	nonce.SetInt64(99)
	assert.Equal(t, int64(10), first.Amount.Int64())
	assert.Equal(t, int64(4), first.Nonce.Int64())
}

func TestBuildRejectsInvalidInput(t *testing.T) {
	b := NewBuilder(time.Hour, nil)

	_, err := b.Build(from, to, token, nil, big.NewInt(0))
	assert.Error(t, err)
	_, err = b.Build(from, to, token, big.NewInt(-1), big.NewInt(0))
	assert.Error(t, err)
	_, err = b.Build(from, to, token, big.NewInt(1), big.NewInt(-1))
	assert.Error(t, err)

	_, err = Builder{TTL: time.Hour}.Build(from, to, token, big.NewInt(1), big.NewInt(0))
	assert.Error(t, err)
	_, err = Builder{Now: time.Now}.Build(from, to, token, big.NewInt(1), big.NewInt(0))
	assert.Error(t, err)
}

func TestTypedDataHashesToDigest(t *testing.T) {
	b := NewBuilder(time.Hour, fixedClock(time.Unix(1_700_000_000, 0)))
	auth, err := b.Build(from, to, token, big.NewInt(1_000_000), big.NewInt(7))
	require.NoError(t, err)

	withChain := domain
	withChain.ChainID = big.NewInt(80001)

	for _, d := range []eip712.Domain{domain, withChain} {
		digest, err := Digest(auth, d)
		require.NoError(t, err)

		hash, _, err := apitypes.TypedDataAndHash(TypedData(auth, d))
		require.NoError(t, err)
		assert.Equal(t, digest, common.BytesToHash(hash))
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	b := NewBuilder(time.Hour, fixedClock(time.Unix(1_700_000_000, 0)))
	auth, err := b.Build(from, to, token, big.NewInt(1_000_000), big.NewInt(7))
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	digest, err := Digest(auth, domain)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)

	raw, err := json.Marshal(Payload(auth, domain))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "chainId")
	assert.NotContains(t, string(raw), "EIP712Domain")

	var decoded types.TypedDataPayload
	require.NoError(t, json.Unmarshal(raw, &decoded))

	gotAuth, gotDomain, err := FromPayload(decoded)
	require.NoError(t, err)
	assert.Equal(t, auth, gotAuth)
	assert.Equal(t, domain, gotDomain)

	// a verifier working from the payload recovers the signer
	gotDigest, err := Digest(gotAuth, gotDomain)
	require.NoError(t, err)
	signer, err := eip712.RecoverSigner(gotDigest, sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer)
}

func TestFromPayloadRejectsUnexpectedSchema(t *testing.T) {
	auth, err := NewBuilder(time.Hour, nil).Build(from, to, token, big.NewInt(1), big.NewInt(0))
	require.NoError(t, err)

	reordered := Payload(auth, domain)
	fields := reordered.Types[eip712.MetaTransactionType]
	fields[0], fields[1] = fields[1], fields[0]
	_, _, err = FromPayload(reordered)
	assert.Error(t, err)

	missing := Payload(auth, domain)
	delete(missing.Types, eip712.MetaTransactionType)
	_, _, err = FromPayload(missing)
	assert.Error(t, err)

	badAmount := Payload(auth, domain)
	badAmount.Message.Amount = "1e18"
	_, _, err = FromPayload(badAmount)
	assert.Error(t, err)

	badAddr := Payload(auth, domain)
	badAddr.Message.To = "not-an-address"
	_, _, err = FromPayload(badAddr)
	assert.Error(t, err)
}
