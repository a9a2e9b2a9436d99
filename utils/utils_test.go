package utils

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/brpay/authorization"
	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils/eip712"
)

func TestFormatAndParseUnits(t *testing.T) {
	cases := []struct {
		amount   string
		decimals uint8
		display  string
	}{
		{"1500000", 6, "1.5"},
		{"1000000000000000000", 18, "1"},
		{"1", 18, "0.000000000000000001"},
		{"0", 6, "0"},
		{"42", 0, "42"},
	}
	for _, tc := range cases {
		amount, ok := new(big.Int).SetString(tc.amount, 10)
		require.True(t, ok)
		assert.Equal(t, tc.display, FormatUnits(amount, tc.decimals))

		back, err := ParseUnits(tc.display, tc.decimals)
		require.NoError(t, err)
		assert.Equal(t, tc.amount, back.String())
	}

	assert.Equal(t, "0", FormatUnits(nil, 6))

	_, err := ParseUnits("1.0000001", 6)
	assert.Error(t, err)
	_, err = ParseUnits("abc", 6)
	assert.Error(t, err)
}

func TestValidateAddressAndUint256(t *testing.T) {
	addr, err := ValidateAddress("0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), addr)

	_, err = ValidateAddress("0x1234")
	assert.Error(t, err)

	n, err := ValidateUint256("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	assert.Equal(t, 256, n.BitLen())

	for _, bad := range []string{"-1", "1.5", "", "115792089237316195423570985008687907853269984665640564039457584007913129639936"} {
		_, err := ValidateUint256(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseInvoice(t *testing.T) {
	inv, err := ParseInvoice([]byte(`{
		"id": "inv-1",
		"status": "open",
		"name": "Loja",
		"amount": "12.50",
		"tokenAmountRequired": "12500000000000000000",
		"tokenSymbol": "BRLT"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "inv-1", inv.ID)
	assert.Equal(t, "12.5", inv.Amount.String())
	assert.Equal(t, "BRLT", inv.TokenSymbol)

	for name, body := range map[string]string{
		"backend error":  `{"error":"unknown brcode"}`,
		"error object":   `{"error":{"message":"expired"}}`,
		"missing id":     `{"tokenAmountRequired":"1"}`,
		"missing amount": `{"id":"inv-1"}`,
		"fractional":     `{"id":"inv-1","tokenAmountRequired":"1.5"}`,
		"negative":       `{"id":"inv-1","tokenAmountRequired":"-1"}`,
		"malformed json": `{"id":`,
	} {
		_, err := ParseInvoice([]byte(body))
		assert.True(t, types.IsCode(err, types.ErrQuoteInvalid), name)
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus([]byte(`{"status":"6"}`))
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, st)

	_, err = ParseStatus([]byte(`{"status":"9"}`))
	assert.Error(t, err)
	_, err = ParseStatus([]byte(`{"error":"not found"}`))
	assert.Error(t, err)
}

func TestSignAndVerifyTypedData(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := AddressFromPrivateKey(key)

	domain := eip712.Domain{
		Name:              "MetaTxRelay",
		Version:           "1",
		VerifyingContract: common.HexToAddress("0x4444444444444444444444444444444444444444"),
	}
	auth, err := authorization.NewBuilder(time.Hour, nil).
		Build(signer, common.HexToAddress("0x01"), common.HexToAddress("0x02"), big.NewInt(10), big.NewInt(0))
	require.NoError(t, err)
	td := authorization.TypedData(auth, domain)

	sig, err := SignTypedData(td, key)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)
	assert.GreaterOrEqual(t, sig[64], byte(27))

	ok, err := VerifyTypedDataSignature(td, sig, signer)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyTypedDataSignature(td, sig, common.HexToAddress("0x05"))
	require.NoError(t, err)
	assert.False(t, ok)

	encoded := "0x" + common.Bytes2Hex(sig)
	decoded, err := DecodeSignature(encoded)
	require.NoError(t, err)
	assert.Equal(t, sig, decoded)

	_, err = DecodeSignature("0x1234")
	assert.Error(t, err)
}

func TestPrivateKeyFromHex(t *testing.T) {
	key, err := PrivateKeyFromHex("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	assert.Equal(t,
		common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
		AddressFromPrivateKey(key))

	_, err = PrivateKeyFromHex("zz")
	assert.Error(t, err)
}
