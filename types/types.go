package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// Invoice is a fiat payment request resolved from a scanned or typed code.
// It is immutable once resolved; a new code produces a new Invoice.
type Invoice struct {
	// Identifier assigned by the backend. Also used as the payment attempt id.
	ID string `json:"id" validate:"required"`

	// Backend-side invoice status (free text, informational only).
	Status string `json:"status"`

	// Beneficiary details as reported by the backend.
	Name             string `json:"name,omitempty"`
	TaxID            string `json:"taxId,omitempty"`
	BankCode         string `json:"bankCode,omitempty"`
	BranchCode       string `json:"branchCode,omitempty"`
	AccountNumber    string `json:"accountNumber,omitempty"`
	AccountType      string `json:"accountType,omitempty"`
	AllowChange      bool   `json:"allowChange,omitempty"`
	ReconciliationID string `json:"reconciliationId,omitempty"`
	Description      string `json:"description,omitempty"`

	// Fiat amount due.
	Amount decimal.Decimal `json:"amount"`

	// Token amount in the smallest unit, as a decimal string.
	TokenAmountRequired string `json:"tokenAmountRequired" validate:"required,number"`

	TokenSymbol string `json:"tokenSymbol"`

	// Code the invoice was resolved from. Not part of the wire format.
	Code string `json:"-"`
}

// RequiredAmount parses TokenAmountRequired.
func (i *Invoice) RequiredAmount() (*big.Int, error) {
	n, ok := new(big.Int).SetString(i.TokenAmountRequired, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid tokenAmountRequired %q", i.TokenAmountRequired)
	}
	return n, nil
}

// TransferAuthorization is the message signed by the payer and executed by
// the relay contract.
type TransferAuthorization struct {
	From          common.Address
	To            common.Address
	TokenContract common.Address
	Amount        *big.Int
	Nonce         *big.Int
	// Expiry is an absolute unix timestamp in seconds.
	Expiry *big.Int
}

// ExpiresAt returns Expiry as a time.Time.
func (a *TransferAuthorization) ExpiresAt() time.Time {
	return time.Unix(a.Expiry.Int64(), 0)
}

// Message returns the wire representation of the authorization.
func (a *TransferAuthorization) Message() MetaTxMessage {
	return MetaTxMessage{
		From:          a.From.Hex(),
		To:            a.To.Hex(),
		TokenContract: a.TokenContract.Hex(),
		Amount:        a.Amount.String(),
		Nonce:         new(big.Int).Set(a.Nonce),
		Expiry:        new(big.Int).Set(a.Expiry),
	}
}

// PaymentAttempt ties one invoice to the single authorization submitted for
// it. It is created once the backend acknowledges the submission and is
// never modified afterwards.
type PaymentAttempt struct {
	// ID is the invoice id polled on /payment-status.
	ID             string                `json:"id"`
	InvoiceCode    string                `json:"invoiceCode"`
	Authorization  TransferAuthorization `json:"-"`
	Signature      hexutil.Bytes         `json:"signature"`
	IdempotencyKey string                `json:"idempotencyKey"`
	SubmittedAt    time.Time             `json:"submittedAt"`
}

// TypeEntry is one field of an EIP-712 struct type.
type TypeEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TypedDataDomain is the EIP-712 domain as sent to the backend.
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId,omitempty"`
	VerifyingContract string   `json:"verifyingContract"`
}

// MetaTxMessage is the ERC20MetaTransaction message. Amount travels as a
// string, nonce and expiry as JSON numbers.
type MetaTxMessage struct {
	From          string   `json:"from"`
	To            string   `json:"to"`
	TokenContract string   `json:"tokenContract"`
	Amount        string   `json:"amount"`
	Nonce         *big.Int `json:"nonce"`
	Expiry        *big.Int `json:"expiry"`
}

// TypedDataPayload is the {domain, types, message} triple the relay verifies.
type TypedDataPayload struct {
	Domain  TypedDataDomain        `json:"domain"`
	Types   map[string][]TypeEntry `json:"types"`
	Message MetaTxMessage          `json:"message"`
}

// Web3Payload carries the signature and the exact structure that was signed.
type Web3Payload struct {
	Signature   string           `json:"signature"`
	TypedData   TypedDataPayload `json:"typedData"`
	ClaimedAddr string           `json:"claimedAddr"`
}

// RequestPaymentBody is the POST /request-payment body.
type RequestPaymentBody struct {
	Web3   Web3Payload `json:"web3"`
	Brcode string      `json:"brcode"`
}

// StatusResponse is the GET /payment-status body.
type StatusResponse struct {
	Status string `json:"status"`
}

// GenerateBrcodeResponse is the POST /generate-brcode body.
type GenerateBrcodeResponse struct {
	Invoice struct {
		Brcode string `json:"brcode"`
	} `json:"invoice"`
}

// BackendError is the error object returned by the backend. It accepts both
// {"error": "text"} and {"error": {"message": "text"}}.
type BackendError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *BackendError) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		e.Message = s
		return nil
	}
	type plain BackendError
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = BackendError(p)
	return nil
}

// ErrorResponse wraps BackendError.
type ErrorResponse struct {
	Error *BackendError `json:"error,omitempty"`
}

// WalletSummary is the token position of the connected account.
type WalletSummary struct {
	Account  common.Address
	Balance  *big.Int
	Symbol   string
	Decimals uint8
}
