package utils

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/vitwit/brpay/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	return validate
}

// ParseInvoice parses and validates an /amount-required response body.
// A backend error object or a malformed body is reported as QUOTE_INVALID.
func ParseInvoice(data []byte) (*types.Invoice, error) {
	var envelope struct {
		types.Invoice
		Error *types.BackendError `json:"error,omitempty"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, types.NewPayError(types.ErrQuoteInvalid, "failed to parse invoice", err)
	}
	if envelope.Error != nil {
		return nil, types.Errorf(types.ErrQuoteInvalid, "backend rejected code: %s", envelope.Error.Message)
	}

	inv := envelope.Invoice
	if err := validate.Struct(&inv); err != nil {
		return nil, types.NewPayError(types.ErrQuoteInvalid, "invoice validation failed", err)
	}
	if _, err := inv.RequiredAmount(); err != nil {
		return nil, types.NewPayError(types.ErrQuoteInvalid, "invoice validation failed", err)
	}
	return &inv, nil
}

// ParseStatus parses a /payment-status response body.
func ParseStatus(data []byte) (types.PaymentStatus, error) {
	var resp struct {
		types.StatusResponse
		Error *types.BackendError `json:"error,omitempty"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.StatusUnknown, fmt.Errorf("failed to parse payment status: %w", err)
	}
	if resp.Error != nil {
		return types.StatusUnknown, fmt.Errorf("backend error: %s", resp.Error.Message)
	}
	return types.ParsePaymentStatus(resp.Status)
}
