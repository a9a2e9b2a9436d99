package clients

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/vitwit/brpay/types"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4 << 10

// parseErrorResponse maps a non-2xx response to a PayError. 5xx, 408 and 429
// are transient; any other status carries clientCode.
func parseErrorResponse(resp *http.Response, clientCode types.ErrorCode) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := fmt.Sprintf("backend returned %d", resp.StatusCode)
	if be := decodeBackendError(body); be != nil && be.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, be.Message)
	}

	if isTransientStatus(resp.StatusCode) {
		return types.NewPayError(types.ErrTransportFailure, msg, nil)
	}
	return types.NewPayError(clientCode, msg, nil)
}

func isTransientStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func decodeBackendError(body []byte) *types.BackendError {
	var resp types.ErrorResponse
	if err := jsonUnmarshal(body, &resp); err != nil {
		return nil
	}
	return resp.Error
}

// transportError wraps a failure to reach the backend at all.
func transportError(op string, err error) error {
	var pe *types.PayError
	if errors.As(err, &pe) {
		return err
	}
	return types.NewPayError(types.ErrTransportFailure, op+" failed", err)
}
