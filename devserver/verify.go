package devserver

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"

	"github.com/vitwit/brpay/authorization"
	"github.com/vitwit/brpay/clients"
	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils"
	"github.com/vitwit/brpay/utils/eip712"
)

func sameDomain(a, b eip712.Domain) bool {
	if a.Name != b.Name || a.Version != b.Version || a.VerifyingContract != b.VerifyingContract {
		return false
	}
	if a.ChainID == nil || b.ChainID == nil {
		return a.ChainID == nil && b.ChainID == nil
	}
	return a.ChainID.Cmp(b.ChainID) == 0
}

func (s *Server) requestPayment(c echo.Context) error {
	var body types.RequestPaymentBody
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, "malformed request body")
	}
	key := c.Request().Header.Get(clients.IdempotencyKeyHeader)

	auth, domain, err := authorization.FromPayload(body.Web3.TypedData)
	if err != nil {
		return fail(c, http.StatusBadRequest, "invalid typed data: %v", err)
	}
	if !sameDomain(domain, s.cfg.Domain) {
		return fail(c, http.StatusBadRequest, "typed data domain does not match the relay")
	}

	sig, err := utils.DecodeSignature(body.Web3.Signature)
	if err != nil {
		return fail(c, http.StatusBadRequest, "%v", err)
	}
	digest, err := authorization.Digest(auth, domain)
	if err != nil {
		return fail(c, http.StatusBadRequest, "%v", err)
	}
	signer, err := eip712.RecoverSigner(digest, sig)
	if err != nil {
		return fail(c, http.StatusBadRequest, "%v", err)
	}
	if !common.IsHexAddress(body.Web3.ClaimedAddr) || signer != common.HexToAddress(body.Web3.ClaimedAddr) || signer != auth.From {
		return fail(c, http.StatusBadRequest, "signature does not match claimed address")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byCode[body.Brcode]
	if !ok {
		return fail(c, http.StatusNotFound, "unknown brcode")
	}
	if entry.paid() {
		if key != "" && key == entry.idempotencyKey {
			// replay of an accepted request
			return c.JSON(http.StatusOK, map[string]string{"id": entry.invoice.ID})
		}
		return fail(c, http.StatusConflict, "invoice already paid")
	}

	if auth.Amount.String() != entry.invoice.TokenAmountRequired {
		return fail(c, http.StatusBadRequest, "amount %s does not match invoice", auth.Amount)
	}
	if auth.Expiry.Int64() <= s.now().Unix() {
		return fail(c, http.StatusBadRequest, "authorization expired")
	}
	if last, seen := s.lastNonce[auth.From]; seen && auth.Nonce.Cmp(last) <= 0 {
		return fail(c, http.StatusConflict, "stale nonce %s", auth.Nonce)
	}

	s.lastNonce[auth.From] = auth.Nonce
	entry.idempotencyKey = key
	if key == "" {
		entry.idempotencyKey = entry.invoice.ID
	}

	s.logger.Info("payment request accepted", map[string]any{
		"invoice_id": entry.invoice.ID,
		"from":       auth.From.Hex(),
		"nonce":      auth.Nonce.String(),
	})
	return c.JSON(http.StatusOK, map[string]string{"id": entry.invoice.ID})
}
