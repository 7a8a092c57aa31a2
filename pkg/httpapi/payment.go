package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vanloc1808/arcana-entitlement/pkg/apperr"
	"github.com/vanloc1808/arcana-entitlement/pkg/chain"
	"github.com/vanloc1808/arcana-entitlement/pkg/store"
)

type paymentSubmitReq struct {
	TransactionHash string `json:"transaction_hash"`
	ProductVariant  string `json:"product_variant"`
	ClaimedAmount   string `json:"claimed_amount"`
	WalletAddress   string `json:"wallet_address"`
}

type paymentSubmitResp struct {
	Success             bool   `json:"success"`
	TransactionVerified bool   `json:"transaction_verified"`
	TurnsAdded          int    `json:"turns_added"`
	Message             string `json:"message"`
	TransactionHash     string `json:"transaction_hash"`
}

// SubmitPaymentHandler godoc
// @Summary      Submit an on-chain payment for verification and credit
// @Tags         payments
// @Accept       json
// @Produce      json
// @Param        payment  body  paymentSubmitReq  true  "Payment claim"
// @Success      200  {object}  paymentSubmitResp
// @Router       /payments/submit [post]
func (s *Server) SubmitPaymentHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated user")
		return
	}

	var req paymentSubmitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if req.TransactionHash == "" || req.ProductVariant == "" || req.WalletAddress == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "transaction_hash, product_variant, wallet_address are required")
		return
	}

	if s.recentTx.recentlySeen(req.TransactionHash) {
		writeJSON(w, http.StatusOK, paymentSubmitResp{
			Success: false, TransactionVerified: true, TurnsAdded: 0,
			Message: "transaction already processed", TransactionHash: req.TransactionHash,
		})
		return
	}

	outcome, err := s.applier.Submit(r.Context(), user.ID, chain.Request{
		TxHash:         req.TransactionHash,
		ClaimedSender:  req.WalletAddress,
		ProductVariant: req.ProductVariant,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		if errors.Is(err, apperr.ErrProviderUnavailable) || errors.Is(err, apperr.ErrLedgerUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "provider_unavailable", "payment verification temporarily unavailable, please retry")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	// Only hashes the Applier accepted are cached: the cached reply reports
	// the transaction as verified, which a rejected hash is not.
	if outcome.Status != store.PaymentRejected {
		s.recentTx.mark(req.TransactionHash)
	}

	switch outcome.Status {
	case store.PaymentCredited:
		writeJSON(w, http.StatusOK, paymentSubmitResp{
			Success: true, TransactionVerified: true, TurnsAdded: outcome.TurnsAdded,
			Message: "payment verified and credited", TransactionHash: req.TransactionHash,
		})
	case store.PaymentDuplicate:
		writeJSON(w, http.StatusOK, paymentSubmitResp{
			Success: false, TransactionVerified: true, TurnsAdded: 0,
			Message: "transaction already processed", TransactionHash: req.TransactionHash,
		})
	default: // Rejected
		writeJSON(w, http.StatusOK, paymentSubmitResp{
			Success: false, TransactionVerified: false, TurnsAdded: 0,
			Message: outcome.RejectionReason, TransactionHash: req.TransactionHash,
		})
	}
}
