package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/gateway"
	"github.com/safar/storefront/internal/logging"
	"go.uber.org/zap"
)

type createPaymentRequest struct {
	OrderID int64 `json:"order_id"`
}

// POST /payments
func (h *handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.OrderID <= 0 {
		h.writeError(w, r, apperr.Validation(map[string]string{"order_id": "is required"}))
		return
	}
	result, err := h.payments.CreatePaymentIntent(r.Context(), req.OrderID, ownerFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// GET /payments/{paymentID}
func (h *handler) getPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathID(r, "paymentID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	payment, err := h.payments.GetPaymentDetails(r.Context(), paymentID, ownerFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, payment)
}

// POST /payments/{paymentID}/refund
func (h *handler) refundPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathID(r, "paymentID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	payment, err := h.payments.RefundPayment(r.Context(), paymentID, ownerFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, payment)
}

// POST /webhooks/gateway
//
// The gateway redelivers on any non-2xx answer. An unknown intent answers
// 404, so a delivery that raced the intent's commit is tried again later.
func (h *handler) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, errorBody{Code: "invalid_body", Message: "could not read body"})
		return
	}

	event, err := h.webhooks.Parse(body, r.Header.Get(gateway.SignatureHeader))
	if err != nil {
		logging.FromContext(r.Context(), h.logger).Warn("webhook_rejected", zap.Error(err))
		switch {
		case errors.Is(err, gateway.ErrMissingSignature),
			errors.Is(err, gateway.ErrInvalidSignature),
			errors.Is(err, gateway.ErrStaleSignature):
			respondError(w, http.StatusUnauthorized, errorBody{Code: "invalid_signature", Message: err.Error()})
		default:
			respondError(w, http.StatusBadRequest, errorBody{Code: "malformed_event", Message: err.Error()})
		}
		return
	}

	if err := h.payments.HandleWebhook(r.Context(), event); err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}
