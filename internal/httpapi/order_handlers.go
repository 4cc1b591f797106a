package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/service"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type createOrderRequest struct {
	Items           []models.LineRequest `json:"items"`
	ShippingAddress models.Address       `json:"shipping_address"`
}

type createOrderFromCartRequest struct {
	ShippingAddress models.Address `json:"shipping_address"`
}

type updateOrderStatusRequest struct {
	Status models.OrderStatus `json:"status"`
}

type updatePaymentStatusRequest struct {
	PaymentStatus models.OrderPaymentStatus `json:"payment_status"`
}

// POST /orders
func (h *handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.orders.CreateOrder(r.Context(), service.CreateOrderRequest{
		OwnerID:         ownerFromContext(r.Context()),
		Items:           req.Items,
		ShippingAddress: req.ShippingAddress,
		IdempotencyKey:  strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, order)
}

// POST /orders/from-cart
func (h *handler) createOrderFromCart(w http.ResponseWriter, r *http.Request) {
	var req createOrderFromCartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.orders.CreateOrderFromCart(r.Context(), ownerFromContext(r.Context()), req.ShippingAddress)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, order)
}

// GET /orders?cursor=&limit=
func (h *handler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, apperr.Validation(map[string]string{"limit": "must be a positive integer"}))
			return
		}
		limit = n
	}
	page, err := h.orders.ListOrders(r.Context(), ownerFromContext(r.Context()), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// GET /orders/{orderID}
func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.orders.GetOrder(r.Context(), orderID, ownerFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// PATCH /admin/orders/{orderID}/status
func (h *handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req updateOrderStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.orders.UpdateStatus(r.Context(), orderID, req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// PATCH /admin/orders/{orderID}/payment-status
func (h *handler) updateOrderPaymentStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req updatePaymentStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.orders.UpdateManualPaymentStatus(r.Context(), orderID, req.PaymentStatus)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}
