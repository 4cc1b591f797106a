package httpapi

import (
	"net/http"
)

type addCartItemRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type updateCartItemRequest struct {
	Quantity int `json:"quantity"`
}

// GET /cart
func (h *handler) getCart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.carts.GetCart(r.Context(), ownerFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

// POST /cart/items
func (h *handler) addCartItem(w http.ResponseWriter, r *http.Request) {
	var req addCartItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cart, err := h.carts.AddItem(r.Context(), ownerFromContext(r.Context()), req.ProductID, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

// PATCH /cart/items/{itemID}
func (h *handler) updateCartItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := pathID(r, "itemID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req updateCartItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cart, err := h.carts.UpdateItemQuantity(r.Context(), ownerFromContext(r.Context()), itemID, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

// DELETE /cart/items/{itemID}
func (h *handler) removeCartItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := pathID(r, "itemID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cart, err := h.carts.RemoveItem(r.Context(), ownerFromContext(r.Context()), itemID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

// DELETE /cart
func (h *handler) clearCart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.carts.Clear(r.Context(), ownerFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}
