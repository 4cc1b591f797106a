package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithfKeepsIdentity(t *testing.T) {
	err := ErrInsufficientStock.Withf("product %d", 7)

	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.False(t, errors.Is(err, ErrProductUnavailable))
	assert.Equal(t, "insufficient stock: product 7", err.Error())
	assert.Equal(t, "insufficient stock", ErrInsufficientStock.Message, "sentinel must not be mutated")
}

func TestWrapKeepsMessage(t *testing.T) {
	cause := errors.New("product 7 has 2, requested 5")
	err := ErrInsufficientStock.Wrap(cause)

	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "insufficient stock", err.Message)
	assert.Equal(t, "insufficient stock: product 7 has 2, requested 5", err.Error())
	assert.Nil(t, ErrInsufficientStock.Err)
}

func TestKindOfWrapped(t *testing.T) {
	wrapped := fmt.Errorf("create order: %w", ErrEmptyCart)

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindExternal, KindOf(External("payment gateway", errors.New("timeout"))))
}

func TestValidationMessageListsFields(t *testing.T) {
	err := Validation(map[string]string{
		"quantity":   "must be at least 1",
		"product_id": "is required",
	})

	assert.Equal(t, KindValidation, err.Kind)
	assert.Equal(t, "invalid request (product_id: is required, quantity: must be at least 1)", err.Error())
}

func TestAs(t *testing.T) {
	e, ok := As(fmt.Errorf("wrap: %w", ErrNotRefundable))
	assert.True(t, ok)
	assert.Equal(t, "not_refundable", e.Code)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
}
