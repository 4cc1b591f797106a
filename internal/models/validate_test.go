package models

import (
	"testing"

	"github.com/safar/storefront/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAddress() Address {
	return Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
}

func TestValidateShippingAddress(t *testing.T) {
	require.NoError(t, ValidateShippingAddress(validAddress()))

	a := validAddress()
	a.City = ""
	a.Country = "USA"

	err := ValidateShippingAddress(a)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindValidation, e.Kind)
	assert.Equal(t, "is required", e.Fields["shipping_address.city"])
	assert.Contains(t, e.Fields["shipping_address.country"], "ISO 3166-1")
}

func TestValidateLines(t *testing.T) {
	require.NoError(t, ValidateLines([]LineRequest{{ProductID: 1, Quantity: 2}}))

	err := ValidateLines(nil)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Contains(t, e.Fields, "items")

	err = ValidateLines([]LineRequest{{ProductID: 1, Quantity: 1}, {ProductID: 0, Quantity: 0}})
	e, ok = apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "is required", e.Fields["items[1].product_id"])
	assert.Equal(t, "is required", e.Fields["items[1].quantity"])
	assert.NotContains(t, e.Fields, "items[0].product_id")

	tooMany := make([]LineRequest, MaxOrderLines+1)
	for i := range tooMany {
		tooMany[i] = LineRequest{ProductID: int64(i + 1), Quantity: 1}
	}
	assert.Error(t, ValidateLines(tooMany))
}

func TestValidateQuantity(t *testing.T) {
	assert.NoError(t, ValidateQuantity(1))
	assert.Error(t, ValidateQuantity(0))
	assert.Error(t, ValidateQuantity(-3))
	assert.NoError(t, ValidateQuantity(MaxLineQuantity))

	err := ValidateQuantity(MaxLineQuantity + 1)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "must be at most 10000", e.Fields["quantity"])

	lines := []LineRequest{{ProductID: 1, Quantity: MaxLineQuantity + 1}}
	e, ok = apperr.As(ValidateLines(lines))
	require.True(t, ok, "line and cart bounds agree")
	assert.Contains(t, e.Fields, "items[0].quantity")
}
