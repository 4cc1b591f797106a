package models

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/safar/storefront/internal/apperr"
)

const (
	MaxOrderLines = 100
	// MaxLineQuantity bounds a single order or cart line; it matches the
	// lte tag on LineRequest.Quantity.
	MaxLineQuantity = 10000
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// LineRequest is one requested product line of an order.
type LineRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	Quantity  int   `json:"quantity" validate:"required,gte=1,lte=10000"`
}

// ValidateShippingAddress checks the address before it is embedded in an order.
func ValidateShippingAddress(a Address) error {
	return fieldErrors("shipping_address", validatorInstance().Struct(a))
}

// ValidateLines checks the requested lines of a direct order.
func ValidateLines(lines []LineRequest) error {
	if len(lines) == 0 {
		return apperr.Validation(map[string]string{"items": "at least one item is required"})
	}
	if len(lines) > MaxOrderLines {
		return apperr.Validation(map[string]string{"items": fmt.Sprintf("at most %d items are allowed", MaxOrderLines)})
	}
	fields := map[string]string{}
	for i, l := range lines {
		if err := validatorInstance().Struct(l); err != nil {
			if verr, ok := fieldErrors(fmt.Sprintf("items[%d]", i), err).(*apperr.Error); ok {
				for k, v := range verr.Fields {
					fields[k] = v
				}
				continue
			}
			return err
		}
	}
	if len(fields) > 0 {
		return apperr.Validation(fields)
	}
	return nil
}

// ValidateQuantity checks a cart line quantity.
func ValidateQuantity(quantity int) error {
	if quantity < 1 {
		return apperr.Validation(map[string]string{"quantity": "must be at least 1"})
	}
	if quantity > MaxLineQuantity {
		return apperr.Validation(map[string]string{"quantity": fmt.Sprintf("must be at most %d", MaxLineQuantity)})
	}
	return nil
}

func fieldErrors(prefix string, err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate %s: %w", prefix, err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[prefix+"."+fe.Field()] = describe(fe)
	}
	return apperr.Validation(fields)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gt", "gte":
		return "must be at least " + minParam(fe)
	case "lte":
		return "must be at most " + fe.Param()
	case "iso3166_1_alpha2":
		return "must be an ISO 3166-1 alpha-2 country code"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

func minParam(fe validator.FieldError) string {
	if fe.Tag() == "gt" {
		return "1"
	}
	return fe.Param()
}
