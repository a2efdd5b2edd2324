// Package validation configures go-playground/validator with storefront rules
// shared by services and gin request binding.
package validation

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/MarcoPoloResearchLab/shopcart/internal/orderstatus"
)

const (
	TagZipCode       = "zipcode"
	TagUSState       = "usstate"
	TagOrderStatus   = "orderstatus"
	TagPaymentStatus = "paymentstatus"
)

var (
	zipCodePattern = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	statePattern   = regexp.MustCompile(`^[A-Za-z]{2}$`)

	defaultOnce     sync.Once
	defaultValidate *validator.Validate
)

// Register installs the custom rules and JSON field naming on v.
func Register(v *validator.Validate) error {
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			name = strings.SplitN(field.Tag.Get("form"), ",", 2)[0]
		}
		return name
	})
	rules := map[string]validator.Func{
		TagZipCode: func(fl validator.FieldLevel) bool {
			return zipCodePattern.MatchString(strings.TrimSpace(fl.Field().String()))
		},
		TagUSState: func(fl validator.FieldLevel) bool {
			return statePattern.MatchString(strings.TrimSpace(fl.Field().String()))
		},
		TagOrderStatus: func(fl validator.FieldLevel) bool {
			_, err := orderstatus.ParseOrderStatus(fl.Field().String())
			return err == nil
		},
		TagPaymentStatus: func(fl validator.FieldLevel) bool {
			_, err := orderstatus.ParsePaymentStatus(fl.Field().String())
			return err == nil
		},
	}
	for tag, rule := range rules {
		if err := v.RegisterValidation(tag, rule); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a process-wide validator with the custom rules registered.
func Default() *validator.Validate {
	defaultOnce.Do(func() {
		defaultValidate = validator.New(validator.WithRequiredStructEnabled())
		if err := Register(defaultValidate); err != nil {
			panic(err)
		}
	})
	return defaultValidate
}

// Struct validates value with the default validator.
func Struct(value any) error {
	return Default().Struct(value)
}

// FieldError is one failed rule in a readable form.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Describe flattens validator errors. Other errors yield nil.
func Describe(err error) []FieldError {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make([]FieldError, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details = append(details, FieldError{Field: fieldErr.Field(), Message: message(fieldErr)})
	}
	return details
}

// Summary joins Describe output into one line.
func Summary(err error) string {
	details := Describe(err)
	if len(details) == 0 {
		if err == nil {
			return ""
		}
		return err.Error()
	}
	parts := make([]string, 0, len(details))
	for _, detail := range details {
		parts = append(parts, detail.Field+": "+detail.Message)
	}
	return strings.Join(parts, "; ")
}

func message(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		if fieldErr.Kind() == reflect.String {
			return "must be at least " + fieldErr.Param() + " characters"
		}
		return "must be at least " + fieldErr.Param()
	case "max":
		if fieldErr.Kind() == reflect.String {
			return "must be at most " + fieldErr.Param() + " characters"
		}
		return "must be at most " + fieldErr.Param()
	case "gte":
		return "must be greater than or equal to " + fieldErr.Param()
	case "lte":
		return "must be less than or equal to " + fieldErr.Param()
	case "oneof":
		return "must be one of: " + fieldErr.Param()
	case TagZipCode:
		return "must be a 5-digit ZIP code, optionally followed by -NNNN"
	case TagUSState:
		return "must be a two-letter state code"
	case TagOrderStatus:
		return "must be a known order status"
	case TagPaymentStatus:
		return "must be a known payment status"
	default:
		return "is invalid"
	}
}
