// Package validation checks command and request structs with struct tags.
package validation

import (
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"evcharge/backend/services/charging-service/internal/apperr"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	oneOf := func(tag string, allowed ...string) {
		_ = validate.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			value := fl.Field().String()
			for _, a := range allowed {
				if value == a {
					return true
				}
			}
			return false
		})
	}
	oneOf("payment_method", "wallet", "gateway")
	oneOf("service_status", "AVAILABLE", "OUT_OF_SERVICE", "MAINTENANCE")
}

// Error lists field problems. It unwraps to apperr.ErrValidation.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *Error) Unwrap() error { return apperr.ErrValidation }

// Struct validates s and returns *Error on failure.
func Struct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.New(apperr.ErrValidation, err.Error())
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			fields[field] = "This field is required"
		case "min", "gte":
			fields[field] = "Value must be at least " + fe.Param()
		case "max", "lte":
			fields[field] = "Value must be at most " + fe.Param()
		case "gtfield":
			fields[field] = "Value must be after " + fe.Param()
		case "payment_method":
			fields[field] = "Invalid payment method. Must be: wallet or gateway"
		case "service_status":
			fields[field] = "Invalid status. Must be: AVAILABLE, OUT_OF_SERVICE or MAINTENANCE"
		default:
			fields[field] = "Invalid value"
		}
	}
	return &Error{Fields: fields}
}

// Fields returns the field map of a validation error, or nil.
func Fields(err error) map[string]string {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Fields
	}
	return nil
}
