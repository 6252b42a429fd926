package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
)

var (
	validatorOnce sync.Once
	validate      *validator.Validate
)

// Validator returns the shared validator. Field names in errors follow the
// json tag of the field.
func Validator() *validator.Validate {
	validatorOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// FieldErrors maps a field name to a human readable problem.
type FieldErrors map[string]string

// Struct validates obj and wraps failures in domain.ErrValidation.
func Struct(obj any) error {
	err := Validator().Struct(obj)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	details := Details(fieldErrs)
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s %s", fe.Field(), details[fe.Field()]))
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(parts, "; "))
}

func Details(errs validator.ValidationErrors) FieldErrors {
	out := make(FieldErrors, len(errs))
	for _, fe := range errs {
		out[fe.Field()] = describe(fe)
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("cannot be longer than %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "email":
		return "must be a valid email address"
	case "e164":
		return "must be an E.164 phone number"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
