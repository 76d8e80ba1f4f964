// Package validate wraps go-playground/validator with JSON field names and
// readable messages. It is shared by tool argument decoding and the HTTP API.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// v is the shared validator instance.
var v *validator.Validate

func init() {
	v = validator.New(validator.WithRequiredStructEnabled())

	// Report JSON names rather than Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
}

// FieldError is one failed rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string { return e.Field + " " + e.Message }

// Struct validates s. A failure is returned as errors.Join of [FieldError]
// values so callers can either print it or unpack the fields.
func Struct(s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err
	}
	errs := make([]error, 0, len(ves))
	for _, e := range ves {
		errs = append(errs, FieldError{Field: e.Field(), Message: message(e)})
	}
	return errors.Join(errs...)
}

// Fields unpacks the [FieldError] values from an error returned by [Struct].
func Fields(err error) []FieldError {
	var out []FieldError
	var fe FieldError
	if errors.As(err, &fe) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				if errors.As(e, &fe) {
					out = append(out, fe)
				}
			}
			return out
		}
		return []FieldError{fe}
	}
	return nil
}

// DecodeMap converts loosely typed arguments, as they arrive in a tool call,
// into dst and validates the result.
func DecodeMap(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("validate: encode args: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("validate: invalid arguments: %w", err)
	}
	return Struct(dst)
}

// message creates a human-readable message from a validator error.
func message(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}
