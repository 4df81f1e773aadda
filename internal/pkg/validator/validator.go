// Package validator wraps the go-playground/validator library for declarative
// struct validation with standardized error formatting.
package validator

import (
	"errors"
	"fmt"

	gvalidator "github.com/go-playground/validator/v10"
)

// ErrValidationFailed is the root of every error chain returned for a failed
// validation, so callers can detect validation failures with errors.Is even
// when several fields are invalid at once.
var ErrValidationFailed = errors.New("struct validation failed")

// validator is the singleton instance, created on package load.
var validator *gvalidator.Validate

// errStringFormat describes a single failed field.
const errStringFormat = "'%s': value '%v' does not meet the requirements for the '%s' validation"

func init() {
	validator = gvalidator.New(gvalidator.WithRequiredStructEnabled())
}

// formatError turns raw validator errors into a joined chain rooted at
// ErrValidationFailed, one formatted entry per failed field. Errors of any
// other kind pass through unchanged.
func formatError(err error) error {
	var validationErrors gvalidator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	errs := []error{ErrValidationFailed}
	for _, validationErr := range validationErrors {
		err := fmt.Errorf(errStringFormat,
			validationErr.Field(),
			validationErr.Value(),
			validationErr.Tag(),
		)

		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Validate checks the given struct against its `validate` tags. It returns
// nil when every field passes, or an ErrValidationFailed chain when one or
// more fields fail. Other validator errors, such as a non-struct argument, are
// returned unchanged.
func Validate(v any) error {
	if err := validator.Struct(v); err != nil {
		return formatError(err)
	}

	return nil
}
