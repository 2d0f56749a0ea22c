package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrIntegrity  = errors.New("integrity violation")
	ErrForbidden  = errors.New("forbidden")
)

// ValidationError is a user-correctable rejection. ProductID is set when the
// failure can be attributed to one product.
type ValidationError struct {
	ProductID string `json:"product_id,omitempty"`
	Field     string `json:"field,omitempty"`
	Message   string `json:"message"`
}

func NewValidationError(productID string, format string, args ...any) *ValidationError {
	return &ValidationError{ProductID: productID, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.ProductID != "" {
		return fmt.Sprintf("%s: %s", e.ProductID, e.Message)
	}
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ValidationProblems flattens an error tree into its ValidationErrors.
func ValidationProblems(err error) []*ValidationError {
	switch e := err.(type) {
	case nil:
		return nil
	case *ValidationError:
		return []*ValidationError{e}
	case interface{ Unwrap() []error }:
		var out []*ValidationError
		for _, inner := range e.Unwrap() {
			out = append(out, ValidationProblems(inner)...)
		}
		return out
	case interface{ Unwrap() error }:
		return ValidationProblems(e.Unwrap())
	}
	return nil
}

func IntegrityError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}
