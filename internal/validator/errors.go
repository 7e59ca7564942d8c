package validator

import (
	"errors"
	"fmt"
)

// Reason classifies a profile validation rejection.
type Reason string

const (
	ReasonMissingRequiredField   Reason = "MissingRequiredField"
	ReasonNoMatchingField        Reason = "NoMatchingField"
	ReasonUnsupportedField       Reason = "UnsupportedField"
	ReasonIllegalStructure       Reason = "IllegalStructure"
	ReasonValidatorRejected      Reason = "ValidatorRejected"
	ReasonInvalidFieldFormat     Reason = "InvalidFieldFormat"
	ReasonWeakPassword           Reason = "WeakPassword"
	ReasonInvalidTimeWindow      Reason = "InvalidTimeWindow"
	ReasonUnusedExtensionPresent Reason = "UnusedExtensionPresent"
	ReasonDuplicateSerialNumber  Reason = "DuplicateSerialNumber"
	ReasonNotAllowed             Reason = "NotAllowed"
	ReasonInvalidAccountBinding  Reason = "InvalidAccountBinding"
)

// ErrProfileValidation is matched by every ValidationError.
var ErrProfileValidation = errors.New("end entity profile validation failed")

// ValidationError is a caller-correctable rejection of an end entity.
// It supports errors.Is(err, ErrProfileValidation) and errors.As().
type ValidationError struct {
	Reason  Reason
	Field   string // catalog field name, if the rejection concerns one field
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%v: %s: %s: %s", ErrProfileValidation, e.Reason, e.Field, e.Message)
	}
	return fmt.Sprintf("%v: %s: %s", ErrProfileValidation, e.Reason, e.Message)
}

// Unwrap returns ErrProfileValidation.
func (e *ValidationError) Unwrap() error { return ErrProfileValidation }

// Reject creates a ValidationError.
func Reject(reason Reason, field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: reason, Field: field, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf returns the rejection reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	return "", false
}
