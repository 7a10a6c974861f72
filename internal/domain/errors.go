package domain

import "fmt"

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches DomainErrors by code and message so sentinel comparisons
// survive wrapping with a cause
func (e *DomainError) Is(target error) bool {
	other, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == other.Code && e.Message == other.Message
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain error codes
const (
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeForbidden   = "FORBIDDEN"
	ErrCodeConflict    = "CONFLICT"
	ErrCodeUnavailable = "UNAVAILABLE"
	ErrCodeInternal    = "INTERNAL_ERROR"
)

var (
	ErrEntryNotFound = NewDomainError(ErrCodeNotFound, "knowledge entry not found")

	ErrForbidden = NewDomainError(ErrCodeForbidden, "requester lacks access to this entry")

	// ErrVersionConflict signals an optimistic concurrency failure; the
	// caller should re-read the entry and retry the mutation.
	ErrVersionConflict = NewDomainError(ErrCodeConflict, "entry was modified concurrently")

	ErrEmbeddingUnavailable = NewDomainError(ErrCodeUnavailable, "embedding capability unreachable")
	ErrIndexUnavailable     = NewDomainError(ErrCodeUnavailable, "no consistent index snapshot available")

	ErrInvalidVoteKind = NewDomainError(ErrCodeValidation, "invalid vote kind")
)
