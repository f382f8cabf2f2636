package services

import "fmt"

// GatewayError kinds. Callers branch on these: initiation errors surface to
// the client, query-path errors degrade to PENDING.
const (
	ErrKindUnreachable        = "UNREACHABLE"
	ErrKindRejected           = "REJECTED"
	ErrKindInvalidCredentials = "INVALID_CREDENTIALS"
	ErrKindNotFound           = "NOT_FOUND"
	ErrKindMalformed          = "MALFORMED"
)

// ValidationError is a bad-input rejection raised before any remote call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func newValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// GatewayError is a failure talking to the Daraja API. NOT_FOUND means the
// provider has no record of the checkout request yet, which is not the same
// thing as the payment still being pending.
type GatewayError struct {
	Kind    string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("mpesa gateway error (%s): %s", e.Kind, e.Message)
}
