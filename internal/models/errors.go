package models

import "errors"

// Sentinel errors raised by the storage layer and matching engine.
// The API layer maps these to HTTP status codes.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInstrumentNotFound = errors.New("instrument not found")
	ErrInstrumentExists   = errors.New("instrument already exists")
	ErrOrderNotFound      = errors.New("order not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrNotCancellable     = errors.New("order cannot be cancelled")
	ErrInvalidToken       = errors.New("invalid token")
)

// ValidationError reports malformed input rejected before it reaches
// the engine.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validation builds a ValidationError.
func Validation(msg string) error {
	return &ValidationError{Message: msg}
}
