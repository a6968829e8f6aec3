package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrRouteNotFound          = fmt.Errorf("route %w", ErrNotFound)
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrGatewayRejected        = errors.New("gateway rejected request")
	ErrTimeout                = errors.New("confirmation not observed within budget")
	ErrUncertain              = errors.New("outcome uncertain")
	ErrAlreadyInProgress      = errors.New("already in progress")
	ErrReconciliationMismatch = errors.New("pending records not matched by server history")

	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidPhone      = errors.New("invalid phone number")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrCancelled         = errors.New("cancelled")
)

// GatewayError carries the payment gateway's message verbatim so it can be
// shown to the user. It matches ErrGatewayRejected under errors.Is.
type GatewayError struct {
	Message string
}

func (e *GatewayError) Error() string {
	return e.Message
}

func (e *GatewayError) Is(target error) bool {
	return target == ErrGatewayRejected
}
