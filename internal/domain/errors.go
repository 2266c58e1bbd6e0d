// Package domain defines the core data model and the interfaces through
// which the execution engine, safety monitor, and auto-exit manager talk to
// the exchange, the database, and the caches. It has no dependencies on any
// other internal package.
package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrCircuitOpen is returned when the circuit breaker rejects a call
	// without invoking the operation. It signals backpressure, not a
	// request failure, and must never be retried by the caller.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrQueueFull is returned when the rate limiter's waiter queue is at
	// capacity. Like ErrCircuitOpen it is an immediate rejection.
	ErrQueueFull = errors.New("rate limiter queue full")

	// ErrTradingHalted is returned by the execution runner after an
	// emergency response has stopped trading.
	ErrTradingHalted = errors.New("trading halted")
)

// ErrorKind categorizes an exchange transport failure. Kinds are assigned at
// the transport boundary from status codes and dial/timeout errors, so the
// retry classifier never has to inspect message text.
type ErrorKind string

const (
	ErrKindRateLimit      ErrorKind = "rate_limit"
	ErrKindServer         ErrorKind = "server"
	ErrKindTimeout        ErrorKind = "timeout"
	ErrKindAuthentication ErrorKind = "authentication"
	ErrKindClient         ErrorKind = "client"
	ErrKindNetwork        ErrorKind = "network"
)

// ExchangeError is a typed failure produced by the exchange gateway.
type ExchangeError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	// RetryAfter carries the exchange's Retry-After hint for rate-limit
	// responses; zero when the exchange did not provide one.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *ExchangeError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("exchange: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("exchange: %s: %s", e.Kind, e.Message)
}

// NewExchangeError builds an ExchangeError with the given kind and message.
func NewExchangeError(kind ErrorKind, status int, message string) *ExchangeError {
	return &ExchangeError{Kind: kind, StatusCode: status, Message: message}
}

// AsExchangeError unwraps err into an *ExchangeError if one is present in
// the chain.
func AsExchangeError(err error) (*ExchangeError, bool) {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
