package command

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCommand is wrapped by a ValidationError for unsupported command types.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrNoConnection is reported when the watchdog fires before the
	// accessory confirmed the exchange.
	ErrNoConnection = errors.New("could not establish connection")
)

// ValidationError reports malformed or missing command input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "validation: "
	if e.Field != "" {
		msg += e.Field + ": "
	}
	msg += e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TransportError reports a connect, timeout or characteristic failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RetryExhaustedError wraps the last attempt's error once every retry has
// been used.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("out of retries after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }
