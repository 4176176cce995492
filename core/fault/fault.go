// Package fault classifies stage and session errors into the pipeline's
// failure taxonomy. Stage adapters retry transient errors, convert terminal
// errors into turn-level failures, and escalate only session-fatal errors.
package fault

import (
	"errors"
	"fmt"
)

// TransientError marks an error worth retrying within the backoff budget
// (timeouts, rate limits, flaky connections).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient stage error: %v", e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// TerminalError marks an unrecoverable stage error (auth failure, protocol
// violation). It ends the current turn but leaves the session running.
type TerminalError struct {
	Code string
	Err  error
}

func (e *TerminalError) Error() string { return fmt.Sprintf("terminal stage error: %v", e.Err) }

func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err as unrecoverable for the current turn. A nil err stays
// nil.
func Terminal(code string, err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Code: code, Err: err}
}

// SessionFatalError marks an error the session cannot survive
// (control-channel loss, resource exhaustion).
type SessionFatalError struct {
	Code string
	Err  error
}

func (e *SessionFatalError) Error() string { return fmt.Sprintf("session fatal error: %v", e.Err) }

func (e *SessionFatalError) Unwrap() error { return e.Err }

// SessionFatal wraps err as unsurvivable. A nil err stays nil.
func SessionFatal(code string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionFatalError{Code: code, Err: err}
}

func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

func IsSessionFatal(err error) bool {
	var fatal *SessionFatalError
	return errors.As(err, &fatal)
}

// CodeOf extracts the machine-readable code carried by a classified error,
// falling back to "internal" for anything unclassified.
func CodeOf(err error) string {
	var terminal *TerminalError
	if errors.As(err, &terminal) && terminal.Code != "" {
		return terminal.Code
	}
	var fatal *SessionFatalError
	if errors.As(err, &fatal) && fatal.Code != "" {
		return fatal.Code
	}
	if IsTransient(err) {
		return "transient"
	}
	return "internal"
}
