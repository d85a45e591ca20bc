package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportNotFound indicates the monkey executable does not exist.
	ErrTransportNotFound = errors.New("monkey executable not found")
	// ErrTransportBroken indicates writes to the monkey's stdin failed.
	ErrTransportBroken = errors.New("monkey transport broken")
	// ErrUnexpectedExit indicates the monkey exited with a non-zero status.
	ErrUnexpectedExit = errors.New("unexpected exit of monkey process")
	// ErrProtocolViolation indicates a malformed or unroutable protocol line.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrDecodeFailure indicates a line was not valid UTF-8.
	ErrDecodeFailure = errors.New("unicode decode error")
	// ErrSessionDead indicates the session is dead and nothing is left to deliver.
	ErrSessionDead = errors.New("monkey session is dead")
	// ErrLoginClosed indicates an action on a destroyed login window.
	ErrLoginClosed = errors.New("login window is closed")
	// ErrWindowDestroyed indicates an action on a destroyed browser window.
	ErrWindowDestroyed = errors.New("browser window is destroyed")
	// ErrNoPredicate indicates a log query without any predicate.
	ErrNoPredicate = errors.New("no predicate given")
)

// ExitError reports an abnormal exit of the monkey.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	if e == nil {
		return ErrUnexpectedExit.Error()
	}
	return fmt.Sprintf("%s with code %d", ErrUnexpectedExit, e.Code)
}

func (e *ExitError) Unwrap() error {
	return ErrUnexpectedExit
}

// ProtocolError describes a protocol line that could not be handled.
type ProtocolError struct {
	Line   string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ErrProtocolViolation.Error()
	}
	if e.Line == "" {
		return fmt.Sprintf("%s: %s", ErrProtocolViolation, e.Reason)
	}
	return fmt.Sprintf("%s: %s (line %q)", ErrProtocolViolation, e.Reason, e.Line)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocolViolation
}
