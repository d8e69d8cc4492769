package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

type ErrorType int

const (
	ErrDiscovery ErrorType = iota
	ErrConnection
	ErrHandshake
	ErrProtocol
	ErrPayloadIO
	ErrCapacity
	ErrCancelled
	ErrRejected
)

func (t ErrorType) String() string {
	switch t {
	case ErrDiscovery:
		return "discovery"
	case ErrConnection:
		return "connection"
	case ErrHandshake:
		return "handshake"
	case ErrProtocol:
		return "protocol-violation"
	case ErrPayloadIO:
		return "payload-io"
	case ErrCapacity:
		return "capacity"
	case ErrCancelled:
		return "cancelled"
	case ErrRejected:
		return "rejected"
	default:
		return fmt.Sprintf("error-type(%d)", int(t))
	}
}

type ErrorLevel int

const (
	INFO ErrorLevel = iota
	WARNING
	ERROR
	FATAL
)

// AppError is the single error shape surfaced to collaborators. Type selects
// the taxonomy bucket, Err keeps the underlying cause for errors.Is/As.
type AppError struct {
	Type    ErrorType
	Level   ErrorLevel
	Message string
	Time    time.Time
	Source  string
	Err     error
}

func (c *AppError) Error() string {
	if c.Err == nil {
		return fmt.Sprintf("%s: %s", c.Type, c.Message)
	}
	return fmt.Sprintf("%s: %s: %v", c.Type, c.Message, c.Err)
}

func (c *AppError) Unwrap() error {
	return c.Err
}

// Is matches another *AppError by Type only, so errors.Is(err, Kind(ErrProtocol))
// works for any message.
func (c *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Type == c.Type
}

func NewError(errtype ErrorType, level ErrorLevel, source string, msg string, uerror error) *AppError {
	return &AppError{
		Type:    errtype,
		Level:   level,
		Message: msg,
		Time:    time.Now(),
		Source:  source,
		Err:     uerror,
	}
}

// Kind returns a comparison target for errors.Is.
func Kind(t ErrorType) error {
	return &AppError{Type: t}
}

// TypeOf reports the taxonomy bucket of err. ok is false when err carries no
// AppError.
func TypeOf(err error) (ErrorType, bool) {
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Type, true
	}
	return 0, false
}

func Discovery(source, msg string, err error) *AppError {
	return NewError(ErrDiscovery, WARNING, source, msg, err)
}

func Connection(source, msg string, err error) *AppError {
	return NewError(ErrConnection, ERROR, source, msg, err)
}

func Handshake(source, msg string, err error) *AppError {
	return NewError(ErrHandshake, ERROR, source, msg, err)
}

func Protocol(source, msg string, err error) *AppError {
	return NewError(ErrProtocol, ERROR, source, msg, err)
}

func PayloadIO(source, msg string, err error) *AppError {
	return NewError(ErrPayloadIO, ERROR, source, msg, err)
}

func Capacity(source, msg string) *AppError {
	return NewError(ErrCapacity, WARNING, source, msg, nil)
}

func Cancelled(source, msg string) *AppError {
	return NewError(ErrCancelled, INFO, source, msg, nil)
}

func Rejected(source, msg string) *AppError {
	return NewError(ErrRejected, INFO, source, msg, nil)
}
