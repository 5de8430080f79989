package canlink

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the error class reported to the Decoder.
type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	ErrorKindTimeout
	ErrorKindTransmit
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindTransmit:
		return "transmit"
	default:
		return "unknown"
	}
}

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var u unrecoverableError
	return !errors.As(err, &u)
}

var (
	ErrNoDriver          = errors.New("no interface driver active")
	ErrUnknownDriver     = errors.New("unknown interface driver")
	ErrNotConnected      = errors.New("interface not connected")
	ErrTransmit          = errors.New("transmit failed")
	ErrTimeout           = errors.New("request timeout")
	ErrMalformedResponse = errors.New("malformed response")
	ErrPayloadTooLong    = errors.New("payload longer than 8 bytes")
)

type TimeoutError struct {
	Timeout int64
	Frames  []uint32
	Type    string
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s timeout (%dms)", e.Type, e.Timeout)
	if len(e.Frames) == 0 {
		return msg
	}
	ids := make([]string, len(e.Frames))
	for i, id := range e.Frames {
		ids[i] = fmt.Sprintf("0x%03X", id)
	}
	return msg + " for frame " + strings.Join(ids, ", ")
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
