package extension

import (
	"context"
	"errors"
)

// Error taxonomy of the runtime. Errors returned by the runtime and by
// resolvers wrap one of these so callers can test them with errors.Is.
var (
	// ErrConfiguration reports missing or invalid settings at Init. Fatal
	// for the extension instance.
	ErrConfiguration = errors.New("extension: invalid configuration")
	// ErrCommunication reports a failed round trip to the host or to an
	// external data provider (transport failure, timeout, malformed reply).
	ErrCommunication = errors.New("extension: communication failure")
	// ErrInvalidValue reports a value that a symbol handler or a config
	// validator refuses to work with.
	ErrInvalidValue = errors.New("extension: invalid value")
	// ErrFunctionFailed is returned by handlers that fail on purpose.
	ErrFunctionFailed = errors.New("extension: function failed")

	ErrNotInitialized = errors.New("extension: runtime not initialized")
	ErrNotServing     = errors.New("extension: runtime not serving")
	ErrInvalidState   = errors.New("extension: invalid runtime state")
	ErrTerminated     = errors.New("extension: runtime terminated")
)

// ResultCode is the per-command result reported back to the host.
type ResultCode uint32

const (
	Success ResultCode = iota
	InternalError
	FunctionFailed
	RateLimited
	HostUnavailable
	InvalidValue
)

var resultCodeNames = map[ResultCode]string{
	Success:         "SUCCESS",
	InternalError:   "INTERNAL_ERROR",
	FunctionFailed:  "FUNCTION_FAILED",
	RateLimited:     "RATE_LIMITED",
	HostUnavailable: "HOST_UNAVAILABLE",
	InvalidValue:    "INVALID_VALUE",
}

func (c ResultCode) String() string {
	if name, ok := resultCodeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// ResultCodeOf maps an error to the result code a command is answered with.
func ResultCodeOf(err error) ResultCode {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrInvalidValue):
		return InvalidValue
	case errors.Is(err, ErrFunctionFailed):
		return FunctionFailed
	case errors.Is(err, ErrCommunication),
		errors.Is(err, context.DeadlineExceeded):
		return HostUnavailable
	default:
		return InternalError
	}
}
