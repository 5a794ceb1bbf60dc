package hostconn

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/toolink/exthost/extension"
)

// toStatus maps runtime errors to gRPC status errors.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, extension.ErrConfiguration),
		errors.Is(err, extension.ErrInvalidValue):
		return codes.InvalidArgument
	case errors.Is(err, extension.ErrNotInitialized),
		errors.Is(err, extension.ErrNotServing),
		errors.Is(err, extension.ErrInvalidState),
		errors.Is(err, extension.ErrTerminated):
		return codes.FailedPrecondition
	case errors.Is(err, extension.ErrCommunication):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
