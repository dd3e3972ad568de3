package server

import (
	"context"
	"errors"

	"privd/internal/privd/postconf"
	perrors "privd/pkg/errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// codeFor maps the error taxonomy onto gRPC status codes.
func codeFor(err error) codes.Code {
	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		return s.Code()
	}

	switch {
	case errors.Is(err, perrors.ErrInvalidActionName),
		errors.Is(err, perrors.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, perrors.ErrActionNotFound),
		errors.Is(err, postconf.ErrUnknownKey):
		return codes.NotFound
	case errors.Is(err, perrors.ErrUnauthorizedService),
		errors.Is(err, perrors.ErrUnmanagedPackage):
		return codes.PermissionDenied
	case errors.Is(err, perrors.ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.Is(err, errTooManyAttempts):
		return codes.ResourceExhausted
	case errors.Is(err, perrors.ErrSubprocessTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, perrors.ErrElevationFailed):
		return codes.FailedPrecondition
	case errors.Is(err, perrors.ErrActionFailed):
		return codes.Aborted
	case errors.Is(err, perrors.ErrLockTimeout):
		return codes.Unavailable
	case errors.Is(err, perrors.ErrUnknownCommand):
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeFor(err), err.Error())
}
