package errors

import "errors"

// Validation and authorization failures. These are never retried and always
// propagate to the caller.
var (
	ErrInvalidActionName   = errors.New("invalid action name")
	ErrActionNotFound      = errors.New("action not found in actions directory")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrUnauthorizedService = errors.New("service is not managed by any loaded app")
	ErrUnmanagedPackage    = errors.New("package is not managed by app")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrUnknownCommand      = errors.New("unknown command")
)

// Execution failures. A nonzero exit code from an action is not an error;
// these mean the action could not run to completion at all.
var (
	ErrElevationFailed   = errors.New("privilege elevation failed")
	ErrSpawnFailed       = errors.New("failed to start process")
	ErrSubprocessTimeout = errors.New("subprocess timed out")
	ErrActionFailed      = errors.New("action exited with nonzero status")
)

var ErrLockTimeout = errors.New("timed out acquiring lock")
