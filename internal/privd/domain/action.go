package domain

import (
	"fmt"
	"os"
	"strings"

	perrors "privd/pkg/errors"
)

const (
	MaxArguments      = 100
	MaxArgumentLength = 4096
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
	kind    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s",
		e.Field, e.Value, e.Message)
}

// Unwrap exposes the taxonomy sentinel so callers can use errors.Is.
func (e *ValidationError) Unwrap() error {
	return e.kind
}

func newValidationError(kind error, field string, value interface{}, message string) error {
	return &ValidationError{Field: field, Value: value, Message: message, kind: kind}
}

// ActionDescriptor names one action and the literal argv elements passed to
// it. It is built per invocation and never persisted.
type ActionDescriptor struct {
	Name string
	Args []string
}

// NewActionDescriptor validates name and args. The name must be a bare file
// name: anything that could address another directory is rejected here,
// before the actions directory is consulted at all.
func NewActionDescriptor(name string, args []string) (*ActionDescriptor, error) {
	if err := ValidateActionName(name); err != nil {
		return nil, err
	}
	if err := ValidateArguments(args); err != nil {
		return nil, err
	}

	copied := make([]string, len(args))
	copy(copied, args)
	return &ActionDescriptor{Name: name, Args: copied}, nil
}

func ValidateActionName(name string) error {
	if name == "" {
		return newValidationError(perrors.ErrInvalidActionName, "action", name, "action name cannot be empty")
	}
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, os.PathSeparator) {
		return newValidationError(perrors.ErrInvalidActionName, "action", name,
			fmt.Sprintf("action name cannot contain %q", os.PathSeparator))
	}
	if strings.ContainsRune(name, 0) {
		return newValidationError(perrors.ErrInvalidActionName, "action", name, "action name contains null bytes")
	}
	return nil
}

// ValidateArguments checks argument count and size. Content is otherwise
// opaque: shell metacharacters are legal because no shell ever sees them.
func ValidateArguments(args []string) error {
	if len(args) > MaxArguments {
		return newValidationError(perrors.ErrInvalidArgument, "args", len(args),
			fmt.Sprintf("too many arguments (max %d)", MaxArguments))
	}

	for i, arg := range args {
		if len(arg) > MaxArgumentLength {
			return newValidationError(perrors.ErrInvalidArgument, "args", fmt.Sprintf("arg[%d]", i),
				fmt.Sprintf("argument too long (max %d bytes)", MaxArgumentLength))
		}
		if strings.ContainsRune(arg, 0) {
			return newValidationError(perrors.ErrInvalidArgument, "args", fmt.Sprintf("arg[%d]", i),
				"argument contains null bytes")
		}
	}

	return nil
}

func (d *ActionDescriptor) String() string {
	return fmt.Sprintf("%s %q", d.Name, d.Args)
}
