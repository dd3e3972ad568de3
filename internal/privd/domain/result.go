package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	perrors "privd/pkg/errors"
)

// ExecutionResult is what a finished child left behind. Whether a nonzero
// exit is a failure is the caller's decision.
type ExecutionResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

func (r *ExecutionResult) Success() bool {
	return r.ExitCode == 0
}

// Bool interprets single-line boolean output. Legacy actions print the
// literal tokens True/False; newer ones print JSON true/false.
func (r *ExecutionResult) Bool() (bool, error) {
	switch string(bytes.TrimSpace(r.Stdout)) {
	case "True", "true":
		return true, nil
	case "False", "false":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected boolean output %q", truncate(r.Stdout, 64))
	}
}

// DecodeJSON unmarshals a structured stdout payload.
func (r *ExecutionResult) DecodeJSON(v interface{}) error {
	if err := json.Unmarshal(r.Stdout, v); err != nil {
		return fmt.Errorf("failed to decode action output: %w", err)
	}
	return nil
}

// Check converts a nonzero exit into an *ActionError.
func (r *ExecutionResult) Check(action string) error {
	if r.Success() {
		return nil
	}
	return &ActionError{
		Action:   action,
		ExitCode: r.ExitCode,
		Stdout:   string(r.Stdout),
		Stderr:   string(r.Stderr),
	}
}

// ActionError reports an action that ran and exited nonzero.
type ActionError struct {
	Action   string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s exited with status %d: %s", e.Action, e.ExitCode, truncate([]byte(e.Stderr), 512))
}

func (e *ActionError) Unwrap() error {
	return perrors.ErrActionFailed
}

func truncate(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
