package service

import (
	"context"
	"time"

	"privd/internal/privd/actions"
	"privd/internal/privd/domain"
	"privd/internal/privd/supervisor"
	"privd/pkg/logger"
)

const DefaultTimeout = 2 * time.Minute

// Executor carries out an already authorized operation.
type Executor interface {
	Execute(ctx context.Context, op Operation, unit string) (*domain.ExecutionResult, error)
	SetDefault(ctx context.Context, target string) (*domain.ExecutionResult, error)
}

// SystemctlExecutor talks to systemd directly. It is for code that already
// runs privileged, i.e. the daemon.
type SystemctlExecutor struct {
	runner    actions.Runner
	systemctl string
	timeout   time.Duration
	logger    *logger.Logger
}

func NewSystemctlExecutor(runner actions.Runner, timeout time.Duration) *SystemctlExecutor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SystemctlExecutor{
		runner:    runner,
		systemctl: "systemctl",
		timeout:   timeout,
		logger:    logger.WithField("component", "systemctl"),
	}
}

func (e *SystemctlExecutor) Execute(ctx context.Context, op Operation, unit string) (*domain.ExecutionResult, error) {
	switch op {
	case OpEnable:
		// enabling also starts, disabling also stops
		result, err := e.run(ctx, "enable", unit)
		if err != nil || !result.Success() {
			return result, err
		}
		return e.run(ctx, "start", unit)

	case OpDisable:
		stop, err := e.run(ctx, "stop", unit)
		if err != nil {
			return nil, err
		}
		if !stop.Success() {
			e.logger.Debug("stop before disable failed", "unit", unit, "exitCode", stop.ExitCode)
		}
		return e.run(ctx, "disable", unit)

	case OpIsRunning:
		return e.run(ctx, "is-active", unit)

	default:
		return e.run(ctx, string(op), unit)
	}
}

func (e *SystemctlExecutor) SetDefault(ctx context.Context, target string) (*domain.ExecutionResult, error) {
	return e.run(ctx, "set-default", target)
}

func (e *SystemctlExecutor) run(ctx context.Context, verb, unit string) (*domain.ExecutionResult, error) {
	return e.runner.Run(ctx, supervisor.Request{
		Argv:    []string{e.systemctl, verb, "--", unit},
		Timeout: e.timeout,
	})
}

// Invoker is the part of actions.Invoker the action executor needs.
type Invoker interface {
	Invoke(ctx context.Context, action string, args ...string) (*domain.ExecutionResult, error)
}

// ActionExecutor goes through the privileged "service" action, for callers
// that run unprivileged.
type ActionExecutor struct {
	invoker Invoker
	action  string
}

func NewActionExecutor(invoker Invoker) *ActionExecutor {
	return &ActionExecutor{invoker: invoker, action: "service"}
}

func (e *ActionExecutor) Execute(ctx context.Context, op Operation, unit string) (*domain.ExecutionResult, error) {
	return e.invoker.Invoke(ctx, e.action, string(op), unit)
}

func (e *ActionExecutor) SetDefault(ctx context.Context, target string) (*domain.ExecutionResult, error) {
	return e.invoker.Invoke(ctx, e.action, "set-default", target)
}
