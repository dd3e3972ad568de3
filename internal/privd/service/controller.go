package service

import (
	"context"
	"fmt"

	"privd/internal/privd/domain"
	perrors "privd/pkg/errors"
	"privd/pkg/logger"
)

// Guard decides whether a unit may be controlled at all.
type Guard interface {
	AssertServiceIsManaged(name string) error
}

// Controller runs unit operations. Every operation asks the guard first
// and does nothing if the unit is not managed.
type Controller struct {
	guard  Guard
	exec   Executor
	logger *logger.Logger
}

func NewController(guard Guard, exec Executor) *Controller {
	return &Controller{
		guard:  guard,
		exec:   exec,
		logger: logger.WithField("component", "service"),
	}
}

// Do runs op on unit and returns the raw result. A nonzero exit is not an
// error here.
func (c *Controller) Do(ctx context.Context, op Operation, unit string) (*domain.ExecutionResult, error) {
	if err := c.guard.AssertServiceIsManaged(unit); err != nil {
		return nil, err
	}

	c.logger.Info("service operation", "op", string(op), "unit", unit)
	result, err := c.exec.Execute(ctx, op, unit)
	if err != nil {
		return nil, fmt.Errorf("service %s %s: %w", op, unit, err)
	}
	return result, nil
}

func (c *Controller) change(ctx context.Context, op Operation, unit string) error {
	result, err := c.Do(ctx, op, unit)
	if err != nil {
		return err
	}
	return result.Check(fmt.Sprintf("service %s %s", op, unit))
}

func (c *Controller) Start(ctx context.Context, unit string) error {
	return c.change(ctx, OpStart, unit)
}

func (c *Controller) Stop(ctx context.Context, unit string) error {
	return c.change(ctx, OpStop, unit)
}

func (c *Controller) Enable(ctx context.Context, unit string) error {
	return c.change(ctx, OpEnable, unit)
}

func (c *Controller) Disable(ctx context.Context, unit string) error {
	return c.change(ctx, OpDisable, unit)
}

func (c *Controller) Restart(ctx context.Context, unit string) error {
	return c.change(ctx, OpRestart, unit)
}

// TryRestart restarts unit only if it is running.
func (c *Controller) TryRestart(ctx context.Context, unit string) error {
	return c.change(ctx, OpTryRestart, unit)
}

func (c *Controller) Reload(ctx context.Context, unit string) error {
	return c.change(ctx, OpReload, unit)
}

// TryReloadOrRestart reloads unit if it supports reloading and restarts it
// otherwise. A stopped unit is left alone.
func (c *Controller) TryReloadOrRestart(ctx context.Context, unit string) error {
	return c.change(ctx, OpTryReloadOrRestart, unit)
}

func (c *Controller) Mask(ctx context.Context, unit string) error {
	return c.change(ctx, OpMask, unit)
}

func (c *Controller) Unmask(ctx context.Context, unit string) error {
	return c.change(ctx, OpUnmask, unit)
}

func (c *Controller) IsEnabled(ctx context.Context, unit string) (bool, error) {
	return c.query(ctx, OpIsEnabled, unit)
}

func (c *Controller) IsRunning(ctx context.Context, unit string) (bool, error) {
	return c.query(ctx, OpIsRunning, unit)
}

func (c *Controller) Status(ctx context.Context, unit string) (*domain.ExecutionResult, error) {
	return c.Do(ctx, OpStatus, unit)
}

// query answers from a legacy True/False line when the executor prints one
// and from the exit status otherwise.
func (c *Controller) query(ctx context.Context, op Operation, unit string) (bool, error) {
	result, err := c.Do(ctx, op, unit)
	if err != nil {
		return false, err
	}
	if v, err := result.Bool(); err == nil {
		return v, nil
	}
	return result.Success(), nil
}

// SetDefaultTarget selects the boot target. Only the graphical and
// multi-user targets are accepted.
func (c *Controller) SetDefaultTarget(ctx context.Context, target string) error {
	if !allowedTargets[target] {
		return fmt.Errorf("%w: invalid target %q", perrors.ErrInvalidArgument, target)
	}

	c.logger.Info("setting default target", "target", target)
	result, err := c.exec.SetDefault(ctx, target)
	if err != nil {
		return fmt.Errorf("set default target %s: %w", target, err)
	}
	return result.Check("service set-default")
}
