package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privd/internal/privd/actions"
	"privd/internal/privd/domain"
	"privd/internal/privd/registry"
	"privd/internal/privd/supervisor"
	perrors "privd/pkg/errors"
)

func newTorRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	require.NoError(t, r.Register(&registry.App{
		ID:      "tor",
		Daemons: []registry.Daemon{{ID: "tor-daemon", Unit: "tor@plinth", Alias: "tor"}},
	}))
	return r
}

func TestController_EveryOperationIsGuarded(t *testing.T) {
	exec := &fakeExecutor{}
	c := NewController(newTorRegistry(t), exec)
	ctx := context.Background()

	calls := map[Operation]func() error{
		OpStart:              func() error { return c.Start(ctx, "cron") },
		OpStop:               func() error { return c.Stop(ctx, "cron") },
		OpEnable:             func() error { return c.Enable(ctx, "cron") },
		OpDisable:            func() error { return c.Disable(ctx, "cron") },
		OpRestart:            func() error { return c.Restart(ctx, "cron") },
		OpTryRestart:         func() error { return c.TryRestart(ctx, "cron") },
		OpReload:             func() error { return c.Reload(ctx, "cron") },
		OpTryReloadOrRestart: func() error { return c.TryReloadOrRestart(ctx, "cron") },
		OpMask:               func() error { return c.Mask(ctx, "cron") },
		OpUnmask:             func() error { return c.Unmask(ctx, "cron") },
		OpIsEnabled:          func() error { _, err := c.IsEnabled(ctx, "cron"); return err },
		OpIsRunning:          func() error { _, err := c.IsRunning(ctx, "cron"); return err },
		OpStatus:             func() error { _, err := c.Status(ctx, "cron"); return err },
	}
	require.Len(t, calls, len(Operations))

	for op, call := range calls {
		err := call()
		assert.True(t, errors.Is(err, perrors.ErrUnauthorizedService), "op %s: got %v", op, err)
	}
	assert.Empty(t, exec.calls(), "no operation may reach the executor for an unmanaged unit")
}

func TestController_ManagedUnit(t *testing.T) {
	exec := &fakeExecutor{}
	c := NewController(newTorRegistry(t), exec)
	ctx := context.Background()

	require.NoError(t, c.Restart(ctx, "tor"))
	require.NoError(t, c.Start(ctx, "tor@plinth"))
	assert.Equal(t, []string{"restart tor", "start tor@plinth"}, exec.calls())
}

func TestController_NonzeroExitIsActionError(t *testing.T) {
	exec := &fakeExecutor{result: &domain.ExecutionResult{ExitCode: 5, Stderr: []byte("Unit tor.service not loaded.")}}
	c := NewController(newTorRegistry(t), exec)

	err := c.Start(context.Background(), "tor")
	assert.True(t, errors.Is(err, perrors.ErrActionFailed))
}

func TestController_Queries(t *testing.T) {
	c := NewController(newTorRegistry(t), &fakeExecutor{result: &domain.ExecutionResult{ExitCode: 0}})
	running, err := c.IsRunning(context.Background(), "tor")
	require.NoError(t, err)
	assert.True(t, running)

	c = NewController(newTorRegistry(t), &fakeExecutor{result: &domain.ExecutionResult{ExitCode: 3}})
	running, err = c.IsRunning(context.Background(), "tor")
	require.NoError(t, err)
	assert.False(t, running)

	// legacy actions answer with a literal token
	c = NewController(newTorRegistry(t), &fakeExecutor{result: &domain.ExecutionResult{Stdout: []byte("False\n")}})
	enabled, err := c.IsEnabled(context.Background(), "tor")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestController_SetDefaultTarget(t *testing.T) {
	exec := &fakeExecutor{}
	c := NewController(newTorRegistry(t), exec)

	require.NoError(t, c.SetDefaultTarget(context.Background(), "multi-user.target"))
	err := c.SetDefaultTarget(context.Background(), "rescue.target")
	assert.True(t, errors.Is(err, perrors.ErrInvalidArgument))

	assert.Equal(t, []string{"set-default multi-user.target"}, exec.calls())
}

func TestSystemctlExecutor_EnableAlsoStarts(t *testing.T) {
	runner := &recordingRunner{}
	e := NewSystemctlExecutor(runner, 0)

	_, err := e.Execute(context.Background(), OpEnable, "tor@plinth")
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), OpDisable, "tor@plinth")
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), OpIsRunning, "tor@plinth")
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"systemctl", "enable", "--", "tor@plinth"},
		{"systemctl", "start", "--", "tor@plinth"},
		{"systemctl", "stop", "--", "tor@plinth"},
		{"systemctl", "disable", "--", "tor@plinth"},
		{"systemctl", "is-active", "--", "tor@plinth"},
	}, runner.argvs)
	assert.Equal(t, DefaultTimeout, runner.timeouts[0])
}

func TestSystemctlExecutor_FailedEnableDoesNotStart(t *testing.T) {
	runner := &recordingRunner{exitCode: 1}
	e := NewSystemctlExecutor(runner, 0)

	result, err := e.Execute(context.Background(), OpEnable, "tor")
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.Len(t, runner.argvs, 1)
}

func TestActionExecutor_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	script := "#!/bin/sh\nprintf '%s %s\\n' \"$1\" \"$2\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "service"), []byte(script), 0755))

	inv, err := actions.New(dir, supervisor.New(supervisor.Config{}, nil, nil), actions.WithElevation())
	require.NoError(t, err)
	c := NewController(newTorRegistry(t), NewActionExecutor(inv))

	result, err := c.Status(context.Background(), "tor")
	require.NoError(t, err)
	assert.Equal(t, "status tor\n", string(result.Stdout))

	_, err = c.Status(context.Background(), "cron")
	assert.True(t, errors.Is(err, perrors.ErrUnauthorizedService))
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation("try_reload_or_restart")
	require.NoError(t, err)
	assert.Equal(t, OpTryReloadOrRestart, op)

	op, err = ParseOperation("is-enabled")
	require.NoError(t, err)
	assert.True(t, op.Query())

	_, err = ParseOperation("kill")
	assert.True(t, errors.Is(err, perrors.ErrInvalidArgument))
}

// Helper types

type fakeExecutor struct {
	mu     sync.Mutex
	log    []string
	result *domain.ExecutionResult
}

func (f *fakeExecutor) record(s string) *domain.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, s)
	if f.result != nil {
		return f.result
	}
	return &domain.ExecutionResult{}
}

func (f *fakeExecutor) Execute(ctx context.Context, op Operation, unit string) (*domain.ExecutionResult, error) {
	return f.record(string(op) + " " + unit), nil
}

func (f *fakeExecutor) SetDefault(ctx context.Context, target string) (*domain.ExecutionResult, error) {
	return f.record("set-default " + target), nil
}

func (f *fakeExecutor) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

type recordingRunner struct {
	argvs    [][]string
	timeouts []time.Duration
	exitCode int
}

func (r *recordingRunner) Run(ctx context.Context, req supervisor.Request) (*domain.ExecutionResult, error) {
	r.argvs = append(r.argvs, req.Argv)
	r.timeouts = append(r.timeouts, req.Timeout)
	return &domain.ExecutionResult{ExitCode: r.exitCode}, nil
}
