package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"privd/internal/privd/domain"
	"privd/internal/privd/metrics"
	perrors "privd/pkg/errors"
	"privd/pkg/logger"
	osinterface "privd/pkg/os"
)

const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultKillGrace    = 5 * time.Second
	DefaultWaitDelay    = 2 * time.Second
)

type Config struct {
	// PollInterval is how often the deadline is checked while the child runs.
	PollInterval time.Duration
	// KillGrace is how long a child gets to exit after SIGTERM before SIGKILL.
	KillGrace time.Duration
	// WaitDelay bounds output draining once the child has exited.
	WaitDelay time.Duration
}

// Request describes one supervised run. Env entries are appended to the
// supervisor's own environment. Display, when set, replaces Argv in logs
// and errors.
type Request struct {
	Argv    []string
	Display []string
	Timeout time.Duration
	Env     []string
	Dir     string
}

func (r Request) shown() []string {
	if r.Display != nil {
		return r.Display
	}
	return r.Argv
}

// TimeoutError reports a child that was still running at its deadline and
// had to be terminated. It is never used for a child that exited nonzero.
type TimeoutError struct {
	Argv    []string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out (>%s): %q", e.Timeout, e.Argv)
}

func (e *TimeoutError) Unwrap() error {
	return perrors.ErrSubprocessTimeout
}

// SpawnError reports a child that could not be started.
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %q: %v", e.Argv, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{perrors.ErrSpawnFailed, e.Err}
}

// Supervisor runs external commands to completion under a hard deadline.
type Supervisor struct {
	cfg      Config
	commands osinterface.CommandFactory
	syscall  osinterface.SyscallInterface
	logger   *logger.Logger
}

func New(cfg Config, commands osinterface.CommandFactory, sys osinterface.SyscallInterface) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = DefaultWaitDelay
	}
	if commands == nil {
		commands = &osinterface.DefaultCommandFactory{}
	}
	if sys == nil {
		sys = &osinterface.DefaultSyscall{}
	}

	return &Supervisor{
		cfg:      cfg,
		commands: commands,
		syscall:  sys,
		logger:   logger.WithField("component", "supervisor"),
	}
}

// RunAndWait runs argv and waits for it for at most timeout.
func (s *Supervisor) RunAndWait(ctx context.Context, argv []string, timeout time.Duration) (*domain.ExecutionResult, error) {
	return s.Run(ctx, Request{Argv: argv, Timeout: timeout})
}

// Run starts the child in its own process group and polls for completion.
// A nonzero exit status is returned in the result; only spawn failures,
// timeouts and cancellation are errors.
func (s *Supervisor) Run(ctx context.Context, req Request) (*domain.ExecutionResult, error) {
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", perrors.ErrInvalidArgument)
	}
	if req.Timeout <= 0 {
		return nil, fmt.Errorf("%w: every supervised command needs a positive timeout", perrors.ErrInvalidArgument)
	}

	log := s.logger.WithFields("argv", req.shown(), "timeout", req.Timeout)

	cmd := s.commands.CreateCommand(req.Argv[0], req.Argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.SetStdout(&stdout)
	cmd.SetStderr(&stderr)
	cmd.SetSysProcAttr(s.syscall.CreateProcessGroup())
	cmd.SetWaitDelay(s.cfg.WaitDelay)
	if len(req.Env) > 0 {
		cmd.SetEnv(append(os.Environ(), req.Env...))
	}
	if req.Dir != "" {
		cmd.SetDir(req.Dir)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.SupervisedRuns.WithLabelValues("spawn_error").Inc()
		log.Warn("failed to start process", "error", err)
		return nil, &SpawnError{Argv: req.shown(), Err: err}
	}

	pid := 0
	if p := cmd.Process(); p != nil {
		pid = p.Pid()
	}
	log = log.WithField("pid", pid)
	log.Debug("process started")

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	deadline := start.Add(req.Timeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// exit status wins over the deadline when both are ready
		select {
		case waitErr := <-done:
			return s.finish(log, cmd, req, waitErr, start, &stdout, &stderr)
		default:
		}

		if !time.Now().Before(deadline) {
			log.Warn("process exceeded timeout, terminating")
			s.terminate(log, pid, done)
			metrics.SupervisedRuns.WithLabelValues("timeout").Inc()
			metrics.SupervisedDuration.Observe(time.Since(start).Seconds())
			return nil, &TimeoutError{Argv: req.shown(), Timeout: req.Timeout}
		}

		select {
		case waitErr := <-done:
			return s.finish(log, cmd, req, waitErr, start, &stdout, &stderr)
		case <-ticker.C:
		case <-ctx.Done():
			log.Warn("context canceled, terminating process")
			s.terminate(log, pid, done)
			metrics.SupervisedRuns.WithLabelValues("canceled").Inc()
			return nil, fmt.Errorf("execution of %q canceled: %w", req.shown(), ctx.Err())
		}
	}
}

func (s *Supervisor) finish(
	log *logger.Logger,
	cmd osinterface.Command,
	req Request,
	waitErr error,
	start time.Time,
	stdout, stderr *bytes.Buffer,
) (*domain.ExecutionResult, error) {
	duration := time.Since(start)

	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
		case errors.Is(waitErr, exec.ErrWaitDelay):
			log.Warn("output pipes still open after exit, output may be truncated")
		default:
			metrics.SupervisedRuns.WithLabelValues("spawn_error").Inc()
			return nil, fmt.Errorf("failed waiting for %q: %w", req.shown(), waitErr)
		}
	}

	metrics.SupervisedRuns.WithLabelValues("exited").Inc()
	metrics.SupervisedDuration.Observe(duration.Seconds())

	result := &domain.ExecutionResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ExitCode(),
		Duration: duration,
	}
	log.Debug("process exited", "exitCode", result.ExitCode, "duration", duration)
	return result, nil
}

// terminate sends SIGTERM to the child's process group, escalates to
// SIGKILL after KillGrace, and waits a bounded time for the exit to be
// reaped. It returns once the child is gone or the bound is exhausted.
func (s *Supervisor) terminate(log *logger.Logger, pid int, done <-chan error) {
	if pid <= 0 {
		return
	}

	s.signalGroup(log, pid, syscall.SIGTERM)

	grace := time.NewTimer(s.cfg.KillGrace)
	defer grace.Stop()
	select {
	case <-done:
		log.Debug("process terminated gracefully")
		return
	case <-grace.C:
	}

	log.Warn("process ignored SIGTERM, sending SIGKILL", "grace", s.cfg.KillGrace)
	s.signalGroup(log, pid, syscall.SIGKILL)

	reap := time.NewTimer(s.cfg.KillGrace + s.cfg.WaitDelay)
	defer reap.Stop()
	select {
	case <-done:
		log.Debug("process killed")
	case <-reap.C:
		log.Error("process still not reaped after SIGKILL")
	}
}

func (s *Supervisor) signalGroup(log *logger.Logger, pid int, sig syscall.Signal) {
	if err := s.syscall.Kill(-pid, sig); err != nil {
		log.Debug("failed to signal process group, signalling process", "signal", sig, "error", err)
		if err := s.syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			log.Warn("failed to signal process", "signal", sig, "error", err)
		}
	}
}
