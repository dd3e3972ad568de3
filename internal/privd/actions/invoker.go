package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"privd/internal/privd/domain"
	"privd/internal/privd/metrics"
	"privd/internal/privd/supervisor"
	perrors "privd/pkg/errors"
	"privd/pkg/logger"
	osinterface "privd/pkg/os"

	"github.com/google/uuid"
)

// DefaultDir is the only directory privileged actions are ever loaded from.
// It is fixed at build time; nothing at run time can point the invoker
// somewhere else.
const DefaultDir = "/usr/share/privd/actions"

const DefaultTimeout = 5 * time.Minute

// RedactedArg stands in for the arguments of a sensitive invocation.
const RedactedArg = "<redacted>"

// names that never resolved are caller-chosen, so they share one label
const unknownActionLabel = "unknown"

var userNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]*\$?$`)

// sudo -n prints one of these on stderr instead of running the command.
var elevationRefusals = [][]byte{
	[]byte("a password is required"),
	[]byte("a terminal is required"),
	[]byte("is not in the sudoers file"),
	[]byte("is not allowed to execute"),
	[]byte("unknown user"),
}

// Runner executes a fully built argv under a deadline.
type Runner interface {
	Run(ctx context.Context, req supervisor.Request) (*domain.ExecutionResult, error)
}

// Journal persists one record per invocation.
type Journal interface {
	Record(ctx context.Context, entry *domain.JournalEntry) error
}

// ElevationError means the action never ran because privileges could not
// be obtained. It is distinct from the action's own nonzero exit.
type ElevationError struct {
	Argv   []string
	Stderr string
	Err    error
}

func (e *ElevationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("privilege elevation failed for %q: %v", e.Argv, e.Err)
	}
	return fmt.Sprintf("privilege elevation failed for %q: %s", e.Argv, bytes.TrimSpace([]byte(e.Stderr)))
}

func (e *ElevationError) Unwrap() []error {
	if e.Err != nil {
		return []error{perrors.ErrElevationFailed, e.Err}
	}
	return []error{perrors.ErrElevationFailed}
}

// Invocation is a single request to run an action. User, when set, runs
// the action as that account instead of root. Timeout zero means the
// invoker's default. Sensitive keeps Args out of logs, errors and the
// journal.
type Invocation struct {
	Action    string
	Args      []string
	User      string
	Timeout   time.Duration
	Sensitive bool
}

func (inv Invocation) loggedArgs(args []string) []string {
	if inv.Sensitive && len(args) > 0 {
		return []string{RedactedArg}
	}
	return args
}

type Option func(*Invoker)

// WithElevation replaces the elevation prefix. An empty prefix runs the
// action with the invoker's own privileges.
func WithElevation(prefix ...string) Option {
	return func(i *Invoker) {
		i.elevation = append([]string(nil), prefix...)
	}
}

func WithTimeout(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.timeout = d
		}
	}
}

func WithJournal(j Journal) Option {
	return func(i *Invoker) {
		i.journal = j
	}
}

// Invoker runs whitelisted executables from a single actions directory.
type Invoker struct {
	dir         string
	resolvedDir string
	elevation   []string
	timeout     time.Duration
	runner      Runner
	journal     Journal
	logger      *logger.Logger
}

// DefaultElevation returns the non-interactive sudo prefix, or nothing when
// the current process is already root.
func DefaultElevation(sys osinterface.SyscallInterface) []string {
	if sys == nil {
		sys = &osinterface.DefaultSyscall{}
	}
	if sys.Geteuid() == 0 {
		return nil
	}
	return []string{"sudo", "-n", "--"}
}

// New creates an invoker bound to dir for its whole lifetime.
func New(dir string, runner Runner, opts ...Option) (*Invoker, error) {
	if runner == nil {
		return nil, errors.New("invoker requires a runner")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve actions directory %s: %w", dir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// the directory may appear later; every lookup fails until it does
		resolved = abs
	}

	i := &Invoker{
		dir:         abs,
		resolvedDir: resolved,
		elevation:   DefaultElevation(nil),
		timeout:     DefaultTimeout,
		runner:      runner,
		logger:      logger.WithFields("component", "actions", "dir", abs),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func (i *Invoker) Dir() string {
	return i.dir
}

// Invoke runs action with args as root.
func (i *Invoker) Invoke(ctx context.Context, action string, args ...string) (*domain.ExecutionResult, error) {
	return i.Run(ctx, Invocation{Action: action, Args: args})
}

// InvokeAs runs action with args as user.
func (i *Invoker) InvokeAs(ctx context.Context, user, action string, args ...string) (*domain.ExecutionResult, error) {
	return i.Run(ctx, Invocation{Action: action, Args: args, User: user})
}

// Run validates the invocation, resolves the action inside the actions
// directory and executes it through the runner. The action's exit code is
// returned as part of the result; use ExecutionResult.Check to treat a
// nonzero exit as an error.
func (i *Invoker) Run(ctx context.Context, inv Invocation) (*domain.ExecutionResult, error) {
	entry := &domain.JournalEntry{
		ID:        uuid.NewString(),
		Action:    inv.Action,
		Args:      inv.loggedArgs(inv.Args),
		User:      inv.User,
		ExitCode:  -1,
		StartedAt: time.Now(),
	}
	log := i.logger.WithField("action", inv.Action)

	desc, err := domain.NewActionDescriptor(inv.Action, inv.Args)
	if err != nil {
		log.Warn("rejected privileged action", "error", err)
		i.finish(ctx, entry, unknownActionLabel, domain.OutcomeRejected, nil, err)
		return nil, err
	}

	elevation, err := i.elevationFor(inv.User)
	if err != nil {
		log.Warn("rejected privileged action", "user", inv.User, "error", err)
		i.finish(ctx, entry, unknownActionLabel, domain.OutcomeRejected, nil, err)
		return nil, err
	}

	path, err := i.resolve(desc.Name)
	if err != nil {
		log.Warn("privileged action not found", "error", err)
		i.finish(ctx, entry, unknownActionLabel, domain.OutcomeNotFound, nil, err)
		return nil, err
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = i.timeout
	}

	argv := make([]string, 0, len(elevation)+1+len(desc.Args))
	argv = append(argv, elevation...)
	argv = append(argv, path)
	argv = append(argv, desc.Args...)

	req := supervisor.Request{Argv: argv, Timeout: timeout}
	if inv.Sensitive {
		display := append([]string(nil), argv[:len(argv)-len(desc.Args)]...)
		req.Display = append(display, inv.loggedArgs(desc.Args)...)
	}

	log.Info("executing privileged action", "args", inv.loggedArgs(desc.Args), "user", inv.User)

	result, err := i.runner.Run(ctx, req)
	err = i.classify(req, elevation, result, err)

	switch {
	case err == nil && result.Success():
		i.finish(ctx, entry, desc.Name, domain.OutcomeOK, result, nil)
	case err == nil:
		log.Debug("privileged action exited nonzero", "exitCode", result.ExitCode)
		i.finish(ctx, entry, desc.Name, domain.OutcomeNonzero, result, nil)
	case errors.Is(err, perrors.ErrElevationFailed):
		log.Error("privilege elevation failed", "error", err)
		i.finish(ctx, entry, desc.Name, domain.OutcomeElevationFailed, nil, err)
	case errors.Is(err, perrors.ErrSubprocessTimeout):
		log.Warn("privileged action timed out", "timeout", timeout)
		i.finish(ctx, entry, desc.Name, domain.OutcomeTimeout, nil, err)
	default:
		log.Error("privileged action failed", "error", err)
		i.finish(ctx, entry, desc.Name, domain.OutcomeError, nil, err)
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (i *Invoker) elevationFor(user string) ([]string, error) {
	if user == "" {
		return i.elevation, nil
	}
	if !userNamePattern.MatchString(user) {
		return nil, fmt.Errorf("%w: invalid user name %q", perrors.ErrInvalidArgument, user)
	}
	return []string{"sudo", "-n", "-u", user, "--"}, nil
}

// resolve maps name to an executable regular file that sits directly in
// the actions directory once all symlinks are followed.
func (i *Invoker) resolve(name string) (string, error) {
	candidate := filepath.Join(i.dir, name)

	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %s", perrors.ErrActionNotFound, name)
	}
	if filepath.Dir(resolved) != i.resolvedDir {
		return "", fmt.Errorf("%w: %s resolves outside %s", perrors.ErrActionNotFound, name, i.dir)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s", perrors.ErrActionNotFound, name)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", perrors.ErrActionNotFound, name)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%w: %s is not executable", perrors.ErrActionNotFound, name)
	}

	return resolved, nil
}

// classify separates elevation failures from the action's own result.
func (i *Invoker) classify(req supervisor.Request, elevation []string, result *domain.ExecutionResult, err error) error {
	if len(elevation) == 0 {
		return err
	}

	if err != nil {
		if errors.Is(err, perrors.ErrSpawnFailed) {
			// the first argv element is the elevation binary
			return &ElevationError{Argv: shownArgv(req), Err: err}
		}
		return err
	}

	if result.ExitCode != 0 && filepath.Base(elevation[0]) == "sudo" && refusedBySudo(result) {
		return &ElevationError{Argv: shownArgv(req), Stderr: string(result.Stderr)}
	}
	return nil
}

func shownArgv(req supervisor.Request) []string {
	if req.Display != nil {
		return req.Display
	}
	return req.Argv
}

// refusedBySudo reports whether sudo itself declined to start the action:
// nothing on stdout and sudo's refusal as the first stderr line. Output a
// running action relays from a nested sudo does not count.
func refusedBySudo(result *domain.ExecutionResult) bool {
	if len(bytes.TrimSpace(result.Stdout)) > 0 {
		return false
	}
	first, _, _ := bytes.Cut(bytes.TrimLeft(result.Stderr, "\n"), []byte("\n"))
	if !bytes.HasPrefix(first, []byte("sudo: ")) {
		return false
	}
	for _, marker := range elevationRefusals {
		if bytes.Contains(first, marker) {
			return true
		}
	}
	return false
}

func (i *Invoker) finish(ctx context.Context, entry *domain.JournalEntry, label, outcome string, result *domain.ExecutionResult, err error) {
	metrics.ActionInvocations.WithLabelValues(label, outcome).Inc()

	if i.journal == nil {
		return
	}

	entry.Outcome = outcome
	entry.FinishedAt = time.Now()
	if result != nil {
		entry.ExitCode = result.ExitCode
	}
	if err != nil {
		entry.Error = err.Error()
	}

	// the caller's cancellation must not drop the audit record
	if jerr := i.journal.Record(context.WithoutCancel(ctx), entry); jerr != nil {
		i.logger.Warn("failed to journal privileged action", "action", entry.Action, "error", jerr)
	}
}
