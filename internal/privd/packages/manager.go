package packages

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"privd/internal/privd/actions"
	"privd/internal/privd/supervisor"
	perrors "privd/pkg/errors"
	"privd/pkg/logger"
)

const (
	DefaultUpdateTimeout  = 2 * time.Minute
	DefaultInstallTimeout = 30 * time.Minute
	DefaultDpkgLock       = "/var/lib/dpkg/lock-frontend"
)

var aptEnv = []string{
	"DEBIAN_FRONTEND=noninteractive",
	"APT_LISTCHANGES_FRONTEND=none",
}

// Guard decides which packages an app may touch.
type Guard interface {
	AssertPackagesManaged(appID string, packages []string) error
}

// Locker serializes package manager runs across processes.
type Locker interface {
	LockAll(fn func() error) error
}

type Config struct {
	UpdateTimeout  time.Duration
	InstallTimeout time.Duration
	// DpkgLock is the lock file apt and dpkg take while they run.
	DpkgLock string
}

// InstallOptions mirror the apt-get knobs exposed to apps.
// ForceConfiguration is "", "old" or "new".
type InstallOptions struct {
	SkipRecommends            bool   `json:"skipRecommends,omitempty"`
	ForceConfiguration        string `json:"forceConfiguration,omitempty"`
	Reinstall                 bool   `json:"reinstall,omitempty"`
	ForceMissingConfiguration bool   `json:"forceMissingConfiguration,omitempty"`
}

func (o InstallOptions) aptArgs() ([]string, error) {
	var args []string
	if o.SkipRecommends {
		args = append(args, "--no-install-recommends")
	}
	switch o.ForceConfiguration {
	case "":
	case "old":
		args = append(args, "-o", "Dpkg::Options::=--force-confdef", "-o", "Dpkg::Options::=--force-confold")
	case "new":
		args = append(args, "-o", "Dpkg::Options::=--force-confnew")
	default:
		return nil, fmt.Errorf("%w: invalid value for force configuration %q", perrors.ErrInvalidArgument, o.ForceConfiguration)
	}
	if o.Reinstall {
		args = append(args, "--reinstall")
	}
	if o.ForceMissingConfiguration {
		args = append(args, "-o", "Dpkg::Options::=--force-confmiss")
	}
	return args, nil
}

// Manager installs and removes the packages apps declare.
type Manager struct {
	runner actions.Runner
	guard  Guard
	lock   Locker
	cfg    Config
	logger *logger.Logger
}

func NewManager(runner actions.Runner, guard Guard, lock Locker, cfg Config) *Manager {
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = DefaultUpdateTimeout
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = DefaultInstallTimeout
	}
	if cfg.DpkgLock == "" {
		cfg.DpkgLock = DefaultDpkgLock
	}
	return &Manager{
		runner: runner,
		guard:  guard,
		lock:   lock,
		cfg:    cfg,
		logger: logger.WithField("component", "packages"),
	}
}

// ValidatePackageName rejects anything apt-get could read as more than one
// package name, or as an option.
func ValidatePackageName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty package name", perrors.ErrInvalidArgument)
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("%w: package name %q looks like an option", perrors.ErrInvalidArgument, name)
	}
	if strings.IndexFunc(name, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return fmt.Errorf("%w: package name %q is not a single token", perrors.ErrInvalidArgument, name)
	}
	return nil
}

func validatePackages(packages []string) error {
	if len(packages) == 0 {
		return fmt.Errorf("%w: no packages given", perrors.ErrInvalidArgument)
	}
	for _, p := range packages {
		if err := ValidatePackageName(p); err != nil {
			return err
		}
	}
	return nil
}

// Update refreshes the package lists.
func (m *Manager) Update(ctx context.Context) error {
	return m.lock.LockAll(func() error {
		m.logger.Info("updating package lists")
		return m.apt(ctx, m.cfg.UpdateTimeout, "update")
	})
}

// Install installs packages on behalf of appID. Every package must be
// declared by the app.
func (m *Manager) Install(ctx context.Context, appID string, packages []string, opts InstallOptions) error {
	if err := validatePackages(packages); err != nil {
		return err
	}
	extra, err := opts.aptArgs()
	if err != nil {
		return err
	}
	if err := m.guard.AssertPackagesManaged(appID, packages); err != nil {
		return err
	}

	return m.lock.LockAll(func() error {
		m.logger.Info("installing packages", "app", appID, "packages", packages)
		m.recoverInterrupted(ctx)

		args := append([]string{"install"}, extra...)
		args = append(args, packages...)
		return m.apt(ctx, m.cfg.InstallTimeout, args...)
	})
}

// Remove removes packages on behalf of appID, purging configuration when
// purge is set.
func (m *Manager) Remove(ctx context.Context, appID string, packages []string, purge bool) error {
	if err := validatePackages(packages); err != nil {
		return err
	}
	if err := m.guard.AssertPackagesManaged(appID, packages); err != nil {
		return err
	}

	return m.lock.LockAll(func() error {
		m.logger.Info("removing packages", "app", appID, "packages", packages, "purge", purge)
		m.recoverInterrupted(ctx)

		args := []string{"remove"}
		if purge {
			args = append(args, "--purge")
		}
		args = append(args, packages...)
		return m.apt(ctx, m.cfg.InstallTimeout, args...)
	})
}

// recoverInterrupted finishes a previously interrupted dpkg run. Failures
// are logged; the following apt-get call reports anything that matters.
func (m *Manager) recoverInterrupted(ctx context.Context) {
	steps := [][]string{
		{"dpkg", "--configure", "-a"},
		{"apt-get", "-q", "-y", "--fix-broken", "install"},
	}
	for _, argv := range steps {
		result, err := m.runner.Run(ctx, supervisor.Request{Argv: argv, Timeout: m.cfg.InstallTimeout, Env: aptEnv})
		if err != nil {
			m.logger.Warn("package recovery step failed", "argv", argv, "error", err)
			continue
		}
		if !result.Success() {
			m.logger.Warn("package recovery step exited nonzero", "argv", argv, "exitCode", result.ExitCode)
		}
	}
}

func (m *Manager) apt(ctx context.Context, timeout time.Duration, args ...string) error {
	argv := append([]string{"apt-get", "-q", "-y"}, args...)
	result, err := m.runner.Run(ctx, supervisor.Request{Argv: argv, Timeout: timeout, Env: aptEnv})
	if err != nil {
		return err
	}
	if err := result.Check("apt-get " + args[0]); err != nil {
		m.logger.Error("apt command failed", "argv", argv, "exitCode", result.ExitCode)
		return err
	}
	return nil
}

// IsBusy reports whether another process holds the dpkg frontend lock.
func (m *Manager) IsBusy() (bool, error) {
	return probeLock(m.cfg.DpkgLock)
}
