package packages

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privd/internal/privd/domain"
	"privd/internal/privd/lock"
	"privd/internal/privd/registry"
	"privd/internal/privd/supervisor"
	perrors "privd/pkg/errors"
)

func newTestManager(t *testing.T, runner *fakeRunner) *Manager {
	t.Helper()

	r := registry.New()
	require.NoError(t, r.Register(&registry.App{
		ID: "tor",
		Packages: []registry.Packages{{
			ID:        "packages-tor",
			Packages:  []string{"tor", "tor-geoipdb"},
			Conflicts: []string{"torsocks"},
		}},
	}))

	mu, err := lock.NewMutex("packages", t.TempDir(), time.Second)
	require.NoError(t, err)

	return NewManager(runner, r, mu, Config{DpkgLock: filepath.Join(t.TempDir(), "lock-frontend")})
}

func TestInstall(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(t, runner)

	err := m.Install(context.Background(), "tor", []string{"tor", "tor-geoipdb"},
		InstallOptions{SkipRecommends: true, ForceConfiguration: "old"})
	require.NoError(t, err)

	reqs := runner.all()
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"dpkg", "--configure", "-a"}, reqs[0].Argv)
	assert.Equal(t, []string{"apt-get", "-q", "-y", "--fix-broken", "install"}, reqs[1].Argv)
	assert.Equal(t, []string{
		"apt-get", "-q", "-y", "install", "--no-install-recommends",
		"-o", "Dpkg::Options::=--force-confdef", "-o", "Dpkg::Options::=--force-confold",
		"tor", "tor-geoipdb",
	}, reqs[2].Argv)
	assert.Equal(t, DefaultInstallTimeout, reqs[2].Timeout)
	assert.Contains(t, reqs[2].Env, "DEBIAN_FRONTEND=noninteractive")
}

func TestInstall_Rejections(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(t, runner)
	ctx := context.Background()

	err := m.Install(ctx, "tor", []string{"openssh-server"}, InstallOptions{})
	assert.True(t, errors.Is(err, perrors.ErrUnmanagedPackage))

	err = m.Install(ctx, "other", []string{"tor"}, InstallOptions{})
	assert.True(t, errors.Is(err, perrors.ErrUnmanagedPackage))

	for _, bad := range [][]string{{"--allow-unauthenticated"}, {"tor sshd"}, {""}, {}} {
		err = m.Install(ctx, "tor", bad, InstallOptions{})
		assert.True(t, errors.Is(err, perrors.ErrInvalidArgument), "packages %q: got %v", bad, err)
	}

	err = m.Install(ctx, "tor", []string{"tor"}, InstallOptions{ForceConfiguration: "maybe"})
	assert.True(t, errors.Is(err, perrors.ErrInvalidArgument))

	assert.Empty(t, runner.all(), "rejected requests must not run apt")
}

func TestRemove(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(t, runner)

	require.NoError(t, m.Remove(context.Background(), "tor", []string{"torsocks"}, true))

	reqs := runner.all()
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"apt-get", "-q", "-y", "remove", "--purge", "torsocks"}, reqs[2].Argv)
}

func TestUpdate_FailureIsActionError(t *testing.T) {
	runner := &fakeRunner{exitCode: 100}
	m := newTestManager(t, runner)

	err := m.Update(context.Background())

	assert.True(t, errors.Is(err, perrors.ErrActionFailed))
	reqs := runner.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"apt-get", "-q", "-y", "update"}, reqs[0].Argv)
	assert.Equal(t, DefaultUpdateTimeout, reqs[0].Timeout)
}

func TestInstall_SerializedByLock(t *testing.T) {
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	m := newTestManager(t, runner)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Install(context.Background(), "tor", []string{"tor"}, InstallOptions{}))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, runner.maxConcurrent)
	assert.Len(t, runner.all(), 9)
}

func TestValidatePackageName(t *testing.T) {
	assert.NoError(t, ValidatePackageName("libc6:amd64"))
	assert.NoError(t, ValidatePackageName("g++"))
	assert.Error(t, ValidatePackageName("-o"))
	assert.Error(t, ValidatePackageName("a\tb"))
}

// Helper types

type fakeRunner struct {
	mu            sync.Mutex
	requests      []supervisor.Request
	exitCode      int
	delay         time.Duration
	active        int
	maxConcurrent int
}

func (r *fakeRunner) Run(ctx context.Context, req supervisor.Request) (*domain.ExecutionResult, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.active++
	if r.active > r.maxConcurrent {
		r.maxConcurrent = r.active
	}
	r.mu.Unlock()

	time.Sleep(r.delay)

	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	return &domain.ExecutionResult{ExitCode: r.exitCode}, nil
}

func (r *fakeRunner) all() []supervisor.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]supervisor.Request(nil), r.requests...)
}
