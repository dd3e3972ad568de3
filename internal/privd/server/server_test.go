package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"privd/internal/privd/actions"
	"privd/internal/privd/domain"
	"privd/internal/privd/lock"
	"privd/internal/privd/metrics"
	"privd/internal/privd/packages"
	"privd/internal/privd/registry"
	"privd/internal/privd/service"
	"privd/internal/privd/store"
	"privd/internal/privd/supervisor"
	"privd/pkg/client"
	"privd/pkg/config"
	"privd/pkg/logger"
)

const testSecret = "correct horse battery staple"

type testDaemon struct {
	socket  string
	exec    *fakeExecutor
	journal *store.Journal
	done    chan error
	cancel  context.CancelFunc
}

func startDaemon(t *testing.T, secret string, mutate func(*config.Config)) *testDaemon {
	t.Helper()

	cfg := config.DefaultConfig
	cfg.Server.SocketPath = filepath.Join(t.TempDir(), "s.sock")
	cfg.Server.PanelUser = ""
	cfg.Server.IdleShutdown = 0
	if mutate != nil {
		mutate(&cfg)
	}

	actionsDir := t.TempDir()
	writeScript(t, actionsDir, "echo-args", "#!/bin/sh\nfor a in \"$@\"; do printf '%s\\n' \"$a\"; done\n")
	writeScript(t, actionsDir, "fail", "#!/bin/sh\necho nope >&2\nexit 4\n")

	journal, err := store.Open(filepath.Join(t.TempDir(), "journal.sqlite3"), lock.NewDBLock("journal", time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	sup := supervisor.New(supervisor.Config{PollInterval: 20 * time.Millisecond}, nil, nil)
	inv, err := actions.New(actionsDir, sup, actions.WithElevation(), actions.WithJournal(journal))
	require.NoError(t, err)

	reg := registry.New()
	require.NoError(t, reg.Register(&registry.App{
		ID:       "tor",
		Daemons:  []registry.Daemon{{ID: "tor-daemon", Unit: "tor@plinth", Alias: "tor"}},
		Packages: []registry.Packages{{ID: "tor-packages", Packages: []string{"tor", "obfs4proxy"}}},
	}))

	exec := &fakeExecutor{}
	pkgLock, err := lock.NewMutex("packages", t.TempDir(), time.Second)
	require.NoError(t, err)
	mgr := packages.NewManager(&okRunner{}, reg, pkgLock, packages.Config{
		DpkgLock: filepath.Join(t.TempDir(), "lock-frontend"),
	})

	srv := New(&cfg, secret, Dependencies{
		Actions:  inv,
		Services: service.NewController(reg, exec),
		Packages: mgr,
		Journal:  journal,
	})

	ctx, cancel := context.WithCancel(context.Background())
	d := &testDaemon{
		socket:  cfg.Server.SocketPath,
		exec:    exec,
		journal: journal,
		done:    make(chan error, 1),
		cancel:  cancel,
	}
	go func() {
		d.done <- srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-d.done:
		case <-time.After(15 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return d
}

func (d *testDaemon) client(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.New(d.socket)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestServer_AuthenticationFlow(t *testing.T) {
	d := startDaemon(t, testSecret, nil)
	c := d.client(t)
	ctx := callCtx(t)

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping must not require authentication: %v", err)
	}

	_, err := c.Call(ctx, "action.run", map[string]interface{}{"action": "echo-args"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err), "got %v", err)

	err = c.Authenticate(ctx, "wrong key")
	assert.Equal(t, codes.Unauthenticated, status.Code(err), "got %v", err)

	require.NoError(t, c.Authenticate(ctx, testSecret))

	resp, err := c.Call(ctx, "action.run", map[string]interface{}{
		"action": "echo-args",
		"args":   []interface{}{"a b", "$(id)"},
	})
	require.NoError(t, err)
	assert.Equal(t, "a b\n$(id)\n", resp.GetFields()["stdout"].GetStringValue())
	assert.Equal(t, float64(0), resp.GetFields()["exitCode"].GetNumberValue())
}

func TestServer_AuthDisabled(t *testing.T) {
	d := startDaemon(t, "", nil)
	c := d.client(t)
	ctx := callCtx(t)

	resp, err := c.Call(ctx, "action.run", map[string]interface{}{"action": "fail"})
	require.NoError(t, err)
	assert.Equal(t, float64(4), resp.GetFields()["exitCode"].GetNumberValue())
	assert.Equal(t, "nope\n", resp.GetFields()["stderr"].GetStringValue())

	require.NoError(t, c.Authenticate(ctx, "anything"))
}

func TestServer_ErrorCodes(t *testing.T) {
	d := startDaemon(t, "", nil)
	c := d.client(t)
	ctx := callCtx(t)

	tests := []struct {
		name    string
		command string
		args    map[string]interface{}
		code    codes.Code
	}{
		{"traversal", "action.run", map[string]interface{}{"action": "../echo-args"}, codes.InvalidArgument},
		{"missing action", "action.run", map[string]interface{}{"action": "nope"}, codes.NotFound},
		{"missing argument", "action.run", map[string]interface{}{}, codes.InvalidArgument},
		{"wrong argument type", "action.run", map[string]interface{}{"action": "echo-args", "args": "x"}, codes.InvalidArgument},
		{"unmanaged unit", "service.start", map[string]interface{}{"unit": "cron"}, codes.PermissionDenied},
		{"unmanaged package", "packages.install", map[string]interface{}{"app": "tor", "packages": []interface{}{"openssh-server"}}, codes.PermissionDenied},
		{"bad package name", "packages.install", map[string]interface{}{"app": "tor", "packages": []interface{}{"-o=evil"}}, codes.InvalidArgument},
		{"bad target", "service.set-default", map[string]interface{}{"target": "rescue.target"}, codes.InvalidArgument},
		{"unknown command", "shell.exec", nil, codes.Unimplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Call(ctx, tt.command, tt.args)
			if got := status.Code(err); got != tt.code {
				t.Errorf("Expected code %v, got %v (%v)", tt.code, got, err)
			}
		})
	}

	assert.Empty(t, d.exec.calls(), "rejected service calls must not reach the executor")
}

func TestServer_UnknownNamesDoNotGrowMetrics(t *testing.T) {
	d := startDaemon(t, "", nil)
	c := d.client(t)
	ctx := callCtx(t)

	// warm up every series the loop below can touch
	_, _ = c.Call(ctx, "junk-warmup", nil)
	_, _ = c.Call(ctx, "action.run", map[string]interface{}{"action": "missing-warmup"})

	calls := testutil.CollectAndCount(metrics.DaemonCalls)
	invocations := testutil.CollectAndCount(metrics.ActionInvocations)

	for n := 0; n < 100; n++ {
		_, err := c.Call(ctx, fmt.Sprintf("junk-%d", n), nil)
		require.Equal(t, codes.Unimplemented, status.Code(err))

		_, err = c.Call(ctx, "action.run", map[string]interface{}{"action": fmt.Sprintf("missing-%d", n)})
		require.Equal(t, codes.NotFound, status.Code(err))
	}

	assert.Equal(t, calls, testutil.CollectAndCount(metrics.DaemonCalls))
	assert.Equal(t, invocations, testutil.CollectAndCount(metrics.ActionInvocations))
}

func TestServer_SensitiveActionRun(t *testing.T) {
	d := startDaemon(t, "", nil)
	c := d.client(t)
	ctx := callCtx(t)

	resp, err := c.Call(ctx, "action.run", map[string]interface{}{
		"action":    "echo-args",
		"args":      []interface{}{"hunter2"},
		"sensitive": true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hunter2\n", resp.GetFields()["stdout"].GetStringValue())

	entries, err := d.journal.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{actions.RedactedArg}, entries[0].Args)

	_, err = c.Call(ctx, "action.run", map[string]interface{}{"action": "echo-args", "sensitive": "yes"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServer_ServiceAndPackageCommands(t *testing.T) {
	d := startDaemon(t, "", nil)
	c := d.client(t)
	ctx := callCtx(t)

	_, err := c.Call(ctx, "service.restart", map[string]interface{}{"unit": "tor"})
	require.NoError(t, err)

	resp, err := c.Call(ctx, "service.is-running", map[string]interface{}{"unit": "tor@plinth"})
	require.NoError(t, err)
	assert.True(t, resp.GetFields()["value"].GetBoolValue())

	assert.Equal(t, []string{"restart tor", "is-running tor@plinth"}, d.exec.calls())

	_, err = c.Call(ctx, "packages.install", map[string]interface{}{
		"app":      "tor",
		"packages": []interface{}{"tor"},
		"options":  map[string]interface{}{"skipRecommends": true},
	})
	require.NoError(t, err)

	_, err = c.Call(ctx, "packages.install", map[string]interface{}{
		"app":      "tor",
		"packages": []interface{}{"tor"},
		"options":  map[string]interface{}{"allowDowngrades": true},
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "unknown install options are rejected")

	resp, err = c.Call(ctx, "packages.busy", nil)
	require.NoError(t, err)
	assert.False(t, resp.GetFields()["busy"].GetBoolValue())
}

func TestServer_JournalRecent(t *testing.T) {
	d := startDaemon(t, "", nil)
	c := d.client(t)
	ctx := callCtx(t)

	_, err := c.Call(ctx, "action.run", map[string]interface{}{"action": "echo-args", "args": []interface{}{"x"}})
	require.NoError(t, err)
	_, _ = c.Call(ctx, "action.run", map[string]interface{}{"action": "nope"})

	resp, err := c.Call(ctx, "journal.recent", map[string]interface{}{"limit": 10})
	require.NoError(t, err)

	entries := resp.GetFields()["entries"].GetListValue().GetValues()
	require.Len(t, entries, 2)

	outcomes := []string{}
	for _, e := range entries {
		outcomes = append(outcomes, e.GetStructValue().GetFields()["outcome"].GetStringValue())
	}
	assert.ElementsMatch(t, []string{domain.OutcomeOK, domain.OutcomeNotFound}, outcomes)
}

func TestServer_PayloadLimit(t *testing.T) {
	d := startDaemon(t, "", func(cfg *config.Config) {
		cfg.Server.MaxRecvMsgSize = 4096
	})
	c := d.client(t)
	ctx := callCtx(t)

	_, err := c.Call(ctx, "action.run", map[string]interface{}{
		"action": "echo-args",
		"args":   []interface{}{strings.Repeat("x", 16*1024)},
	})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err), "got %v", err)

	require.NoError(t, c.Ping(ctx))
}

func TestServer_IdleShutdown(t *testing.T) {
	d := startDaemon(t, "", func(cfg *config.Config) {
		cfg.Server.IdleShutdown = 300 * time.Millisecond
	})
	c := d.client(t)
	require.NoError(t, c.Ping(callCtx(t)))

	select {
	case err := <-d.done:
		require.NoError(t, err)
		d.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit after idling")
	}

	_, err := os.Lstat(d.socket)
	assert.True(t, os.IsNotExist(err), "socket must be removed on exit")
}

func TestServer_SocketMode(t *testing.T) {
	d := startDaemon(t, "", nil)
	require.NoError(t, d.client(t).Ping(callCtx(t)))

	info, err := os.Stat(d.socket)
	require.NoError(t, err)
	assert.Equal(t, socketMode, info.Mode().Perm())
}

func TestListenUnix_StaleSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.sock")

	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	// leave the file behind the way a crashed daemon would
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close()

	lis, err := listenUnix(path, "", testLogger())
	require.NoError(t, err)
	lis.Close()

	regular := filepath.Join(dir, "regular")
	require.NoError(t, os.WriteFile(regular, []byte("keep"), 0644))
	_, err = listenUnix(regular, "", testLogger())
	assert.Error(t, err)
	data, _ := os.ReadFile(regular)
	assert.Equal(t, "keep", string(data))
}

func TestPeerCredListener_RejectsUnknownUID(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("every connection comes from root when running as root")
	}

	path := filepath.Join(t.TempDir(), "s.sock")
	inner, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer inner.Close()

	lis := wrapListener(inner, map[int]bool{0: true}, 4, testLogger())

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := lis.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	// the listener closes rejected connections
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)

	select {
	case c := <-accepted:
		c.Close()
		t.Fatal("connection from a disallowed uid was accepted")
	default:
	}
}

// Helper types

func testLogger() *logger.Logger {
	return logger.WithField("component", "test")
}

func writeScript(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0755))
	require.NoError(t, os.Chmod(path, 0755))
}

type fakeExecutor struct {
	mu  sync.Mutex
	log []string
}

func (f *fakeExecutor) Execute(ctx context.Context, op service.Operation, unit string) (*domain.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, string(op)+" "+unit)
	return &domain.ExecutionResult{}, nil
}

func (f *fakeExecutor) SetDefault(ctx context.Context, target string) (*domain.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "set-default "+target)
	return &domain.ExecutionResult{}, nil
}

func (f *fakeExecutor) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

type okRunner struct{}

func (okRunner) Run(ctx context.Context, req supervisor.Request) (*domain.ExecutionResult, error) {
	return &domain.ExecutionResult{}, nil
}
