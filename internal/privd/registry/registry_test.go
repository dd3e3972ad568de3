package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "privd/pkg/errors"
)

const torManifest = `
id: tor
name: Tor
daemons:
  - id: tor-daemon
    unit: tor@plinth
    alias: tor
relatedDaemons:
  - id: related-apparmor
    unit: apparmor
packages:
  - id: packages-tor
    packages: [tor, tor-geoipdb, obfs4proxy]
    conflicts: [torsocks]
`

func torApp() *App {
	return &App{
		ID:             "tor",
		Daemons:        []Daemon{{ID: "tor-daemon", Unit: "tor@plinth", Alias: "tor"}},
		RelatedDaemons: []RelatedDaemon{{ID: "related-apparmor", Unit: "apparmor"}},
		Packages:       []Packages{{ID: "packages-tor", Packages: []string{"tor", "tor-geoipdb"}, Conflicts: []string{"torsocks"}}},
	}
}

func TestAssertServiceIsManaged(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(torApp()))

	for _, name := range []string{"tor@plinth", "tor", "apparmor"} {
		assert.NoError(t, r.AssertServiceIsManaged(name), name)
	}

	for _, name := range []string{"cron", "tor@", "TOR", "tor@plinth.service", ""} {
		err := r.AssertServiceIsManaged(name)
		assert.True(t, errors.Is(err, perrors.ErrUnauthorizedService), "name %q: got %v", name, err)

		var unauthorized *UnauthorizedServiceError
		require.True(t, errors.As(err, &unauthorized))
		assert.Equal(t, name, unauthorized.Service)
	}
}

func TestManagedServices_NotCached(t *testing.T) {
	r := New()
	assert.Empty(t, r.ManagedServices())
	assert.Error(t, r.AssertServiceIsManaged("tor"))

	require.NoError(t, r.Register(torApp()))
	assert.Equal(t, []string{"apparmor", "tor", "tor@plinth"}, r.ManagedServices())
	assert.NoError(t, r.AssertServiceIsManaged("tor"))

	require.NoError(t, r.Replace(nil))
	assert.Error(t, r.AssertServiceIsManaged("tor"))
}

func TestAssertPackagesManaged(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(torApp()))

	assert.NoError(t, r.AssertPackagesManaged("tor", []string{"tor", "torsocks"}))

	err := r.AssertPackagesManaged("tor", []string{"tor", "openssh-server"})
	assert.True(t, errors.Is(err, perrors.ErrUnmanagedPackage))
	var unmanaged *UnmanagedPackageError
	require.True(t, errors.As(err, &unmanaged))
	assert.Equal(t, []string{"openssh-server"}, unmanaged.Packages)

	err = r.AssertPackagesManaged("unknown", []string{"tor"})
	assert.True(t, errors.Is(err, perrors.ErrUnmanagedPackage))
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name string
		app  *App
	}{
		{"missing id", &App{}},
		{"bad id", &App{ID: "Tor App"}},
		{"missing unit", &App{ID: "tor", Daemons: []Daemon{{ID: "d"}}}},
		{"unit with space", &App{ID: "tor", Daemons: []Daemon{{ID: "d", Unit: "tor; reboot"}}}},
		{"bad alias", &App{ID: "tor", Daemons: []Daemon{{ID: "d", Unit: "tor", Alias: "a/b"}}}},
		{"option as package", &App{ID: "tor", Packages: []Packages{{ID: "p", Packages: []string{"--purge"}}}}},
		{"empty packages", &App{ID: "tor", Packages: []Packages{{ID: "p"}}}},
		{"duplicate component", &App{ID: "tor",
			Daemons:        []Daemon{{ID: "x", Unit: "tor"}},
			RelatedDaemons: []RelatedDaemon{{ID: "x", Unit: "apparmor"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, New().Register(tt.app))
		})
	}

	r := New()
	require.NoError(t, r.Register(torApp()))
	assert.Error(t, r.Register(torApp()), "duplicate app id")
}

func TestParseManifest(t *testing.T) {
	app, err := ParseManifest([]byte(torManifest))
	require.NoError(t, err)

	assert.Equal(t, "tor", app.ID)
	assert.Equal(t, "Tor", app.Name)
	assert.Equal(t, []string{"tor@plinth", "tor", "apparmor"}, app.Units())
	assert.Equal(t, []string{"tor", "tor-geoipdb", "obfs4proxy", "torsocks"}, app.ManagedPackages())

	_, err = ParseManifest([]byte("id: tor\ndaemon:\n  - unit: tor\n"))
	assert.Error(t, err, "unknown field must be rejected")

	_, err = ParseManifest(nil)
	assert.Error(t, err)
}

func TestLoadDirAndReload(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "tor.yaml", torManifest)
	writeManifest(t, dir, "bepasty.yml", "id: bepasty\ndaemons:\n  - id: d\n    unit: uwsgi\n")
	writeManifest(t, dir, "broken.yaml", "id: [")
	writeManifest(t, dir, "README.md", "not a manifest")
	writeManifest(t, dir, ".hidden.yaml", "id: hidden\n")

	apps, err := LoadDir(dir)
	assert.Error(t, err, "broken manifest is reported")
	require.Len(t, apps, 2)
	assert.Equal(t, "bepasty", apps[0].ID)
	assert.Equal(t, filepath.Join(dir, "bepasty.yml"), apps[0].Source)

	r := New()
	assert.Error(t, r.Reload(dir))
	assert.NoError(t, r.AssertServiceIsManaged("uwsgi"))
	assert.NoError(t, r.AssertServiceIsManaged("tor"))

	// an unreadable directory keeps the previous set
	assert.Error(t, r.Reload(filepath.Join(dir, "missing")))
	assert.NoError(t, r.AssertServiceIsManaged("tor"))
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	r := New()
	require.NoError(t, r.Reload(dir))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Watch(ctx, dir, 20*time.Millisecond)
	}()
	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	writeManifest(t, dir, "tor.yaml", torManifest)
	assert.Eventually(t, func() bool {
		return r.AssertServiceIsManaged("tor") == nil
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "tor.yaml")))
	assert.Eventually(t, func() bool {
		return r.AssertServiceIsManaged("tor") != nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

// Helper functions

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}
