package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseManifest decodes and validates one app manifest. Unknown fields are
// errors so a typo cannot silently drop a component.
func ParseManifest(data []byte) (*App, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var app App
	if err := dec.Decode(&app); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty manifest")
		}
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := app.Validate(); err != nil {
		return nil, err
	}
	return &app, nil
}

func LoadManifest(path string) (*App, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	app, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	app.Source = path
	return app, nil
}

func isManifest(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// LoadDir loads every *.yaml and *.yml manifest in dir, in name order.
// Broken manifests are skipped; their errors are joined into the returned
// error alongside the apps that did load.
func LoadDir(dir string) ([]*App, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read apps directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && isManifest(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var apps []*App
	var errs []error
	seen := make(map[string]string)
	for _, name := range names {
		path := filepath.Join(dir, name)
		app, err := LoadManifest(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := seen[app.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: app %q already defined in %s", path, app.ID, prev))
			continue
		}
		seen[app.ID] = path
		apps = append(apps, app)
	}

	return apps, errors.Join(errs...)
}

// Reload replaces the registry contents with the manifests in dir. Valid
// manifests are applied even when others fail; the failures are returned.
func (r *Registry) Reload(dir string) error {
	// an unreadable directory leaves the current set alone
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("failed to read apps directory %s: %w", dir, err)
	}

	apps, loadErr := LoadDir(dir)
	if err := r.Replace(apps); err != nil {
		return err
	}
	if loadErr != nil {
		r.logger.Warn("some app manifests were skipped", "dir", dir, "error", loadErr)
	}
	return loadErr
}
