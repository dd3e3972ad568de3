package registry

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"privd/internal/privd/metrics"
	perrors "privd/pkg/errors"
	"privd/pkg/logger"
)

// UnauthorizedServiceError rejects control of a unit no app declares.
type UnauthorizedServiceError struct {
	Service string
}

func (e *UnauthorizedServiceError) Error() string {
	return fmt.Sprintf("the service '%s' is not managed by any app; access is only permitted for "+
		"services listed in the Daemon and RelatedDaemon components of a loaded app", e.Service)
}

func (e *UnauthorizedServiceError) Unwrap() error {
	return perrors.ErrUnauthorizedService
}

// UnmanagedPackageError rejects packages the app does not declare.
type UnmanagedPackageError struct {
	AppID    string
	Packages []string
}

func (e *UnmanagedPackageError) Error() string {
	return fmt.Sprintf("packages are not managed by app '%s': %v", e.AppID, e.Packages)
}

func (e *UnmanagedPackageError) Unwrap() error {
	return perrors.ErrUnmanagedPackage
}

// Registry is the set of loaded apps. It is created once per process and
// passed to whatever needs to authorize against it.
type Registry struct {
	mu     sync.RWMutex
	apps   map[string]*App
	logger *logger.Logger
}

func New() *Registry {
	return &Registry{
		apps:   make(map[string]*App),
		logger: logger.WithField("component", "registry"),
	}
}

// Register adds one app. Ids must be unique.
func (r *Registry) Register(app *App) error {
	if err := app.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.apps[app.ID]; exists {
		return fmt.Errorf("app %q already registered", app.ID)
	}
	r.apps[app.ID] = app
	return nil
}

// Replace swaps the whole app set atomically. Nothing changes on error.
func (r *Registry) Replace(apps []*App) error {
	next := make(map[string]*App, len(apps))
	for _, app := range apps {
		if err := app.Validate(); err != nil {
			return err
		}
		if _, exists := next[app.ID]; exists {
			return fmt.Errorf("app %q defined more than once", app.ID)
		}
		next[app.ID] = app
	}

	r.mu.Lock()
	r.apps = next
	r.mu.Unlock()

	r.logger.Info("app set replaced", "apps", len(next))
	return nil
}

func (r *Registry) Get(id string) (*App, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[id]
	return app, ok
}

// Apps returns the loaded apps ordered by id.
func (r *Registry) Apps() []*App {
	r.mu.RLock()
	defer r.mu.RUnlock()

	apps := make([]*App, 0, len(r.apps))
	for _, app := range r.apps {
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })
	return apps
}

// ManagedServices computes the managed unit names from the current app
// set. The result is never cached; an app loaded a moment ago is visible.
func (r *Registry) ManagedServices() []string {
	set := r.managedServiceSet()
	services := make([]string, 0, len(set))
	for s := range set {
		services = append(services, s)
	}
	sort.Strings(services)
	return services
}

func (r *Registry) managedServiceSet() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]struct{})
	for _, app := range r.apps {
		for _, unit := range app.Units() {
			set[unit] = struct{}{}
		}
	}
	return set
}

// AssertServiceIsManaged fails unless name is the unit or alias of some
// Daemon, or the unit of some RelatedDaemon, of a loaded app. Matching is
// exact.
func (r *Registry) AssertServiceIsManaged(name string) error {
	if _, ok := r.managedServiceSet()[name]; ok {
		return nil
	}

	metrics.UnauthorizedServiceRequests.Inc()
	err := &UnauthorizedServiceError{Service: name}
	r.logger.Error("rejected control of unmanaged service", "service", name)
	return err
}

// AssertPackagesManaged fails unless every package is declared by a
// Packages component of app appID, as a package or a conflict.
func (r *Registry) AssertPackagesManaged(appID string, packages []string) error {
	app, ok := r.Get(appID)
	if !ok {
		r.logger.Error("rejected packages for unknown app", "app", appID, "packages", packages)
		return &UnmanagedPackageError{AppID: appID, Packages: packages}
	}

	managed := app.ManagedPackages()
	var unmanaged []string
	for _, p := range packages {
		if !slices.Contains(managed, p) {
			unmanaged = append(unmanaged, p)
		}
	}
	if len(unmanaged) > 0 {
		r.logger.Error("rejected unmanaged packages", "app", appID, "packages", unmanaged)
		return &UnmanagedPackageError{AppID: appID, Packages: unmanaged}
	}
	return nil
}
