package registry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	unitPattern    = regexp.MustCompile(`^[a-zA-Z0-9:_.@\\-]+$`)
	packagePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9+.\-]*(:[a-z0-9]+)?$`)
	appIDPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]*$`)
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("unit", matches(unitPattern))
	_ = validate.RegisterValidation("package", matches(packagePattern))
	_ = validate.RegisterValidation("appid", matches(appIDPattern))
}

func matches(re *regexp.Regexp) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}
}

// Daemon is a systemd unit an app runs. Alias is an alternative name the
// same unit is addressed by, e.g. tor for tor@plinth.
type Daemon struct {
	ID    string `yaml:"id" validate:"required"`
	Unit  string `yaml:"unit" validate:"required,unit"`
	Alias string `yaml:"alias,omitempty" validate:"omitempty,unit"`
}

// RelatedDaemon is a unit an app needs to control but does not own.
type RelatedDaemon struct {
	ID   string `yaml:"id" validate:"required"`
	Unit string `yaml:"unit" validate:"required,unit"`
}

// Packages lists the distribution packages an app may install, and the
// conflicting ones it may remove.
type Packages struct {
	ID        string   `yaml:"id" validate:"required"`
	Packages  []string `yaml:"packages" validate:"required,min=1,dive,package"`
	Conflicts []string `yaml:"conflicts,omitempty" validate:"dive,package"`
}

// App is one installable application and the components the privileged
// side trusts it to manage.
type App struct {
	ID             string          `yaml:"id" validate:"required,appid"`
	Name           string          `yaml:"name,omitempty"`
	Daemons        []Daemon        `yaml:"daemons,omitempty" validate:"dive"`
	RelatedDaemons []RelatedDaemon `yaml:"relatedDaemons,omitempty" validate:"dive"`
	Packages       []Packages      `yaml:"packages,omitempty" validate:"dive"`

	// Source is the manifest the app was loaded from, if any.
	Source string `yaml:"-"`
}

// Validate checks field formats and that component ids are unique.
func (a *App) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("invalid app %q: %w", a.ID, describe(err))
	}

	seen := make(map[string]bool)
	check := func(id string) error {
		if seen[id] {
			return fmt.Errorf("invalid app %q: duplicate component id %q", a.ID, id)
		}
		seen[id] = true
		return nil
	}
	for _, d := range a.Daemons {
		if err := check(d.ID); err != nil {
			return err
		}
	}
	for _, d := range a.RelatedDaemons {
		if err := check(d.ID); err != nil {
			return err
		}
	}
	for _, p := range a.Packages {
		if err := check(p.ID); err != nil {
			return err
		}
	}
	return nil
}

// Units returns every unit name the app manages, aliases included.
func (a *App) Units() []string {
	var units []string
	for _, d := range a.Daemons {
		units = append(units, d.Unit)
		if d.Alias != "" {
			units = append(units, d.Alias)
		}
	}
	for _, d := range a.RelatedDaemons {
		units = append(units, d.Unit)
	}
	return units
}

// ManagedPackages returns the packages and conflicts of every Packages
// component.
func (a *App) ManagedPackages() []string {
	var pkgs []string
	for _, p := range a.Packages {
		pkgs = append(pkgs, p.Packages...)
		pkgs = append(pkgs, p.Conflicts...)
	}
	return pkgs
}

func describe(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %q)", fe.Namespace(), fe.Tag(), fmt.Sprint(fe.Value())))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
