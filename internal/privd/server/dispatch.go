package server

import (
	"context"
	"fmt"
	"sort"
	"time"

	"privd/api"
	"privd/internal/privd/actions"
	"privd/internal/privd/domain"
	"privd/internal/privd/packages"
	"privd/internal/privd/postconf"
	"privd/internal/privd/service"
	"privd/internal/privd/store"
	perrors "privd/pkg/errors"

	"google.golang.org/protobuf/types/known/structpb"
)

// Handler executes one command. The returned map becomes the response
// struct and may only hold values structpb accepts.
type Handler func(ctx context.Context, a args) (map[string]interface{}, error)

// Command is one entry of the dispatch table.
type Command struct {
	Name         string
	RequiresAuth bool
	Handler      Handler
}

// Dependencies are the components commands are dispatched to. A nil
// component leaves its commands unregistered.
type Dependencies struct {
	Actions  *actions.Invoker
	Services *service.Controller
	Packages *packages.Manager
	Postconf *postconf.Editor
	Journal  *store.Journal
}

// Dispatcher is the command table.
type Dispatcher struct {
	commands map[string]Command
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{commands: make(map[string]Command)}
}

func (d *Dispatcher) Register(cmd Command) {
	d.commands[cmd.Name] = cmd
}

func (d *Dispatcher) Lookup(name string) (Command, error) {
	cmd, ok := d.commands[name]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", perrors.ErrUnknownCommand, name)
	}
	return cmd, nil
}

// Names lists registered commands in sorted order.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) Dispatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := api.CommandOf(req)
	cmd, err := d.Lookup(name)
	if err != nil {
		return nil, err
	}
	out, err := cmd.Handler(ctx, newArgs(api.ArgsOf(req)))
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s response: %w", name, err)
	}
	return resp, nil
}

// registerCommands fills the table. ping and authenticate are always
// reachable; everything else requires a session when auth is enabled.
func registerCommands(d *Dispatcher, auth *Authenticator, deps Dependencies) {
	d.Register(Command{Name: "ping", Handler: func(ctx context.Context, a args) (map[string]interface{}, error) {
		return map[string]interface{}{"pong": true}, nil
	}})

	d.Register(Command{Name: "authenticate", Handler: func(ctx context.Context, a args) (map[string]interface{}, error) {
		key, err := a.OptionalString("key")
		if err != nil {
			return nil, err
		}
		token, expires, err := auth.Authenticate(key)
		if err != nil {
			return nil, err
		}
		out := map[string]interface{}{"token": token, "enabled": auth.Enabled()}
		if !expires.IsZero() {
			out["expiresAt"] = expires.UTC().Format(time.RFC3339)
		}
		return out, nil
	}})

	if deps.Actions != nil {
		d.Register(Command{Name: "action.run", RequiresAuth: true, Handler: actionRun(deps.Actions)})
	}

	if deps.Services != nil {
		for _, op := range service.Operations {
			d.Register(Command{Name: "service." + string(op), RequiresAuth: true, Handler: serviceOp(deps.Services, op)})
		}
		d.Register(Command{Name: "service.set-default", RequiresAuth: true, Handler: serviceSetDefault(deps.Services)})
	}

	if deps.Packages != nil {
		d.Register(Command{Name: "packages.update", RequiresAuth: true, Handler: packagesUpdate(deps.Packages)})
		d.Register(Command{Name: "packages.install", RequiresAuth: true, Handler: packagesInstall(deps.Packages)})
		d.Register(Command{Name: "packages.remove", RequiresAuth: true, Handler: packagesRemove(deps.Packages)})
		d.Register(Command{Name: "packages.busy", RequiresAuth: true, Handler: packagesBusy(deps.Packages)})
	}

	if deps.Postconf != nil {
		d.Register(Command{Name: "postconf.get", RequiresAuth: true, Handler: postconfGet(deps.Postconf)})
		d.Register(Command{Name: "postconf.set", RequiresAuth: true, Handler: postconfSet(deps.Postconf)})
		d.Register(Command{Name: "postconf.master", RequiresAuth: true, Handler: postconfMaster(deps.Postconf)})
	}

	if deps.Journal != nil {
		d.Register(Command{Name: "journal.recent", RequiresAuth: true, Handler: journalRecent(deps.Journal)})
	}
}

func resultFields(r *domain.ExecutionResult) map[string]interface{} {
	return map[string]interface{}{
		"exitCode":   r.ExitCode,
		"stdout":     text(r.Stdout),
		"stderr":     text(r.Stderr),
		"durationMs": r.Duration.Milliseconds(),
	}
}

func actionRun(inv *actions.Invoker) Handler {
	return func(ctx context.Context, a args) (map[string]interface{}, error) {
		name, err := a.String("action")
		if err != nil {
			return nil, err
		}
		actionArgs, err := a.Strings("args")
		if err != nil {
			return nil, err
		}
		user, err := a.OptionalString("user")
		if err != nil {
			return nil, err
		}
		timeout, err := a.Seconds("timeout")
		if err != nil {
			return nil, err
		}
		sensitive, err := a.Bool("sensitive")
		if err != nil {
			return nil, err
		}

		result, err := inv.Run(ctx, actions.Invocation{
			Action:    name,
			Args:      actionArgs,
			User:      user,
			Timeout:   timeout,
			Sensitive: sensitive,
		})
		if err != nil {
			return nil, err
		}
		return resultFields(result), nil
	}
}

func serviceOp(c *service.Controller, op service.Operation) Handler {
	return func(ctx context.Context, a args) (map[string]interface{}, error) {
		unit, err := a.String("unit")
		if err != nil {
			return nil, err
		}

		switch op {
		case service.OpIsEnabled:
			v, err := c.IsEnabled(ctx, unit)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"value": v}, nil
		case service.OpIsRunning:
			v, err := c.IsRunning(ctx, unit)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"value": v}, nil
		case service.OpStatus:
			result, err := c.Status(ctx, unit)
			if err != nil {
				return nil, err
			}
			return resultFields(result), nil
		}

		result, err := c.Do(ctx, op, unit)
		if err != nil {
			return nil, err
		}
		if err := result.Check(fmt.Sprintf("service %s %s", op, unit)); err != nil {
			return nil, err
		}
		return map[string]interface{}{"ok": true}, nil
	}
}

func serviceSetDefault(c *service.Controller) Handler {
	return func(ctx context.Context, a args) (map[string]interface{}, error) {
		target, err := a.String("target")
		if err != nil {
			return nil, err
		}
		if err := c.SetDefaultTarget(ctx, target); err != nil {
			return nil, err
		}
		return map[string]interface{}{"ok": true}, nil
	}
}

func packagesUpdate(m *packages.Manager) Handler {
	return func(ctx context.Context, a args) (map[string]interface{}, error) {
		if err := m.Update(ctx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"ok": true}, nil
	}
}

func packagesInstall(m *packages.Manager) Handler {
	return func(ctx context.Context, a args) (map[string]interface{}, error) {
		app, err := a.String("app")
		if err != nil {
			return nil, err
		}
		pkgs, err := a.Strings("packages")
		if err != nil {
			return nil, err
		}
		var opts packages.InstallOptions
		if err := a.Decode("options", &opts); err != nil {
			return nil, err
		}
		if err := m.Install(ctx, app, pkgs, opts); err != nil {
			return nil, err
		}
		return map[string]interface{}{"ok": true}, nil
	}
}

func packagesRemove(m *packages.Manager) Handler {
	return func(ctx context.Context, a args) (map[string]interface{}, error) {
		app, err := a.String("app")
		if err != nil {
			return nil, err
		}
		pkgs, err := a.Strings("packages")
		if err != nil {
			return nil, err
		}
		purge, err := a.Bool("purge")
		if err != nil {
			return nil, err
		}
		if err := m.Remove(ctx, app, pkgs, purge); err != nil {
			return nil, err
		}
		return map[string]interface{}{"ok": true}, nil
	}
}

func packagesBusy(m *packages.Manager) Handler {
	return func(ctx context.Context, a args) (map[string]interface{}, error) {
		busy, err := m.IsBusy()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"busy": busy}, nil
	}
}

func postconfGet(e *postconf.Editor) Handler {
	return func(ctx context.Context, a args) (map[string]interface{}, error) {
		keys, err := a.Strings("keys")
		if err != nil {
			return nil, err
		}
		values, err := e.GetMany(ctx, keys)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"values": stringMap(values)}, nil
	}
}

func postconfSet(e *postconf.Editor) Handler {
	return func(ctx context.Context, a args) (map[string]interface{}, error) {
		values, err := a.StringMap("values")
		if err != nil {
			return nil, err
		}
		if err := e.SetMany(ctx, values); err != nil {
			return nil, err
		}
		return map[string]interface{}{"ok": true}, nil
	}
}

func postconfMaster(e *postconf.Editor) Handler {
	return func(ctx context.Context, a args) (map[string]interface{}, error) {
		var flags postconf.ServiceFlags
		if !a.has("flags") {
			return nil, invalid("missing argument %q", "flags")
		}
		if err := a.Decode("flags", &flags); err != nil {
			return nil, err
		}
		options := map[string]string{}
		if a.has("options") {
			var err error
			if options, err = a.StringMap("options"); err != nil {
				return nil, err
			}
		}
		if err := e.SetMasterOptions(ctx, flags, options); err != nil {
			return nil, err
		}
		return map[string]interface{}{"ok": true}, nil
	}
}

func journalRecent(j *store.Journal) Handler {
	return func(ctx context.Context, a args) (map[string]interface{}, error) {
		limit, err := a.Int("limit", store.DefaultRecentLimit)
		if err != nil {
			return nil, err
		}
		entries, err := j.Recent(ctx, limit)
		if err != nil {
			return nil, err
		}
		list := make([]interface{}, 0, len(entries))
		for _, e := range entries {
			list = append(list, map[string]interface{}{
				"id":         e.ID,
				"action":     e.Action,
				"args":       stringList(e.Args),
				"user":       e.User,
				"exitCode":   e.ExitCode,
				"outcome":    e.Outcome,
				"error":      e.Error,
				"startedAt":  e.StartedAt.UTC().Format(time.RFC3339Nano),
				"durationMs": e.Duration().Milliseconds(),
			})
		}
		return map[string]interface{}{"entries": list}, nil
	}
}
