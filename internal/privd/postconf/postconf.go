// Package postconf reads and writes Postfix configuration through the
// postconf tool, one locked batch at a time.
package postconf

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"privd/internal/privd/actions"
	"privd/internal/privd/supervisor"
	perrors "privd/pkg/errors"
	"privd/pkg/logger"
)

const (
	DefaultBinary  = "/sbin/postconf"
	DefaultTimeout = 30 * time.Second
	LockName       = "plinth-email-postconf"
)

var (
	keyPattern   = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
	tokenPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:\[\]\-]+$`)
)

var ErrUnknownKey = errors.New("unknown postconf parameter")

// Locker serializes edits with every other postconf user on the host.
type Locker interface {
	LockAll(fn func() error) error
}

// ServiceFlags is one master.cf service line.
type ServiceFlags struct {
	Service     string `json:"service"`
	Type        string `json:"type"`
	Private     string `json:"private"`
	Unpriv      string `json:"unpriv"`
	Chroot      string `json:"chroot"`
	Wakeup      string `json:"wakeup"`
	Maxproc     string `json:"maxproc"`
	CommandArgs string `json:"commandArgs"`
}

func (f ServiceFlags) Validate() error {
	fields := map[string]string{
		"service": f.Service, "type": f.Type, "private": f.Private, "unpriv": f.Unpriv,
		"chroot": f.Chroot, "wakeup": f.Wakeup, "maxproc": f.Maxproc,
	}
	for name, v := range fields {
		if !tokenPattern.MatchString(v) {
			return fmt.Errorf("%w: invalid master.cf %s field %q", perrors.ErrInvalidArgument, name, v)
		}
	}
	if f.CommandArgs == "" {
		return fmt.Errorf("%w: empty master.cf command", perrors.ErrInvalidArgument)
	}
	return ValidateValue(f.CommandArgs)
}

// Serialize renders the flags the way postconf -M expects them.
func (f ServiceFlags) Serialize() string {
	return strings.Join([]string{
		f.Service, f.Type, f.Private, f.Unpriv, f.Chroot, f.Wakeup, f.Maxproc, f.CommandArgs,
	}, " ")
}

func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: invalid postconf key format %q", perrors.ErrInvalidArgument, key)
	}
	return nil
}

// ValidateValue rejects control characters, newlines included.
func ValidateValue(value string) error {
	for _, c := range value {
		if c < 32 || c == 127 {
			return fmt.Errorf("%w: value contains control characters", perrors.ErrInvalidArgument)
		}
	}
	return nil
}

type Editor struct {
	runner  actions.Runner
	lock    Locker
	binary  string
	timeout time.Duration
	logger  *logger.Logger
}

func NewEditor(runner actions.Runner, lock Locker) *Editor {
	return &Editor{
		runner:  runner,
		lock:    lock,
		binary:  DefaultBinary,
		timeout: DefaultTimeout,
		logger:  logger.WithField("component", "postconf"),
	}
}

// GetMany returns the current value of every key. All keys are validated
// before the lock is taken.
func (e *Editor) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	for _, key := range keys {
		if err := ValidateKey(key); err != nil {
			return nil, err
		}
	}

	result := make(map[string]string, len(keys))
	err := e.lock.LockAll(func() error {
		for _, key := range keys {
			value, err := e.get(ctx, key)
			if err != nil {
				return err
			}
			result[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetMany writes every key, in key order, inside one lock hold.
func (e *Editor) SetMany(ctx context.Context, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for key, value := range values {
		if err := ValidateKey(key); err != nil {
			return err
		}
		if err := ValidateValue(value); err != nil {
			return err
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return e.lock.LockAll(func() error {
		for _, key := range keys {
			if err := e.run(ctx, key+"="+values[key]); err != nil {
				return err
			}
		}
		e.logger.Info("postconf values set", "keys", keys)
		return nil
	})
}

// SetMasterOptions rewrites a master.cf service entry and then its -o
// options.
func (e *Editor) SetMasterOptions(ctx context.Context, flags ServiceFlags, options map[string]string) error {
	if err := flags.Validate(); err != nil {
		return err
	}
	keys := make([]string, 0, len(options))
	for key, value := range options {
		if err := ValidateKey(key); err != nil {
			return err
		}
		if err := ValidateValue(value); err != nil {
			return err
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	serviceType := flags.Service + "/" + flags.Type
	return e.lock.LockAll(func() error {
		if err := e.run(ctx, "-M", serviceType+"="+flags.Serialize()); err != nil {
			return err
		}
		for _, key := range keys {
			if err := e.run(ctx, "-P", serviceType+"/"+key+"="+options[key]); err != nil {
				return err
			}
		}
		e.logger.Info("master.cf service updated", "service", serviceType, "options", keys)
		return nil
	})
}

func (e *Editor) get(ctx context.Context, key string) (string, error) {
	out, err := e.output(ctx, key)
	if err != nil {
		return "", err
	}
	prefix := key + " = "
	if !strings.HasPrefix(out, prefix) {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return strings.TrimSpace(out[len(prefix):]), nil
}

func (e *Editor) run(ctx context.Context, args ...string) error {
	_, err := e.output(ctx, args...)
	return err
}

func (e *Editor) output(ctx context.Context, args ...string) (string, error) {
	argv := append([]string{e.binary}, args...)
	result, err := e.runner.Run(ctx, supervisor.Request{Argv: argv, Timeout: e.timeout})
	if err != nil {
		return "", err
	}
	if err := result.Check("postconf"); err != nil {
		return "", err
	}
	return string(result.Stdout), nil
}
