package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"privd/internal/privd/metrics"
	perrors "privd/pkg/errors"
	"privd/pkg/logger"

	"golang.org/x/sys/unix"
)

const (
	DefaultDir           = "/var/lock"
	DefaultThreadTimeout = 5 * time.Second
)

// Mutex serializes a named resource between goroutines of this process and,
// through an flock(2) on a shared lock file, between processes.
type Mutex struct {
	name          string
	path          string
	threadTimeout time.Duration
	sem           chan struct{}
	logger        *logger.Logger
}

// NewMutex creates the mutex for name. The lock file is dir/name.lock. A
// zero threadTimeout selects DefaultThreadTimeout.
func NewMutex(name, dir string, threadTimeout time.Duration) (*Mutex, error) {
	if name == "" || strings.ContainsRune(name, '/') || strings.ContainsRune(name, os.PathSeparator) {
		return nil, fmt.Errorf("%w: invalid lock name %q", perrors.ErrInvalidArgument, name)
	}
	if dir == "" {
		dir = DefaultDir
	}
	if threadTimeout <= 0 {
		threadTimeout = DefaultThreadTimeout
	}

	file := name
	if !strings.HasSuffix(file, ".lock") {
		file += ".lock"
	}

	return &Mutex{
		name:          strings.TrimSuffix(name, ".lock"),
		path:          filepath.Join(dir, file),
		threadTimeout: threadTimeout,
		sem:           make(chan struct{}, 1),
		logger:        logger.WithFields("component", "lock", "lock", name),
	}, nil
}

func (m *Mutex) Name() string { return m.name }

func (m *Mutex) Path() string { return m.path }

// LockThreadsOnly runs fn holding only the in-process lock. It gives up with
// ErrLockTimeout if the lock is not free within the thread timeout, and fn
// is not called in that case.
func (m *Mutex) LockThreadsOnly(fn func() error) error {
	if err := m.acquireThreads(); err != nil {
		return err
	}
	defer m.releaseThreads()

	return fn()
}

// LockAll runs fn holding both the in-process lock and an exclusive flock on
// the lock file. The file lock waits indefinitely. Release happens in
// reverse order on every exit path, including a panic in fn.
func (m *Mutex) LockAll(fn func() error) error {
	if err := m.acquireThreads(); err != nil {
		return err
	}
	defer m.releaseThreads()

	f, err := openLockFile(m.path)
	if err != nil {
		return err
	}
	defer f.Close()

	// other users of the lock may not be root
	if err := f.Chmod(0666); err != nil {
		m.logger.Debug("could not relax lock file mode", "path", m.path, "error", err)
	}

	start := time.Now()
	if err := flock(f, unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock %s: %w", m.path, err)
	}
	metrics.LockWait.WithLabelValues(m.name).Observe(time.Since(start).Seconds())
	defer func() {
		if err := flock(f, unix.LOCK_UN); err != nil {
			m.logger.Warn("failed to unlock lock file", "path", m.path, "error", err)
		}
	}()

	return fn()
}

// openLockFile opens or creates path without following a symlink in its
// last component and refuses anything but a regular file, so the mode
// change never lands on another file.
func openLockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|unix.O_NOFOLLOW, 0666)
	if err != nil {
		if errors.Is(err, unix.ELOOP) {
			return nil, fmt.Errorf("%w: lock file %s is a symlink", perrors.ErrInvalidArgument, path)
		}
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat lock file %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		f.Close()
		return nil, fmt.Errorf("%w: lock file %s is not a regular file", perrors.ErrInvalidArgument, path)
	}
	return f, nil
}

func (m *Mutex) acquireThreads() error {
	timer := time.NewTimer(m.threadTimeout)
	defer timer.Stop()

	select {
	case m.sem <- struct{}{}:
		return nil
	case <-timer.C:
		m.logger.Warn("timed out waiting for in-process lock", "timeout", m.threadTimeout)
		return fmt.Errorf("%w: %s after %s", perrors.ErrLockTimeout, m.name, m.threadTimeout)
	}
}

func (m *Mutex) releaseThreads() {
	<-m.sem
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// Set hands out one shared Mutex per name so every caller in the process
// contends on the same in-process lock.
type Set struct {
	dir           string
	threadTimeout time.Duration

	mu      sync.Mutex
	mutexes map[string]*Mutex
}

func NewSet(dir string, threadTimeout time.Duration) *Set {
	return &Set{
		dir:           dir,
		threadTimeout: threadTimeout,
		mutexes:       make(map[string]*Mutex),
	}
}

func (s *Set) Named(name string) (*Mutex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.mutexes[name]; ok {
		return m, nil
	}
	m, err := NewMutex(name, s.dir, s.threadTimeout)
	if err != nil {
		return nil, err
	}
	s.mutexes[name] = m
	return m, nil
}
