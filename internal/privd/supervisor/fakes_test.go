package supervisor

import (
	"io"
	"syscall"
	"time"

	osinterface "privd/pkg/os"
)

type fakeCommandFactory struct {
	startErr error
	created  int
}

func (f *fakeCommandFactory) CreateCommand(name string, args ...string) osinterface.Command {
	f.created++
	return &fakeCommand{startErr: f.startErr}
}

type fakeCommand struct {
	startErr error
}

func (c *fakeCommand) Start() error { return c.startErr }
func (c *fakeCommand) Wait() error { return nil }
func (c *fakeCommand) Process() osinterface.Process { return nil }
func (c *fakeCommand) ExitCode() int { return 0 }
func (c *fakeCommand) SetStdout(w io.Writer) {}
func (c *fakeCommand) SetStderr(w io.Writer) {}
func (c *fakeCommand) SetSysProcAttr(attr *syscall.SysProcAttr) {}
func (c *fakeCommand) SetEnv([]string) {}
func (c *fakeCommand) SetDir(dir string) {}
func (c *fakeCommand) SetWaitDelay(d time.Duration) {}

type fakeSyscall struct{}

func (s *fakeSyscall) Kill(pid int, sig syscall.Signal) error { return nil }
func (s *fakeSyscall) CreateProcessGroup() *syscall.SysProcAttr { return &syscall.SysProcAttr{} }
func (s *fakeSyscall) Geteuid() int { return 1000 }
