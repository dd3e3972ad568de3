//go:build unix

package os

import (
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultCommandFactory implements CommandFactory using exec.Cmd. It never
// goes through a shell: name is exec'd directly with args as argv.
type DefaultCommandFactory struct{}

func (f *DefaultCommandFactory) CreateCommand(name string, args ...string) Command {
	return &ExecCommand{cmd: exec.Command(name, args...)}
}

// ExecCommand wraps exec.Cmd to implement Command
type ExecCommand struct {
	cmd *exec.Cmd
}

func (e *ExecCommand) Start() error {
	return e.cmd.Start()
}

func (e *ExecCommand) Wait() error {
	return e.cmd.Wait()
}

func (e *ExecCommand) Process() Process {
	if e.cmd.Process == nil {
		return nil
	}
	return &ExecProcess{process: e.cmd.Process}
}

// ExitCode returns the exit status, or -1 if the process has not exited or
// was terminated by a signal.
func (e *ExecCommand) ExitCode() int {
	if e.cmd.ProcessState == nil {
		return -1
	}
	return e.cmd.ProcessState.ExitCode()
}

func (e *ExecCommand) SetStdout(w io.Writer) {
	e.cmd.Stdout = w
}

func (e *ExecCommand) SetStderr(w io.Writer) {
	e.cmd.Stderr = w
}

func (e *ExecCommand) SetSysProcAttr(attr *syscall.SysProcAttr) {
	e.cmd.SysProcAttr = attr
}

// SetEnv sets the environment variables for the command
func (e *ExecCommand) SetEnv(env []string) {
	e.cmd.Env = env
}

func (e *ExecCommand) SetDir(dir string) {
	e.cmd.Dir = dir
}

func (e *ExecCommand) SetWaitDelay(d time.Duration) {
	e.cmd.WaitDelay = d
}

// ExecProcess wraps os.Process to implement Process
type ExecProcess struct {
	process *os.Process
}

func (p *ExecProcess) Pid() int {
	return p.process.Pid
}

func (p *ExecProcess) Signal(sig os.Signal) error {
	return p.process.Signal(sig)
}

func (p *ExecProcess) Kill() error {
	return p.process.Kill()
}

// DefaultSyscall implements SyscallInterface using real syscalls
type DefaultSyscall struct{}

func (s *DefaultSyscall) Kill(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

func (s *DefaultSyscall) CreateProcessGroup() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true, // Create new process group
		Pgid:    0,    // Use process PID as group ID
	}
}

func (s *DefaultSyscall) Geteuid() int {
	return unix.Geteuid()
}

// ensure our types implement the interfaces
var _ CommandFactory = (*DefaultCommandFactory)(nil)
var _ SyscallInterface = (*DefaultSyscall)(nil)
