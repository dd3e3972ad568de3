// Package os wraps process creation and signalling behind small interfaces
// so the supervisor and invoker can be exercised without spawning real
// children.
package os

import (
	"io"
	"os"
	"syscall"
	"time"
)

type SyscallInterface interface {
	// Kill sends a signal to a process or process group
	// - Positive pid: kills the specific process
	// - Negative pid: kills the process group (all processes in the group)
	// This follows the standard Unix convention
	Kill(pid int, sig syscall.Signal) error
	CreateProcessGroup() *syscall.SysProcAttr
	Geteuid() int
}

type CommandFactory interface {
	CreateCommand(name string, args ...string) Command
}

type Command interface {
	Start() error
	Wait() error
	Process() Process
	ExitCode() int
	SetStdout(w io.Writer)
	SetStderr(w io.Writer)
	SetSysProcAttr(attr *syscall.SysProcAttr)
	SetEnv([]string)
	SetDir(dir string)
	// SetWaitDelay bounds how long Wait keeps draining output pipes after
	// the process itself has exited.
	SetWaitDelay(d time.Duration)
}

type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
}
