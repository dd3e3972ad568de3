package modes

import (
	"fmt"
	"os"
	"runtime"
	"syscall"

	"privd/pkg/logger"
)

// Preflight checks the host before the daemon accepts requests. The actions
// directory must exist and must not be writable by anyone but root, since
// whatever it contains runs as root.
func Preflight(actionsDir string, log *logger.Logger) error {
	if runtime.GOOS != "linux" {
		log.Warn("unsupported platform, peer credential checks will reject every client", "platform", runtime.GOOS)
	}

	if os.Geteuid() != 0 {
		log.Warn("daemon is not running as root, privileged commands will fail")
	}

	return checkActionsDir(actionsDir, log)
}

func checkActionsDir(dir string, log *logger.Logger) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("actions directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("actions directory %s is not a directory", dir)
	}
	if info.Mode().Perm()&0o022 != 0 {
		return fmt.Errorf("actions directory %s is writable by group or others (mode %s)", dir, info.Mode().Perm())
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Uid != 0 {
		if os.Geteuid() == 0 {
			return fmt.Errorf("actions directory %s is owned by uid %d, not root", dir, st.Uid)
		}
		log.Warn("actions directory is not owned by root", "dir", dir, "uid", st.Uid)
	}

	log.Debug("actions directory validated", "dir", dir, "mode", info.Mode().Perm().String())
	return nil
}
