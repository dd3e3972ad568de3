package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"privd/pkg/logger"

	"golang.org/x/net/netutil"
)

const socketMode os.FileMode = 0660

// listenUnix binds path after removing a stale socket left by a previous
// run. Anything at path that is not a socket is left alone and reported.
func listenUnix(path, group string, log *logger.Logger) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("refusing to replace %s: not a socket", path)
		}
		log.Debug("removing stale socket", "path", path)
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat socket path: %w", err)
	}

	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}

	if err := os.Chmod(path, socketMode); err != nil {
		lis.Close()
		return nil, fmt.Errorf("failed to set socket mode: %w", err)
	}

	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			lis.Close()
			return nil, fmt.Errorf("failed to look up socket group %s: %w", group, err)
		}
		gid, _ := strconv.Atoi(g.Gid)
		if err := os.Chown(path, -1, gid); err != nil {
			lis.Close()
			return nil, fmt.Errorf("failed to set socket group: %w", err)
		}
	}

	return lis, nil
}

// allowedUIDs returns root, the daemon's own uid, the panel user and any
// extra uids from configuration.
func allowedUIDs(panelUser string, extra []int, log *logger.Logger) map[int]bool {
	allowed := map[int]bool{0: true, os.Geteuid(): true}
	for _, uid := range extra {
		allowed[uid] = true
	}
	if panelUser != "" {
		u, err := user.Lookup(panelUser)
		if err != nil {
			log.Warn("panel user not found, it will not be able to connect", "user", panelUser, "error", err)
		} else if uid, err := strconv.Atoi(u.Uid); err == nil {
			allowed[uid] = true
		}
	}
	return allowed
}

// peerCredListener drops connections from processes whose uid is not
// allowed before gRPC sees them.
type peerCredListener struct {
	net.Listener
	allowed map[int]bool
	logger  *logger.Logger
}

func (l *peerCredListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		uid, pid, err := peerCredentials(conn)
		if err != nil {
			l.logger.Warn("rejecting connection without peer credentials", "error", err)
			conn.Close()
			continue
		}
		if !l.allowed[uid] {
			l.logger.Warn("rejecting connection from unauthorized uid", "uid", uid, "pid", pid)
			conn.Close()
			continue
		}

		l.logger.Debug("accepted connection", "uid", uid, "pid", pid)
		return conn, nil
	}
}

// wrapListener applies the peer check and the connection cap.
func wrapListener(lis net.Listener, allowed map[int]bool, maxConns int, log *logger.Logger) net.Listener {
	var wrapped net.Listener = &peerCredListener{Listener: lis, allowed: allowed, logger: log}
	if maxConns > 0 {
		wrapped = netutil.LimitListener(wrapped, maxConns)
	}
	return wrapped
}
