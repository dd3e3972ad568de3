//go:build !linux

package server

import (
	"errors"
	"net"
)

func peerCredentials(conn net.Conn) (uid, pid int, err error) {
	return 0, 0, errors.New("peer credentials are only supported on linux")
}
