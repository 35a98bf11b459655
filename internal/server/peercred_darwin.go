//go:build darwin

package server

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerPID returns the pid on the other end of a Unix-socket connection via
// LOCAL_PEERPID, or 0 if it cannot be determined.
func peerPID(conn net.Conn) int {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0
	}
	pid := 0
	raw.Control(func(fd uintptr) {
		if p, err := unix.GetsockoptInt(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERPID); err == nil {
			pid = p
		}
	})
	return pid
}
