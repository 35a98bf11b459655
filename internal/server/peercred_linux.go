//go:build linux

package server

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerPID returns the pid on the other end of a Unix-socket connection via
// SO_PEERCRED, or 0 if it cannot be determined.  Selector-less detach uses
// it to find the caller's own attachment.
func peerPID(conn net.Conn) int {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0
	}
	var cred *unix.Ucred
	raw.Control(func(fd uintptr) {
		cred, _ = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if cred == nil {
		return 0
	}
	return int(cred.Pid)
}
