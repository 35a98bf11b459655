//go:build !linux && !darwin

package server

import "net"

// peerPID is unavailable on this platform; selector-less detach degrades to
// a no-op that reports detached=false.
func peerPID(conn net.Conn) int { return 0 }
