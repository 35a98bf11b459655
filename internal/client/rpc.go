// Package client implements the sesh side of the socket protocol: unary
// RPCs, transparent server auto-start, and the attach bridge that turns the
// caller's terminal into a conduit to a session's PTY.
package client

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/seshterm/sesh/internal/config"
	"github.com/seshterm/sesh/internal/proto"
)

// RPCError is a typed error response from the server.
type RPCError struct {
	Kind    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind
}

// IsKind reports whether err is an RPCError of the given kind.
func IsKind(err error, kind string) bool {
	rpcErr, ok := err.(*RPCError)
	return ok && rpcErr.Kind == kind
}

// Call performs one unary RPC on a fresh connection, starting the server
// first if needed.  A Response with OK=false comes back as an *RPCError.
func Call(typ byte, req proto.Request) (proto.Response, error) {
	conn, err := Dial()
	if err != nil {
		return proto.Response{}, err
	}
	defer conn.Close()
	return roundTrip(conn, typ, req)
}

// CallExisting is Call without auto-start; used by shutdown, where spawning
// a server only to stop it would be absurd.
func CallExisting(typ byte, req proto.Request) (proto.Response, error) {
	conn, err := net.DialTimeout("unix", config.SocketPath(), time.Second)
	if err != nil {
		return proto.Response{}, &RPCError{Kind: proto.ErrServerUnavailable, Message: "no server running"}
	}
	defer conn.Close()
	return roundTrip(conn, typ, req)
}

func roundTrip(conn net.Conn, typ byte, req proto.Request) (proto.Response, error) {
	if err := proto.WriteJSON(conn, typ, req); err != nil {
		return proto.Response{}, &RPCError{Kind: proto.ErrIO, Message: err.Error()}
	}
	var resp proto.Response
	if err := proto.ReadJSON(conn, proto.MsgResponse, &resp); err != nil {
		return proto.Response{}, &RPCError{Kind: proto.ErrIO, Message: err.Error()}
	}
	if !resp.OK {
		return resp, &RPCError{Kind: resp.ErrKind, Message: resp.Error}
	}
	return resp, nil
}

// Dial connects to the server socket, auto-starting seshd when nothing
// answers.  Retries for about one second before giving up.
func Dial() (net.Conn, error) {
	socketPath := config.SocketPath()

	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err == nil {
		return conn, nil
	}

	if err := startServer(); err != nil {
		return nil, &RPCError{Kind: proto.ErrServerUnavailable, Message: err.Error()}
	}

	for i := 0; i < 20; i++ {
		time.Sleep(50 * time.Millisecond)
		conn, err := net.DialTimeout("unix", socketPath, time.Second)
		if err == nil {
			return conn, nil
		}
	}
	return nil, &RPCError{Kind: proto.ErrServerUnavailable, Message: "server did not start in time"}
}

// startServer launches seshd detached from this terminal: its own session,
// stdio on /dev/null.  The binary is looked up next to the sesh executable
// first, then on PATH.
func startServer() error {
	bin := "seshd"
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "seshd")
		if _, err := os.Stat(sibling); err == nil {
			bin = sibling
		}
	}

	cmd := exec.Command(bin)
	// nil stdio means /dev/null under os/exec.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not start seshd: %w", err)
	}
	cmd.Process.Release()
	return nil
}
