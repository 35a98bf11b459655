package client

// attach.go – the bridge that makes the local terminal a transparent conduit
// to a session's PTY.
//
// While attached, the terminal is in raw mode on the alternate screen; every
// exit path — hotkey detach, remote detach, child exit, stream error,
// SIGTERM, panic — funnels through one restore function so the user never
// gets a wedged terminal.

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/seshterm/sesh/internal/config"
	"github.com/seshterm/sesh/internal/proto"
)

const (
	enterAltScreen = "\x1b[?1049h\x1b[?25l"
	leaveAltScreen = "\x1b[?25h\x1b[?1049l"
)

// outcomes of an attach session.
const (
	outcomeDetached = iota
	outcomeExited
	outcomeError
)

type outcome struct {
	kind int
	code int
	err  error
}

// Attach bridges the local terminal to the selected session until detach or
// child exit.  Returns the process exit code sesh should use: 0 for a clean
// detach, the child's code after an exit, 1 when the local terminal cannot
// be used (stdin not a terminal, bad detach key, no size, raw mode failure),
// 2 on RPC or stream errors.  Errors are also returned for reporting.
func Attach(cfg *config.Config, selector string) (int, error) {
	fd := int(os.Stdin.Fd())
	if !isatty.IsTerminal(uintptr(fd)) {
		return 1, fmt.Errorf("stdin is not a terminal")
	}

	detachKey, err := config.ParseDetachKey(cfg.DetachKey)
	if err != nil {
		return 1, err
	}

	size, err := terminalSize(fd)
	if err != nil {
		return 1, fmt.Errorf("query terminal size: %w", err)
	}

	conn, err := Dial()
	if err != nil {
		return 2, err
	}
	// conn is closed on the way out of the bridge, not deferred here: the
	// pump goroutines own its lifetime.

	if err := proto.WriteJSON(conn, proto.MsgAttach, proto.Request{Selector: selector, Size: size}); err != nil {
		conn.Close()
		return 2, &RPCError{Kind: proto.ErrIO, Message: err.Error()}
	}
	var resp proto.Response
	if err := proto.ReadJSON(conn, proto.MsgResponse, &resp); err != nil {
		conn.Close()
		return 2, &RPCError{Kind: proto.ErrIO, Message: err.Error()}
	}
	if !resp.OK {
		conn.Close()
		return 2, &RPCError{Kind: resp.ErrKind, Message: resp.Error}
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		conn.Close()
		return 1, fmt.Errorf("cannot set raw mode: %w", err)
	}

	var restoreOnce sync.Once
	restore := func() {
		restoreOnce.Do(func() {
			os.Stdout.WriteString(leaveAltScreen)
			term.Restore(fd, oldState)
		})
	}
	defer restore()

	os.Stdout.WriteString(enterAltScreen)

	// No scrollback is replayed on attach, so nudge full-screen programs
	// into a repaint: resize one column off, then back to the real size.
	sendResize(conn, nudgedSize(size))
	sendResize(conn, size)

	done := make(chan outcome, 1)
	report := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}

	// stdin → server.  The detach hotkey (ESC then detachKey in the same
	// read) stops forwarding; the hotkey bytes themselves are never sent.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if i := scanDetach(buf[:n], detachKey); i >= 0 {
					if i > 0 {
						proto.WriteMessage(conn, proto.FrameInput, buf[:i])
					}
					// The detach request rides a separate unary connection;
					// the server matches it to us by peer pid.
					CallExisting(proto.MsgDetach, proto.Request{})
					report(outcome{kind: outcomeDetached})
					return
				}
				if err := proto.WriteMessage(conn, proto.FrameInput, buf[:n]); err != nil {
					report(outcome{kind: outcomeDetached})
					return
				}
			}
			if err != nil {
				report(outcome{kind: outcomeError, err: err})
				return
			}
		}
	}()

	// server → stdout.  A stream close without an Exited frame is a remote
	// detach (or server shutdown); the session lives on.
	go func() {
		for {
			typ, payload, err := proto.ReadMessage(conn)
			if err != nil {
				report(outcome{kind: outcomeDetached})
				return
			}
			switch typ {
			case proto.FrameOutput:
				os.Stdout.Write(payload)
			case proto.FrameExited:
				var notice proto.ExitNotice
				if err := json.Unmarshal(payload, &notice); err != nil {
					report(outcome{kind: outcomeError, err: fmt.Errorf("bad exit notice: %w", err)})
					return
				}
				report(outcome{kind: outcomeExited, code: notice.Code})
				return
			}
		}
	}()

	// Window-size changes and SIGTERM.  SIGINT is deliberately absent: raw
	// mode delivers ^C as a byte for the session's foreground job.
	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, syscall.SIGTERM)
	go func() {
		for {
			select {
			case <-winchCh:
				if ws, err := terminalSize(fd); err == nil {
					sendResize(conn, ws)
				}
			case <-termCh:
				CallExisting(proto.MsgDetach, proto.Request{})
				report(outcome{kind: outcomeDetached})
				return
			}
		}
	}()

	o := <-done
	signal.Stop(winchCh)
	signal.Stop(termCh)
	conn.Close()
	restore()

	switch o.kind {
	case outcomeExited:
		fmt.Printf("[exited: %d]\n", o.code)
		return o.code, nil
	case outcomeError:
		if o.err == io.EOF {
			fmt.Println("[detached]")
			return 0, nil
		}
		return 2, o.err
	default:
		fmt.Println("[detached]")
		return 0, nil
	}
}

// scanDetach returns the index of the ESC that starts the hotkey pair, or
// -1.  The pair must arrive in one read: a terminal sends Alt+<key> as
// ESC <key> in a single burst, while a human typing ESC and then the key
// lands in separate reads and passes through untouched.
func scanDetach(buf []byte, key byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == 0x1b && buf[i+1] == key {
			return i
		}
	}
	return -1
}

// nudgedSize returns size with the column count shifted by one, for the
// redraw nudge sent right after attach.
func nudgedSize(size proto.Winsize) proto.Winsize {
	if size.Cols > 1 {
		size.Cols--
	} else {
		size.Cols++
	}
	return size
}

func sendResize(conn net.Conn, size proto.Winsize) {
	proto.WriteMessage(conn, proto.FrameResize, proto.PutWinsize(size))
}

// terminalSize queries the full window size, pixel fields included.
func terminalSize(fd int) (proto.Winsize, error) {
	ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
	if err != nil {
		return proto.Winsize{}, err
	}
	return proto.Winsize{Rows: ws.Row, Cols: ws.Col, Xpix: ws.Xpixel, Ypix: ws.Ypixel}, nil
}

// TerminalSize is the exported form used by cmd/sesh when starting sessions.
func TerminalSize() proto.Winsize {
	fd := int(os.Stdin.Fd())
	if !isatty.IsTerminal(uintptr(fd)) {
		return proto.Winsize{}
	}
	ws, err := terminalSize(fd)
	if err != nil {
		return proto.Winsize{}
	}
	return ws
}
