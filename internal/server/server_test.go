package server

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seshterm/sesh/internal/config"
	"github.com/seshterm/sesh/internal/proto"
)

func testSize() proto.Winsize { return proto.Winsize{Rows: 24, Cols: 80} }

// newTestServer starts a server on a private socket and shuts it down with
// the test.
func newTestServer(t *testing.T) string {
	t.Helper()

	cfg := &config.Config{KillGraceMS: 500, DetachKey: `M-\`, LogLevel: "error"}
	log := logrus.New()
	log.SetOutput(io.Discard)

	srv := New(cfg, log.WithField("test", t.Name()))
	sock := filepath.Join(t.TempDir(), "sesh.sock")
	go srv.Run(sock)

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 3*time.Second, 10*time.Millisecond, "server did not come up")

	t.Cleanup(func() {
		if conn, err := net.Dial("unix", sock); err == nil {
			proto.WriteJSON(conn, proto.MsgShutdown, proto.Request{})
			var resp proto.Response
			proto.ReadJSON(conn, proto.MsgResponse, &resp)
			conn.Close()
		}
	})
	return sock
}

func call(t *testing.T, sock string, typ byte, req proto.Request) proto.Response {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, proto.WriteJSON(conn, typ, req))
	var resp proto.Response
	require.NoError(t, proto.ReadJSON(conn, proto.MsgResponse, &resp))
	return resp
}

func start(t *testing.T, sock, name, program string, args ...string) proto.Response {
	t.Helper()
	resp := call(t, sock, proto.MsgStart, proto.Request{
		Name:    name,
		Program: program,
		Args:    args,
		Env:     os.Environ(),
		Cwd:     t.TempDir(),
		Size:    testSize(),
	})
	require.True(t, resp.OK, "start failed: %s", resp.Error)
	return resp
}

func list(t *testing.T, sock string) []proto.SessionInfo {
	t.Helper()
	resp := call(t, sock, proto.MsgList, proto.Request{})
	require.True(t, resp.OK)
	return resp.Sessions
}

// countSessions is list without test assertions, safe inside Eventually
// closures.  Returns -1 when the server cannot be reached.
func countSessions(sock string) int {
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return -1
	}
	defer conn.Close()
	if err := proto.WriteJSON(conn, proto.MsgList, proto.Request{}); err != nil {
		return -1
	}
	var resp proto.Response
	if err := proto.ReadJSON(conn, proto.MsgResponse, &resp); err != nil {
		return -1
	}
	return len(resp.Sessions)
}

// attach performs the attach handshake and returns the streaming connection.
func attach(t *testing.T, sock, selector string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)

	require.NoError(t, proto.WriteJSON(conn, proto.MsgAttach, proto.Request{Selector: selector, Size: testSize()}))
	var resp proto.Response
	require.NoError(t, proto.ReadJSON(conn, proto.MsgResponse, &resp))
	require.True(t, resp.OK, "attach failed: %s", resp.Error)
	return conn
}

// readOutputUntil collects output frames until want appears, an Exited frame
// arrives, or the deadline passes.  Returns the collected output and the
// exit notice (nil if the stream is still open).
func readOutputUntil(t *testing.T, conn net.Conn, want string, timeout time.Duration) (string, *proto.ExitNotice) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	var out strings.Builder
	for {
		if want != "" && strings.Contains(out.String(), want) {
			return out.String(), nil
		}
		typ, payload, err := proto.ReadMessage(conn)
		if err != nil {
			return out.String(), nil
		}
		switch typ {
		case proto.FrameOutput:
			out.Write(payload)
		case proto.FrameExited:
			var notice proto.ExitNotice
			require.NoError(t, json.Unmarshal(payload, &notice))
			return out.String(), &notice
		}
	}
}

func sendInput(t *testing.T, conn net.Conn, input string) {
	t.Helper()
	require.NoError(t, proto.WriteMessage(conn, proto.FrameInput, []byte(input)))
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

func TestStartListKill(t *testing.T) {
	sock := newTestServer(t)

	resp := start(t, sock, "work", "/bin/sh", "-c", "sleep 60")
	assert.Equal(t, "work", resp.Name)
	assert.NotZero(t, resp.ID)

	sessions := list(t, sock)
	require.Len(t, sessions, 1)
	assert.Equal(t, resp.ID, sessions[0].ID)
	assert.Equal(t, "work", sessions[0].Name)
	assert.Equal(t, "/bin/sh", sessions[0].Program)
	assert.False(t, sessions[0].Attached)
	assert.NotZero(t, sessions[0].ChildPID)

	killResp := call(t, sock, proto.MsgKill, proto.Request{Selector: "work"})
	require.True(t, killResp.OK)
	assert.True(t, killResp.Killed)

	assert.Empty(t, list(t, sock))
}

func TestStartNameTakenAndReuseAfterKill(t *testing.T) {
	sock := newTestServer(t)

	first := start(t, sock, "work", "/bin/sh", "-c", "sleep 60")

	resp := call(t, sock, proto.MsgStart, proto.Request{
		Name: "work", Program: "/bin/sh", Args: []string{"-c", "sleep 60"},
		Env: os.Environ(), Cwd: t.TempDir(), Size: testSize(),
	})
	assert.False(t, resp.OK)
	assert.Equal(t, proto.ErrNameTaken, resp.ErrKind)

	call(t, sock, proto.MsgKill, proto.Request{Selector: "work"})

	second := start(t, sock, "work", "/bin/sh", "-c", "sleep 60")
	assert.Equal(t, "work", second.Name)
	assert.Greater(t, second.ID, first.ID, "ids are never reused")
}

func TestSynthesizedNames(t *testing.T) {
	sock := newTestServer(t)

	first := start(t, sock, "", "/bin/sh", "-c", "sleep 60")
	second := start(t, sock, "", "/bin/sh", "-c", "sleep 60")
	assert.Equal(t, "sh-0", first.Name)
	assert.Equal(t, "sh-1", second.Name)
}

func TestSelectorResolution(t *testing.T) {
	sock := newTestServer(t)

	resp := start(t, sock, "work", "/bin/sh", "-c", "sleep 60")

	// By id.
	killResp := call(t, sock, proto.MsgKill, proto.Request{Selector: strconv.FormatUint(resp.ID, 10)})
	assert.True(t, killResp.Killed)

	// Unknown selector.
	killResp = call(t, sock, proto.MsgKill, proto.Request{Selector: "nothing"})
	assert.False(t, killResp.OK)
	assert.Equal(t, proto.ErrNotFound, killResp.ErrKind)
}

func TestStartMissingProgram(t *testing.T) {
	sock := newTestServer(t)

	resp := call(t, sock, proto.MsgStart, proto.Request{
		Program: "/nonexistent/program",
		Env:     os.Environ(), Cwd: t.TempDir(), Size: testSize(),
	})
	assert.False(t, resp.OK)
	assert.Equal(t, proto.ErrSpawn, resp.ErrKind)

	// No partial state is left behind.
	assert.Empty(t, list(t, sock))
}

func TestChildExitRemovesSession(t *testing.T) {
	sock := newTestServer(t)

	start(t, sock, "short", "/bin/sh", "-c", "exit 0")

	assert.Eventually(t, func() bool {
		return countSessions(sock) == 0
	}, 5*time.Second, 50*time.Millisecond, "exited session was not removed")
}

// ─── Attach / detach ──────────────────────────────────────────────────────────

func TestAttachEcho(t *testing.T) {
	sock := newTestServer(t)

	start(t, sock, "echoer", "/bin/sh")
	conn := attach(t, sock, "echoer")
	defer conn.Close()

	sessions := list(t, sock)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Attached)

	sendInput(t, conn, "echo hi-from-test\n")
	out, _ := readOutputUntil(t, conn, "hi-from-test", 5*time.Second)
	assert.Contains(t, out, "hi-from-test")

	sendInput(t, conn, "exit 7\n")
	_, notice := readOutputUntil(t, conn, "", 5*time.Second)
	require.NotNil(t, notice, "expected an exit notice")
	assert.Equal(t, 7, notice.Code)

	assert.Eventually(t, func() bool {
		return countSessions(sock) == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestResizeAppliesBeforeInput(t *testing.T) {
	sock := newTestServer(t)

	start(t, sock, "sized", "/bin/sh")
	conn := attach(t, sock, "sized")
	defer conn.Close()

	require.NoError(t, proto.WriteMessage(conn, proto.FrameResize,
		proto.PutWinsize(proto.Winsize{Rows: 40, Cols: 120})))
	sendInput(t, conn, "stty size\n")

	out, _ := readOutputUntil(t, conn, "40 120", 5*time.Second)
	assert.Contains(t, out, "40 120")

	call(t, sock, proto.MsgKill, proto.Request{Selector: "sized"})
}

func TestAttachStealsPriorAttachment(t *testing.T) {
	sock := newTestServer(t)

	start(t, sock, "quiet", "/bin/sh", "-c", "sleep 60")

	first := attach(t, sock, "quiet")
	second := attach(t, sock, "quiet")
	defer second.Close()

	// The first stream must close cleanly, with no Exited frame.
	_, notice := readOutputUntil(t, first, "", 3*time.Second)
	assert.Nil(t, notice)
	first.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := proto.ReadMessage(first)
	assert.Error(t, err, "stolen stream should be closed")

	// The session stays alive and attached to the thief.
	sessions := list(t, sock)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Attached)
}

func TestDetachBySelector(t *testing.T) {
	sock := newTestServer(t)

	start(t, sock, "quiet", "/bin/sh", "-c", "sleep 60")
	conn := attach(t, sock, "quiet")
	defer conn.Close()

	resp := call(t, sock, proto.MsgDetach, proto.Request{Selector: "quiet"})
	require.True(t, resp.OK)
	assert.True(t, resp.Detached)

	// The stream closes without an Exited frame; the session lives on.
	_, notice := readOutputUntil(t, conn, "", 3*time.Second)
	assert.Nil(t, notice)

	sessions := list(t, sock)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Attached)
}

func TestDetachByPeer(t *testing.T) {
	sock := newTestServer(t)

	start(t, sock, "mine", "/bin/sh", "-c", "sleep 60")
	conn := attach(t, sock, "mine")
	defer conn.Close()

	// No selector: the server matches the attachment by our peer pid, since
	// both connections come from this test process.
	resp := call(t, sock, proto.MsgDetach, proto.Request{})
	require.True(t, resp.OK)
	if resp.Detached {
		sessions := list(t, sock)
		require.Len(t, sessions, 1)
		assert.False(t, sessions[0].Attached)
	} else {
		t.Skip("peer credentials unavailable on this platform")
	}
}

func TestDetachUnattachedIsNoOp(t *testing.T) {
	sock := newTestServer(t)

	start(t, sock, "idle", "/bin/sh", "-c", "sleep 60")

	resp := call(t, sock, proto.MsgDetach, proto.Request{Selector: "idle"})
	require.True(t, resp.OK)
	assert.False(t, resp.Detached)

	// Idempotent: a second detach is still a clean no-op.
	resp = call(t, sock, proto.MsgDetach, proto.Request{Selector: "idle"})
	require.True(t, resp.OK)
	assert.False(t, resp.Detached)
}

func TestDetachUnknownSelector(t *testing.T) {
	sock := newTestServer(t)

	resp := call(t, sock, proto.MsgDetach, proto.Request{Selector: "ghost"})
	assert.False(t, resp.OK)
	assert.Equal(t, proto.ErrNotFound, resp.ErrKind)
}

func TestKillDetachesAttachedClientCleanly(t *testing.T) {
	sock := newTestServer(t)

	start(t, sock, "doomed", "/bin/sh", "-c", "sleep 60")
	conn := attach(t, sock, "doomed")
	defer conn.Close()

	resp := call(t, sock, proto.MsgKill, proto.Request{Selector: "doomed"})
	require.True(t, resp.OK)
	assert.True(t, resp.Killed)

	// An operator kill is a detach from the client's point of view: the
	// stream must close cleanly with no Exited frame.
	_, notice := readOutputUntil(t, conn, "", 3*time.Second)
	assert.Nil(t, notice, "kill must not deliver an Exited frame")
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := proto.ReadMessage(conn)
	assert.Error(t, err, "stream should be closed after kill")

	assert.Empty(t, list(t, sock))
}

func TestShutdownDetachesAttachedClientCleanly(t *testing.T) {
	sock := newTestServer(t)

	start(t, sock, "doomed", "/bin/sh", "-c", "sleep 60")
	conn := attach(t, sock, "doomed")
	defer conn.Close()

	resp := call(t, sock, proto.MsgShutdown, proto.Request{})
	assert.True(t, resp.OK)

	// Shutdown kills every session; the attached stream closes cleanly with
	// no Exited frame, exactly like a remote detach.
	_, notice := readOutputUntil(t, conn, "", 3*time.Second)
	assert.Nil(t, notice, "shutdown must not deliver an Exited frame")
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := proto.ReadMessage(conn)
	assert.Error(t, err, "stream should be closed after shutdown")
}

func TestAttachZeroSizeRejected(t *testing.T) {
	sock := newTestServer(t)

	start(t, sock, "quiet", "/bin/sh", "-c", "sleep 60")

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, proto.WriteJSON(conn, proto.MsgAttach, proto.Request{Selector: "quiet"}))
	var resp proto.Response
	require.NoError(t, proto.ReadJSON(conn, proto.MsgResponse, &resp))
	assert.False(t, resp.OK)
	assert.Equal(t, proto.ErrProtocol, resp.ErrKind)
}

func TestAttachUnknownSelector(t *testing.T) {
	sock := newTestServer(t)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, proto.WriteJSON(conn, proto.MsgAttach, proto.Request{Selector: "ghost", Size: testSize()}))
	var resp proto.Response
	require.NoError(t, proto.ReadJSON(conn, proto.MsgResponse, &resp))
	assert.False(t, resp.OK)
	assert.Equal(t, proto.ErrNotFound, resp.ErrKind)
}

// ─── Shutdown ─────────────────────────────────────────────────────────────────

func TestShutdownKillsEverything(t *testing.T) {
	sock := newTestServer(t)

	start(t, sock, "one", "/bin/sh", "-c", "sleep 60")
	start(t, sock, "two", "/bin/sh", "-c", "sleep 60")

	resp := call(t, sock, proto.MsgShutdown, proto.Request{})
	assert.True(t, resp.OK)

	// The listener closes and the socket file disappears.
	assert.Eventually(t, func() bool {
		_, err := os.Stat(sock)
		return os.IsNotExist(err)
	}, 5*time.Second, 50*time.Millisecond, "socket file was not removed")

	_, err := net.Dial("unix", sock)
	assert.Error(t, err)
}
