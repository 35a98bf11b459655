// Package server implements the seshd session manager.
//
// The server listens on a Unix domain socket and handles requests from sesh
// clients.  Each request is one length-prefixed message; the server writes a
// single response and the connection closes — except for attach requests,
// which enter a bidirectional streaming mode (see session.go and
// proto/messages.go for the wire format).
package server

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seshterm/sesh/internal/config"
	"github.com/seshterm/sesh/internal/proto"
	"github.com/seshterm/sesh/internal/pty"
)

// Server is the central supervisor.  It owns the table of live sessions and
// handles all IPC requests from sesh clients.
type Server struct {
	cfg *config.Config
	log *logrus.Entry

	mu           sync.Mutex
	sessions     map[uint64]*Session // keyed by session id
	byName       map[string]uint64   // name → id; bijective with sessions
	nextID       uint64
	shuttingDown bool

	listener net.Listener
}

// New creates a Server.
func New(cfg *config.Config, log *logrus.Entry) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		sessions: make(map[uint64]*Session),
		byName:   make(map[string]uint64),
		nextID:   1,
	}
}

// Run binds the Unix socket and serves until Shutdown.  A stale socket file
// (exists, but nothing answers) is removed; a live one is an error so two
// servers never fight over the same path.
func (s *Server) Run(socketPath string) error {
	if err := config.EnsureRuntimeDir(socketPath); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	if _, err := os.Stat(socketPath); err == nil {
		if conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond); err == nil {
			conn.Close()
			return fmt.Errorf("another seshd is already listening on %s", socketPath)
		}
		os.Remove(socketPath)
	}

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.log.Infof("seshd listening on %s", socketPath)

	for {
		conn, err := l.Accept()
		if err != nil {
			// Listener was closed (shutdown).
			s.log.Info("seshd exiting")
			os.Remove(socketPath)
			return nil
		}
		go s.handleConn(conn)
	}
}

// ─── Connection handling ──────────────────────────────────────────────────────

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		// conn may already be closed by the attach path; that's fine.
		conn.Close()
	}()

	typ, payload, err := proto.ReadMessage(conn)
	if err != nil {
		return
	}
	var req proto.Request
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			respond(conn, proto.Errf(proto.ErrProtocol, "bad request: %v", err))
			return
		}
	}

	peer := peerPID(conn)

	switch typ {
	case proto.MsgStart:
		s.handleStart(conn, req)
	case proto.MsgList:
		s.handleList(conn)
	case proto.MsgKill:
		s.handleKill(conn, req)
	case proto.MsgDetach:
		s.handleDetach(conn, req, peer)
	case proto.MsgAttach:
		s.handleAttach(conn, req, peer)
	case proto.MsgShutdown:
		s.handleShutdown(conn)
	default:
		respond(conn, proto.Errf(proto.ErrProtocol, "unknown message type 0x%02x", typ))
	}
}

func respond(conn net.Conn, r proto.Response) {
	proto.WriteJSON(conn, proto.MsgResponse, r)
}

// ─── Request handlers ─────────────────────────────────────────────────────────

func (s *Server) handleStart(conn net.Conn, req proto.Request) {
	program, args, err := s.resolveProgram(req)
	if err != nil {
		respond(conn, proto.Errf(proto.ErrSpawn, "%v", err))
		return
	}

	size := req.Size
	if size.Zero() {
		// Detached starts from a non-terminal have no size to offer.
		size = proto.Winsize{Rows: 24, Cols: 80}
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		respond(conn, proto.Errf(proto.ErrServerUnavailable, "server is shutting down"))
		return
	}
	name := req.Name
	if name != "" {
		if _, taken := s.byName[name]; taken {
			s.mu.Unlock()
			respond(conn, proto.Errf(proto.ErrNameTaken, "session name %q is taken", name))
			return
		}
	} else {
		name = s.synthesizeName(program)
	}
	id := s.nextID
	s.nextID++
	// Reserve the name before spawning so a racing start with the same name
	// fails fast; the reservation is dropped if the spawn fails.
	s.byName[name] = id
	s.mu.Unlock()

	env := append(append([]string{}, req.Env...),
		"SESH_NAME="+name,
		"SESH_SESSION_ID="+strconv.FormatUint(id, 10),
	)

	p, err := pty.Spawn(program, args, env, req.Cwd, pty.Winsize{
		Rows: size.Rows, Cols: size.Cols, Xpix: size.Xpix, Ypix: size.Ypix,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.byName, name)
		s.mu.Unlock()
		respond(conn, proto.Errf(proto.ErrSpawn, "%v", err))
		return
	}

	now := time.Now()
	sess := &Session{
		ID:        id,
		Name:      name,
		Program:   program,
		Args:      args,
		Cwd:       req.Cwd,
		CreatedAt: now,
		pty:       p,
		size:      size,
		lastUsed:  now,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	go s.runSession(sess)

	s.log.WithField("session", name).WithField("id", id).
		Infof("started %s (pid %d)", program, p.Pid())

	respond(conn, proto.Response{OK: true, ID: id, Name: name})
}

func (s *Server) handleList(conn net.Conn) {
	s.mu.Lock()
	infos := make([]proto.SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.Info())
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	respond(conn, proto.Response{OK: true, Sessions: infos})
}

func (s *Server) handleKill(conn net.Conn, req proto.Request) {
	sess := s.resolve(req.Selector)
	if sess == nil {
		respond(conn, proto.Errf(proto.ErrNotFound, "no session %q", req.Selector))
		return
	}

	s.killSession(sess)
	respond(conn, proto.Response{OK: true, Killed: true})
}

// killSession brings a session down: detach any client, SIGHUP to the
// process group, a grace period, then SIGKILL.  Blocks until the reaper has
// removed the session, so a following List never shows it.  Idempotent while
// the record exists — a child that already exited just means done closes
// immediately.
func (s *Server) killSession(sess *Session) {
	// Detach first, with a clean stream close and no Exited frame: from the
	// attached client's point of view an operator kill is a detach, not a
	// child exit.  markKilled covers any attachment that sneaks in between
	// the detach and the reap.
	sess.markKilled()
	sess.detach()

	sess.pty.Signal(syscall.SIGHUP)
	select {
	case <-sess.done:
		return
	case <-time.After(s.cfg.KillGrace()):
	}

	s.log.WithField("session", sess.Name).Warn("grace period expired, sending SIGKILL")
	sess.pty.Signal(syscall.SIGKILL)
	<-sess.done
}

func (s *Server) handleDetach(conn net.Conn, req proto.Request, peer int) {
	if req.Selector != "" {
		sess := s.resolve(req.Selector)
		if sess == nil {
			respond(conn, proto.Errf(proto.ErrNotFound, "no session %q", req.Selector))
			return
		}
		respond(conn, proto.Response{OK: true, Detached: sess.detach()})
		return
	}

	// No selector: detach the attachment that belongs to the calling client,
	// identified by the connection's peer pid.
	if peer == 0 {
		respond(conn, proto.Response{OK: true, Detached: false})
		return
	}
	s.mu.Lock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	for _, sess := range targets {
		if sess.attachedPID() == peer {
			respond(conn, proto.Response{OK: true, Detached: sess.detach()})
			return
		}
	}
	respond(conn, proto.Response{OK: true, Detached: false})
}

// handleAttach switches the connection into streaming mode.  The request
// carries the selector and the client's initial window size; after the
// handshake response the server forwards PTY output and consumes input and
// resize frames until the stream ends.
func (s *Server) handleAttach(conn net.Conn, req proto.Request, peer int) {
	sess := s.resolve(req.Selector)
	if sess == nil {
		respond(conn, proto.Errf(proto.ErrNotFound, "no session %q", req.Selector))
		return
	}
	if req.Size.Zero() {
		respond(conn, proto.Errf(proto.ErrProtocol, "refusing zero window size"))
		return
	}

	// The handshake response must be on the wire before the output pump can
	// write to this connection, so respond first, then install.
	respond(conn, proto.Response{OK: true, ID: sess.ID, Name: sess.Name})

	att := &attachment{conn: conn, clientPID: peer}

	// Atomically steal the slot; the previous bridge's stream closes cleanly
	// (no Exited frame) and that session's client unwinds as a remote detach.
	prev := sess.install(att, req.Size)
	if prev != nil {
		prev.conn.Close()
	}

	// If the reaper won the race and took its attachment snapshot before the
	// install, nobody will ever notify this stream; close it instead of
	// leaving the client hanging on a dead session.
	select {
	case <-sess.done:
		sess.clear(att)
		conn.Close()
		return
	default:
	}

	// The size is applied before the input loop starts, so it takes effect
	// before any input byte the client sends.
	if err := sess.resize(req.Size); err != nil {
		s.log.WithField("session", sess.Name).Warnf("resize: %v", err)
	}
	s.log.WithField("session", sess.Name).WithField("peer", peer).Info("client attached")

	// Input loop.  Output flows from the session's pump goroutine; this
	// single reader guarantees a resize is applied to the PTY before any
	// input bytes that follow it on the stream.
	for {
		typ, payload, err := proto.ReadMessage(conn)
		if err != nil {
			break
		}
		switch typ {
		case proto.FrameInput:
			if _, err := sess.pty.Write(payload); err != nil {
				s.log.WithField("session", sess.Name).Debugf("pty write: %v", err)
			}
		case proto.FrameResize:
			ws, err := proto.ParseWinsize(payload)
			if err != nil || ws.Zero() {
				s.log.WithField("session", sess.Name).Warn("dropping malformed resize frame")
				continue
			}
			if err := sess.resize(ws); err != nil {
				s.log.WithField("session", sess.Name).Warnf("resize: %v", err)
			}
		default:
			s.log.WithField("session", sess.Name).Warnf("dropping unexpected frame 0x%02x", typ)
		}
	}

	sess.clear(att)
	conn.Close()
	s.log.WithField("session", sess.Name).Info("client detached")
}

func (s *Server) handleShutdown(conn net.Conn) {
	respond(conn, proto.Response{OK: true})
	conn.Close()

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	targets := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	l := s.listener
	s.mu.Unlock()

	s.log.Infof("shutdown requested, terminating %d sessions", len(targets))

	var wg sync.WaitGroup
	for _, sess := range targets {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			s.killSession(sess)
		}(sess)
	}
	wg.Wait()

	if l != nil {
		l.Close()
	}
}

// Shutdown terminates all sessions and stops the listener.  Used by the
// signal handler in cmd/seshd; RPC shutdown goes through handleShutdown.
func (s *Server) Shutdown() {
	s.handleShutdown(nopConn{})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// resolve maps a selector to a live session: a decimal integer matching a
// live id wins, then an exact name.  Returns nil when nothing matches.
func (s *Server) resolve(selector string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, err := strconv.ParseUint(selector, 10, 64); err == nil {
		if sess, ok := s.sessions[n]; ok {
			return sess
		}
	}
	if id, ok := s.byName[selector]; ok {
		return s.sessions[id]
	}
	return nil
}

// resolveProgram decides what the session runs: the requested program, the
// client's login shell, the configured default command, then /bin/sh.
func (s *Server) resolveProgram(req proto.Request) (string, []string, error) {
	if req.Program != "" {
		return req.Program, req.Args, nil
	}
	if shell := envLookup(req.Env, "SHELL"); shell != "" {
		return shell, nil, nil
	}
	argv, err := s.cfg.DefaultArgv()
	if err != nil {
		return "", nil, err
	}
	if len(argv) > 0 {
		return argv[0], argv[1:], nil
	}
	return "/bin/sh", nil, nil
}

// synthesizeName builds "<basename(program)>-<k>" with the smallest k that
// is free.  Must be called with s.mu held.
func (s *Server) synthesizeName(program string) string {
	base := filepath.Base(program)
	for k := 0; ; k++ {
		name := fmt.Sprintf("%s-%d", base, k)
		if _, taken := s.byName[name]; !taken {
			return name
		}
	}
}

func envLookup(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):]
		}
	}
	return ""
}

// nopConn satisfies net.Conn for the signal-handler shutdown path, which has
// no client to answer.
type nopConn struct{}

func (nopConn) Read(b []byte) (int, error)         { return 0, net.ErrClosed }
func (nopConn) Write(b []byte) (int, error)        { return len(b), nil }
func (nopConn) Close() error                       { return nil }
func (nopConn) LocalAddr() net.Addr                { return &net.UnixAddr{} }
func (nopConn) RemoteAddr() net.Addr               { return &net.UnixAddr{} }
func (nopConn) SetDeadline(t time.Time) error      { return nil }
func (nopConn) SetReadDeadline(t time.Time) error  { return nil }
func (nopConn) SetWriteDeadline(t time.Time) error { return nil }
