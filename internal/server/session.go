package server

// session.go – per-session runtime: the PTY handle, the single attachment
// slot, the output pump, and the reaper.
//
// Architecture overview
// ─────────────────────
//
//  ┌───────────────────────────────┐
//  │  Session                      │
//  │  ┌────────────┐               │
//  │  │ child proc │◄── PTY slave  │
//  │  └────────────┘               │
//  │         ▲  ▼                  │
//  │       PTY master              │
//  │         │                     │
//  │    runSession goroutine       │
//  │     ├── forwards output to    │
//  │     │   the attachment (if any)
//  │     └── reaps the child and   │
//  │         removes the session   │
//  │                               │
//  │  Attach: client conn ───────► │
//  │    (framed input/resize;      │
//  │     output/exited back)       │
//  └───────────────────────────────┘
//
// The PTY master is owned by the session for its whole life: detach never
// closes it, only child exit does.  The pump keeps reading the master while
// detached and drops that output, so nothing is replayed on the next attach;
// sesh is not a logger.

import (
	"net"
	"sync"
	"time"

	"github.com/seshterm/sesh/internal/proto"
	"github.com/seshterm/sesh/internal/pty"
)

// attachment is the binding between one client stream and the session.
// At most one exists per session; a new attach steals the slot and the old
// stream is closed, which unwinds the old bridge cleanly.
type attachment struct {
	conn      net.Conn
	clientPID int // SO_PEERCRED pid of the attached client; 0 if unknown
}

// Session is one live PTY-backed process.
type Session struct {
	// Immutable after creation.
	ID        uint64
	Name      string
	Program   string
	Args      []string
	Cwd       string
	CreatedAt time.Time

	pty *pty.Pty

	// Mutable; protected by mu.
	mu             sync.Mutex
	att            *attachment
	size           proto.Winsize
	lastAttachedAt time.Time
	lastUsed       time.Time
	// killed means an operator is terminating the session (kill or
	// shutdown).  From an attached client's point of view that is a detach,
	// not a child exit: the reaper closes the stream without an Exited
	// frame, including for an attachment that lands after the kill began.
	killed bool

	// done is closed by the reaper once the child is reaped and the session
	// removed from the table.  killSession waits on it.
	done chan struct{}
}

// Info returns a serialisable snapshot of this session's metadata.
func (sess *Session) Info() proto.SessionInfo {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	var lastAttached int64
	if !sess.lastAttachedAt.IsZero() {
		lastAttached = sess.lastAttachedAt.Unix()
	}
	return proto.SessionInfo{
		ID:             sess.ID,
		Name:           sess.Name,
		Program:        sess.Program,
		CreatedAt:      sess.CreatedAt.Unix(),
		LastAttachedAt: lastAttached,
		Attached:       sess.att != nil,
		ChildPID:       sess.pty.Pid(),
		Size:           sess.size,
	}
}

// install makes att the session's attachment and returns the previous one,
// which the caller must close (outside the lock).
func (sess *Session) install(att *attachment, size proto.Winsize) *attachment {
	sess.mu.Lock()
	prev := sess.att
	sess.att = att
	sess.size = size
	now := time.Now()
	sess.lastAttachedAt = now
	sess.lastUsed = now
	sess.mu.Unlock()
	return prev
}

// clear removes att from the attachment slot if it still holds it.  A steal
// may already have replaced it; in that case the slot is left alone.
func (sess *Session) clear(att *attachment) {
	sess.mu.Lock()
	if sess.att == att {
		sess.att = nil
	}
	sess.mu.Unlock()
}

// detach severs the current attachment, whoever owns it.  Closing the stream
// unblocks both bridge loops; the session and its PTY stay alive.
// Returns false if nothing was attached.
func (sess *Session) detach() bool {
	sess.mu.Lock()
	att := sess.att
	sess.att = nil
	sess.mu.Unlock()

	if att == nil {
		return false
	}
	att.conn.Close()
	return true
}

// markKilled records that an operator is terminating the session; see the
// killed field.
func (sess *Session) markKilled() {
	sess.mu.Lock()
	sess.killed = true
	sess.mu.Unlock()
}

// attachedPID returns the attached client's pid, or 0 when detached.
func (sess *Session) attachedPID() int {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.att == nil {
		return 0
	}
	return sess.att.clientPID
}

// resize applies a new window size to the PTY and remembers it; the last
// known size persists across detached intervals.
func (sess *Session) resize(ws proto.Winsize) error {
	if err := sess.pty.Resize(pty.Winsize{Rows: ws.Rows, Cols: ws.Cols, Xpix: ws.Xpix, Ypix: ws.Ypix}); err != nil {
		return err
	}
	sess.mu.Lock()
	sess.size = ws
	sess.mu.Unlock()
	return nil
}

// runSession drains the PTY master in a tight loop, forwarding output to the
// attached client, then reaps the child and removes the session.
//
// Read error on the master means the slave side closed; that is advisory
// only — Wait is the authoritative exit signal and runs right after.
func (s *Server) runSession(sess *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.pty.Read(buf)
		if n > 0 {
			sess.mu.Lock()
			att := sess.att
			sess.mu.Unlock()

			// Forward to the attached client (ignore errors; the client may
			// have gone away and the input loop will notice).
			if att != nil {
				proto.WriteMessage(att.conn, proto.FrameOutput, buf[:n])
			}
		}
		if err != nil {
			break
		}
	}

	status := sess.pty.Wait()

	s.mu.Lock()
	delete(s.sessions, sess.ID)
	delete(s.byName, sess.Name)
	s.mu.Unlock()

	sess.mu.Lock()
	att := sess.att
	sess.att = nil
	killed := sess.killed
	sess.mu.Unlock()
	sess.pty.Close()

	// Tell the attached client how the child ended, then close the stream.
	// A detached session just disappears; its exit status is not preserved.
	// An operator kill is the exception: the client is detached, not told
	// the child exited, so the stream closes with no Exited frame.
	if att != nil {
		if !killed {
			notice := proto.ExitNotice{Code: status.Code}
			if status.Signal != 0 {
				notice.Signal = status.Signal.String()
			}
			proto.WriteJSON(att.conn, proto.FrameExited, notice)
		}
		att.conn.Close()
	}

	s.log.WithField("session", sess.Name).WithField("id", sess.ID).
		Infof("child exited (%s)", status)

	close(sess.done)
}
