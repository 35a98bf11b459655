// Package proto defines the IPC message types and framing used between sesh
// (client) and seshd (server) over a Unix domain socket.
//
// Every message on the wire — unary requests, unary responses, and attach
// stream frames alike — uses the same length-prefixed envelope:
//
//	[1 byte type][4 bytes big-endian length][payload]
//
// Unary payloads are JSON-encoded Request/Response structs.  Attach input and
// output frames carry raw terminal bytes; resize frames carry a packed
// Winsize (see PutWinsize).  Each unary command uses a fresh connection; the
// attach command keeps its connection open and switches it into streaming
// mode after the handshake response.
package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Message type bytes.  Unary requests get a single Response back; MsgAttach
// gets a Response handshake followed by stream frames in both directions.
const (
	MsgStart    byte = 0x01
	MsgList     byte = 0x02
	MsgKill     byte = 0x03
	MsgDetach   byte = 0x04
	MsgShutdown byte = 0x05
	MsgAttach   byte = 0x06
	MsgResponse byte = 0x07

	// Attach stream frames, client → server.
	FrameInput  byte = 0x10 // raw stdin bytes for the PTY
	FrameResize byte = 0x11 // packed Winsize (8 bytes)

	// Attach stream frames, server → client.
	FrameOutput byte = 0x12 // raw PTY output bytes
	FrameExited byte = 0x13 // JSON ExitNotice; the session is gone
)

// maxFrameLen caps a single message payload.  Terminal traffic arrives in
// PTY-buffer-sized chunks, so anything near this is a corrupt stream.
const maxFrameLen = 1 << 20

// Error kinds carried in Response.ErrKind.
const (
	ErrNotFound          = "not_found"
	ErrNameTaken         = "name_taken"
	ErrSpawn             = "spawn_error"
	ErrIO                = "io_error"
	ErrProtocol          = "protocol_error"
	ErrServerUnavailable = "server_unavailable"
)

// Winsize is a terminal window size.  Pixel fields are usually zero but are
// carried through to the PTY for programs that care.
type Winsize struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
	Xpix uint16 `json:"xpix"`
	Ypix uint16 `json:"ypix"`
}

// Zero reports whether the size is unusable for a terminal.
func (w Winsize) Zero() bool { return w.Rows == 0 || w.Cols == 0 }

// Request is the JSON payload for every client → server message.  The
// message type byte determines which fields are meaningful.
type Request struct {
	// Start fields.
	Name     string   `json:"name,omitempty"`
	Program  string   `json:"program,omitempty"`
	Args     []string `json:"args,omitempty"`
	Env      []string `json:"env,omitempty"`
	Cwd      string   `json:"cwd,omitempty"`
	Detached bool     `json:"detached,omitempty"`

	// Kill / detach / attach target.  Resolved as a live session id when the
	// string parses as a decimal integer and matches one, otherwise as an
	// exact name.  A purely numeric name can therefore be shadowed by an id;
	// the id wins.
	Selector string `json:"selector,omitempty"`

	// Start initial size and attach handshake size.
	Size Winsize `json:"size,omitempty"`
}

// SessionInfo is a point-in-time snapshot of one session's metadata.
type SessionInfo struct {
	ID             uint64  `json:"id"`
	Name           string  `json:"name"`
	Program        string  `json:"program"`
	CreatedAt      int64   `json:"created_at"`
	LastAttachedAt int64   `json:"last_attached_at,omitempty"` // unix timestamp; 0 if never attached
	Attached       bool    `json:"attached"`
	ChildPID       int     `json:"child_pid"`
	Size           Winsize `json:"size"`
}

// Response is the JSON payload for every server → client unary reply.
type Response struct {
	OK      bool   `json:"ok"`
	ErrKind string `json:"err_kind,omitempty"`
	Error   string `json:"error,omitempty"`

	// Start.
	ID   uint64 `json:"id,omitempty"`
	Name string `json:"name,omitempty"`

	// Kill / detach.
	Killed   bool `json:"killed,omitempty"`
	Detached bool `json:"detached,omitempty"`

	// List.
	Sessions []SessionInfo `json:"sessions,omitempty"`
}

// Errf builds an error Response.
func Errf(kind, format string, args ...any) Response {
	return Response{OK: false, ErrKind: kind, Error: fmt.Sprintf(format, args...)}
}

// ExitNotice is the FrameExited payload: how the session's child ended.
type ExitNotice struct {
	// Code is the exit status the client should propagate: the child's exit
	// code, or 128+signum when the child was killed by a signal.
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// ─── Framing ──────────────────────────────────────────────────────────────────

// WriteMessage writes a single framed message to w.  Header and payload go
// out in one Write call: net.Conn serializes concurrent Writes, so frames
// from different goroutines never interleave on the stream.
func WriteMessage(w io.Writer, typ byte, payload []byte) error {
	msg := make([]byte, 5+len(payload))
	msg[0] = typ
	binary.BigEndian.PutUint32(msg[1:5], uint32(len(payload)))
	copy(msg[5:], payload)
	_, err := w.Write(msg)
	return err
}

// WriteJSON marshals v and writes it as a framed message of the given type.
func WriteJSON(w io.Writer, typ byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteMessage(w, typ, payload)
}

// ReadMessage reads a single framed message from r.
// Returns (type, payload, error).
func ReadMessage(r io.Reader) (byte, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	typ := hdr[0]
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxFrameLen {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	if n == 0 {
		return typ, nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return typ, payload, nil
}

// ReadJSON reads one framed message, requires it to be of type want, and
// unmarshals the payload into v.
func ReadJSON(r io.Reader, want byte, v any) error {
	typ, payload, err := ReadMessage(r)
	if err != nil {
		return err
	}
	if typ != want {
		return fmt.Errorf("unexpected message type 0x%02x (want 0x%02x)", typ, want)
	}
	return json.Unmarshal(payload, v)
}

// PutWinsize packs a Winsize into the 8-byte resize frame payload:
// rows, cols, xpix, ypix as big-endian uint16.
func PutWinsize(ws Winsize) []byte {
	p := make([]byte, 8)
	binary.BigEndian.PutUint16(p[0:2], ws.Rows)
	binary.BigEndian.PutUint16(p[2:4], ws.Cols)
	binary.BigEndian.PutUint16(p[4:6], ws.Xpix)
	binary.BigEndian.PutUint16(p[6:8], ws.Ypix)
	return p
}

// ParseWinsize unpacks a resize frame payload.
func ParseWinsize(p []byte) (Winsize, error) {
	if len(p) != 8 {
		return Winsize{}, fmt.Errorf("resize payload must be 8 bytes, got %d", len(p))
	}
	return Winsize{
		Rows: binary.BigEndian.Uint16(p[0:2]),
		Cols: binary.BigEndian.Uint16(p[2:4]),
		Xpix: binary.BigEndian.Uint16(p[4:6]),
		Ypix: binary.BigEndian.Uint16(p[6:8]),
	}, nil
}
