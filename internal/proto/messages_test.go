package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, FrameInput, []byte("hello")))

	typ, payload, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameInput, typ)
	assert.Equal(t, []byte("hello"), payload)
}

func TestMessageEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, MsgList, nil))

	typ, payload, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgList, typ)
	assert.Empty(t, payload)
}

func TestMessageRejectsOversizedFrame(t *testing.T) {
	// Header claiming a 2 MiB payload must be refused before any read.
	hdr := []byte{FrameOutput, 0x00, 0x20, 0x00, 0x00}
	_, _, err := ReadMessage(bytes.NewReader(hdr))
	assert.ErrorContains(t, err, "frame too large")
}

func TestMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, FrameInput, []byte("hello")))
	truncated := buf.Bytes()[:7] // header + 2 of 5 payload bytes

	_, _, err := ReadMessage(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestReadJSONTypeMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, MsgResponse, Response{OK: true}))

	var req Request
	err := ReadJSON(&buf, MsgStart, &req)
	assert.ErrorContains(t, err, "unexpected message type")
}

func TestWinsizePacking(t *testing.T) {
	ws := Winsize{Rows: 40, Cols: 120, Xpix: 960, Ypix: 800}
	got, err := ParseWinsize(PutWinsize(ws))
	require.NoError(t, err)
	assert.Equal(t, ws, got)
}

func TestWinsizeRejectsShortPayload(t *testing.T) {
	_, err := ParseWinsize([]byte{0, 24, 0, 80})
	assert.Error(t, err)
}

func TestWinsizeZero(t *testing.T) {
	assert.True(t, Winsize{}.Zero())
	assert.True(t, Winsize{Rows: 24}.Zero())
	assert.True(t, Winsize{Cols: 80}.Zero())
	assert.False(t, Winsize{Rows: 24, Cols: 80}.Zero())
}
