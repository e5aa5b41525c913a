package uibridge

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu       sync.Mutex
	attached []string
	detached []string
	answers  map[uint64]bool
	actions  []string
	closes   []string
}

func (h *fakeHandler) UIAttached(s string) { h.mu.Lock(); h.attached = append(h.attached, s); h.mu.Unlock() }
func (h *fakeHandler) UIDetached(s string) { h.mu.Lock(); h.detached = append(h.detached, s); h.mu.Unlock() }
func (h *fakeHandler) UIClose(ct string)   { h.mu.Lock(); h.closes = append(h.closes, ct); h.mu.Unlock() }
func (h *fakeHandler) UIAnswer(id uint64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.answers == nil {
		h.answers = map[uint64]bool{}
	}
	h.answers[id] = ok
}
func (h *fakeHandler) UIAction(name string, payload json.RawMessage) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions = append(h.actions, name+string(payload))
	return "ok " + name
}

type calls struct {
	attached []string
	detached []string
	actions  []string
	closes   []string
}

func (h *fakeHandler) snapshot() calls {
	h.mu.Lock()
	defer h.mu.Unlock()
	return calls{
		attached: append([]string(nil), h.attached...),
		detached: append([]string(nil), h.detached...),
		actions:  append([]string(nil), h.actions...),
		closes:   append([]string(nil), h.closes...),
	}
}

type uiClient struct {
	nc  net.Conn
	sc  *bufio.Scanner
	enc *json.Encoder
}

func (c *uiClient) send(t *testing.T, m Message) {
	t.Helper()
	require.NoError(t, c.enc.Encode(m))
}

func (c *uiClient) recv(t *testing.T) Message {
	t.Helper()
	require.NoError(t, c.nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.True(t, c.sc.Scan(), "expected a message: %v", c.sc.Err())
	var m Message
	require.NoError(t, json.Unmarshal(c.sc.Bytes(), &m))
	return m
}

func startBridge(t *testing.T) (*Bridge, *fakeHandler, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ui.sock")
	h := &fakeHandler{}
	b := New(Options{Path: path, Handler: h})

	l, err := b.Listen()
	require.NoError(t, err)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), fi.Mode().Perm())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "socket file removed")
	})
	return b, h, path
}

func dialUI(t *testing.T, path string) *uiClient {
	t.Helper()
	nc, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return &uiClient{nc: nc, sc: bufio.NewScanner(nc), enc: json.NewEncoder(nc)}
}

func TestBridge_ActionsAnswersAndClose(t *testing.T) {
	b, h, path := startBridge(t)
	c := dialUI(t, path)

	c.send(t, Message{Type: TypeHello})
	c.send(t, Message{Type: TypeAction, Name: "start-stream"})
	res := c.recv(t)
	assert.Equal(t, TypeResult, res.Type)
	assert.Equal(t, "ok start-stream", res.Message)

	c.send(t, Message{Type: TypeAction, Name: "save-settings", Payload: json.RawMessage(`{"bitrate":96}`)})
	c.recv(t)
	c.send(t, Message{Type: TypeAnswer, ID: 7, Confirmed: true})
	c.send(t, Message{Type: TypeClose, CallType: "Warning"})

	require.Eventually(t, func() bool { return len(h.snapshot().closes) == 1 }, 2*time.Second, 10*time.Millisecond)
	snap := h.snapshot()
	assert.Len(t, snap.attached, 1)
	assert.Equal(t, []string{"start-stream", `save-settings{"bitrate":96}`}, snap.actions)
	assert.Equal(t, []string{"Warning"}, snap.closes)
	h.mu.Lock()
	assert.True(t, h.answers[7])
	h.mu.Unlock()
	assert.True(t, b.Attached())
}

func TestBridge_PushesEventsConfirmsAndVisibility(t *testing.T) {
	b, _, path := startBridge(t)
	assert.False(t, b.Notify(map[string]any{"type": "timer"}), "no UI, dropped")

	c := dialUI(t, path)
	require.Eventually(t, b.Attached, 2*time.Second, 10*time.Millisecond)

	require.True(t, b.Notify(map[string]any{"type": "timer", "streamTime": 3}))
	m := c.recv(t)
	assert.Equal(t, TypeEvent, m.Type)
	assert.Equal(t, map[string]any{"type": "timer", "streamTime": float64(3)}, m.Event)

	require.True(t, b.Confirm(4, "api-close", "Close?"))
	m = c.recv(t)
	assert.Equal(t, Message{Type: TypeConfirm, ID: 4, Kind: "api-close", Message: "Close?"}, m)

	require.True(t, b.SetVisibility(false))
	m = c.recv(t)
	require.NotNil(t, m.Visible)
	assert.False(t, *m.Visible)
}

func TestBridge_NewSessionReplacesOld(t *testing.T) {
	b, h, path := startBridge(t)

	first := dialUI(t, path)
	require.Eventually(t, func() bool { return len(h.snapshot().attached) == 1 }, 2*time.Second, 10*time.Millisecond)

	dialUI(t, path)
	require.NoError(t, first.nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	assert.False(t, first.sc.Scan(), "old session closed")

	require.Eventually(t, func() bool {
		s := h.snapshot()
		return len(s.attached) == 2 && len(s.detached) == 1
	}, 2*time.Second, 10*time.Millisecond)
	snap := h.snapshot()
	assert.Equal(t, snap.attached[0], snap.detached[0])
	assert.True(t, b.Attached())
}

func TestBridge_MalformedLinesAreDropped(t *testing.T) {
	_, h, path := startBridge(t)
	c := dialUI(t, path)

	_, err := c.nc.Write([]byte("not json\n"))
	require.NoError(t, err)
	c.send(t, Message{Type: TypeClose, CallType: "Partial"})

	require.Eventually(t, func() bool { return len(h.snapshot().closes) == 1 }, 2*time.Second, 10*time.Millisecond)
}
