// Package control implements the TCP control channel: one remote client at a
// time negotiates a text encoding, keeps the link alive with PING/PONG and
// sends newline-terminated commands that are answered one line each.
package control

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/broadcastd/pkg/codec"
	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/errors"
	"github.com/turtacn/broadcastd/pkg/fsm"
	"github.com/turtacn/broadcastd/pkg/logger"
)

// Dispatcher turns one decoded command line into one response line.
type Dispatcher interface {
	Dispatch(line string) string
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(line string) string

func (f DispatcherFunc) Dispatch(line string) string { return f(line) }

// ConnOptions configures a Conn.
type ConnOptions struct {
	Dispatcher       Dispatcher
	HeartbeatCheck   time.Duration
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration

	// Post runs f on the owner's event loop. Reader and heartbeat goroutines
	// only ever post; they never touch connection state themselves.
	Post func(f func())
	// OnClose is called once, on the event loop, after the socket is released.
	OnClose func(c *Conn, reason string)
	Now     func() time.Time
}

const (
	evHandshake fsm.Event = "handshake"
	evClose     fsm.Event = "close"
)

// Conn is one accepted control connection.
type Conn struct {
	ID string

	nc   net.Conn
	opts ConnOptions
	fsm  *fsm.StateMachine
	log  logger.Logger

	codec             *codec.Codec
	handshakeComplete bool
	lastActivityAt    time.Time

	out       chan []byte // drained by writeLoop
	mu        sync.Mutex  // guards the queue against teardown
	tearing   bool
	graceful  bool // set before out is closed
	closeOnce sync.Once
	done      chan struct{}
}

const (
	readChunk   = 4096
	outboundCap = 64
)

// NewConn wraps an accepted socket in AwaitingHandshake state.
func NewConn(nc net.Conn, opts ConnOptions) *Conn {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Post == nil {
		opts.Post = func(f func()) { f() }
	}
	if opts.HeartbeatCheck <= 0 {
		opts.HeartbeatCheck = consts.DefaultHeartbeatCheck
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = consts.DefaultHeartbeatTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = consts.DefaultWriteTimeout
	}

	id := uuid.NewString()
	c := &Conn{
		ID:             id,
		nc:             nc,
		opts:           opts,
		fsm:            fsm.New(fsm.State(consts.ConnAwaitingHandshake)),
		log:            logger.Component("control").With("conn", id, "remote", nc.RemoteAddr().String()),
		codec:          codec.UTF8,
		lastActivityAt: opts.Now(),
		out:            make(chan []byte, outboundCap),
		done:           make(chan struct{}),
	}
	c.fsm.AddTransition(fsm.State(consts.ConnAwaitingHandshake), fsm.State(consts.ConnReady), evHandshake, nil)
	c.fsm.AddTransition(fsm.State(consts.ConnAwaitingHandshake), fsm.State(consts.ConnClosed), evClose, nil)
	c.fsm.AddTransition(fsm.State(consts.ConnReady), fsm.State(consts.ConnClosed), evClose, nil)
	go c.writeLoop()
	return c
}

// State returns the connection state.
func (c *Conn) State() consts.ConnState { return consts.ConnState(c.fsm.Current()) }

// Encoding returns the negotiated encoding name.
func (c *Conn) Encoding() string { return c.codec.Name() }

// HandshakeComplete reports whether a valid ENCODING line was received.
func (c *Conn) HandshakeComplete() bool { return c.handshakeComplete }

// LastActivity returns when bytes were last received.
func (c *Conn) LastActivity() time.Time { return c.lastActivityAt }

// Done is closed once the connection reaches Closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Attached reports whether the connection can still receive broadcasts.
func (c *Conn) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.tearing && c.State() != consts.ConnClosed
}

// Serve runs the heartbeat checker and the read loop until the socket fails.
// It blocks; callers run it on its own goroutine.
func (c *Conn) Serve() {
	c.log.Info("API client connected")
	go c.heartbeat()

	buf := make([]byte, readChunk)
	var pending []byte
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			// Any byte counts as activity, even inside an unfinished line.
			c.opts.Post(c.touch)
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := append([]byte(nil), pending[:i+1]...)
				pending = pending[i+1:]
				c.opts.Post(func() { c.handleLine(line) })
			}
			if len(pending) == 0 {
				pending = nil
			}
		}
		if err != nil {
			// An unterminated tail at EOF has nobody left to answer.
			reason := "remote end"
			if !isEOF(err) {
				reason = "transport error"
				c.log.Warn("TCP socket error", "err", errors.New(errors.ErrCodeTransport, "Read", "read failed", err))
			}
			c.opts.Post(func() { c.close(reason, false) })
			return
		}
	}
}

// writeLoop drains the outbound queue. A failed write releases the socket
// and reports a transport error to the owner; a closed queue means teardown.
func (c *Conn) writeLoop() {
	for b := range c.out {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		if _, err := c.nc.Write(b); err != nil {
			c.log.Warn("Write failed", "err", errors.New(errors.ErrCodeTransport, "Write", "write failed", err))
			// Post before closing so the reader's EOF cannot report first.
			c.opts.Post(func() { c.close("transport error", false) })
			_ = c.nc.Close()
			return
		}
	}
	if c.graceful {
		if cw, ok := c.nc.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}
	_ = c.nc.Close()
}

func (c *Conn) heartbeat() {
	t := time.NewTicker(c.opts.HeartbeatCheck)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.opts.Post(c.checkHeartbeat)
		}
	}
}

// checkHeartbeat destroys the socket when nothing arrived within the timeout.
func (c *Conn) checkHeartbeat() {
	if c.State() == consts.ConnClosed {
		return
	}
	if idle := c.opts.Now().Sub(c.lastActivityAt); idle > c.opts.HeartbeatTimeout {
		c.log.Warn("Heartbeat timeout, destroying socket", "idle", idle)
		c.close("heartbeat timeout", false)
	}
}

func (c *Conn) touch() { c.lastActivityAt = c.opts.Now() }

// handleLine processes one framed line on the event loop.
func (c *Conn) handleLine(raw []byte) {
	if c.State() == consts.ConnClosed {
		return
	}
	c.touch()

	if c.State() == consts.ConnAwaitingHandshake {
		header := strings.TrimSpace(asciiString(raw))
		if c.handshake(header) {
			return
		}
	}

	text, err := c.codec.Decode(trimEOL(raw))
	if err != nil {
		c.log.Warn("Dropping undecodable line", "encoding", c.codec.Name(), "err", err)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if text == consts.PingRequest {
		c.Send(consts.PongReply)
		c.log.Debug("Ping, Pong")
		return
	}

	c.log.Info("Received command from API", "command", redactCommand(text))
	c.Send(c.opts.Dispatcher.Dispatch(text))
}

// handshake consumes the first line. It returns true when the line was a
// handshake; any other first line leaves the default encoding in place and
// is processed as a regular command.
func (c *Conn) handshake(header string) bool {
	_ = c.fsm.Fire(evHandshake)

	name, ok := strings.CutPrefix(header, consts.HandshakePrefix)
	if !ok {
		c.log.Warn("Handshake missing or invalid, defaulting encoding",
			"err", errors.New(errors.ErrCodeProtocol, "Handshake", "first line is not a handshake", nil),
			"encoding", c.codec.Name())
		return false
	}

	c.handshakeComplete = true
	name = codec.Normalize(name)
	cd, err := codec.Lookup(name)
	if err != nil {
		c.log.Warn("Unsupported client encoding, keeping default", "requested", name, "err", err)
		cd = codec.UTF8
	}
	c.codec = cd
	c.enqueue([]byte(consts.HandshakeReply + cd.Name() + "\n"))
	c.log.Info("Client encoding set", "encoding", cd.Name())
	return true
}

// Send queues one line in the connection's encoding. Writes after teardown
// began are dropped; a peer that lets the queue fill up is destroyed.
func (c *Conn) Send(line string) bool {
	return c.enqueue(c.codec.Encode(line + "\n"))
}

// SendJSON writes v as a single JSON line.
func (c *Conn) SendJSON(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Error("Cannot encode message", "err", err)
		return false
	}
	return c.Send(string(b))
}

func (c *Conn) enqueue(b []byte) bool {
	c.mu.Lock()
	if c.tearing || c.State() == consts.ConnClosed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.out <- b:
		c.mu.Unlock()
		return true
	default:
	}
	c.mu.Unlock()

	c.log.Warn("Client is not reading, destroying socket",
		"err", errors.New(errors.ErrCodeTransport, "Write", "send queue full", nil))
	c.close("send queue full", false)
	return false
}

// Disconnect sends the graceful disconnect notice and ends the socket.
func (c *Conn) Disconnect(notice any) {
	if !c.Attached() {
		return
	}
	c.SendJSON(notice)
	c.End()
}

// End closes the connection gracefully: queued lines are flushed, the write
// side is half-closed so the peer sees EOF, then the socket is released.
func (c *Conn) End() { c.close("local end", true) }

// Destroy closes the socket immediately.
func (c *Conn) Destroy() { c.close("local destroy", false) }

func (c *Conn) close(reason string, graceful bool) {
	if !c.teardown(graceful) {
		return
	}
	c.log.Info("API client disconnected", "reason", reason)
	if c.opts.OnClose != nil {
		c.opts.OnClose(c, reason)
	}
}

// teardown moves the connection to Closed exactly once and reports whether
// this call did it. A graceful teardown lets the writer flush queued lines
// and half-close first; otherwise the socket is closed at once.
func (c *Conn) teardown(graceful bool) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.mu.Lock()
		c.tearing = true
		c.graceful = graceful
		close(c.out)
		if !graceful {
			_ = c.nc.Close()
		}
		_ = c.fsm.Fire(evClose)
		c.mu.Unlock()
		close(c.done)
	})
	return first
}

func asciiString(b []byte) string {
	out := make([]byte, 0, len(b))
	for _, ch := range b {
		if ch < 0x80 {
			out = append(out, ch)
		}
	}
	return string(out)
}

func trimEOL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// redactCommand keeps settings payloads (which carry passwords) out of logs.
func redactCommand(cmd string) string {
	if strings.HasPrefix(cmd, "save-settings:") {
		return "save-settings:<redacted>"
	}
	return cmd
}

func isEOF(err error) bool {
	return stderrors.Is(err, io.EOF) || stderrors.Is(err, net.ErrClosed)
}

// Personal.AI order the ending
