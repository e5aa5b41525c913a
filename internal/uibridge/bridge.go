// Package uibridge connects the local UI process to the daemon over a unix
// socket carrying one JSON message per line.
package uibridge

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/errors"
	"github.com/turtacn/broadcastd/pkg/logger"
)

// Message types.
const (
	// UI → daemon
	TypeHello  = "hello"
	TypeAnswer = "answer"
	TypeAction = "action"
	TypeClose  = "close"
	// daemon → UI
	TypeEvent      = "event"
	TypeConfirm    = "confirm"
	TypeVisibility = "visibility"
	TypeResult     = "result"
)

// Message is the envelope for both directions.
type Message struct {
	Type      string          `json:"type"`
	ID        uint64          `json:"id,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Message   string          `json:"message,omitempty"`
	Confirmed bool            `json:"confirmed,omitempty"`
	Name      string          `json:"name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CallType  string          `json:"callType,omitempty"`
	Visible   *bool           `json:"visible,omitempty"`
	Event     any             `json:"event,omitempty"`
}

// Handler receives UI input on the event loop.
type Handler interface {
	UIAttached(session string)
	UIDetached(session string)
	UIAnswer(id uint64, confirmed bool)
	// UIAction runs a named command and returns its response line.
	UIAction(name string, payload json.RawMessage) string
	UIClose(callType string)
}

// Options configures a Bridge.
type Options struct {
	Path    string
	Handler Handler
	// Post runs f on the owner's event loop.
	Post func(f func())
}

// Bridge serves a single UI session; a new session replaces the old one.
type Bridge struct {
	opts Options
	log  logger.Logger

	mu      sync.Mutex
	current *session
	wg      sync.WaitGroup
}

type session struct {
	id  string
	nc  net.Conn
	enc *json.Encoder
	mu  sync.Mutex
}

// New creates a Bridge.
func New(opts Options) *Bridge {
	if opts.Post == nil {
		opts.Post = func(f func()) { f() }
	}
	return &Bridge{opts: opts, log: logger.Component("uibridge").With("socket", opts.Path)}
}

// Listen creates the unix socket, replacing a stale one, readable only by
// the daemon's user.
func (b *Bridge) Listen() (net.Listener, error) {
	if _, err := os.Stat(b.opts.Path); err == nil {
		os.Remove(b.opts.Path)
	}
	l, err := net.Listen("unix", b.opts.Path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeTransport, "Listen", "cannot listen on UI socket", err)
	}
	os.Chmod(b.opts.Path, 0o700)
	return l, nil
}

// Serve accepts UI sessions on l until ctx is done.
func (b *Bridge) Serve(ctx context.Context, l net.Listener) error {
	defer os.Remove(b.opts.Path)
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	b.log.Info("UI bridge listening")
	for {
		nc, err := l.Accept()
		if err != nil {
			b.mu.Lock()
			if b.current != nil {
				b.current.nc.Close()
			}
			b.mu.Unlock()
			b.wg.Wait()
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s := &session{id: uuid.NewString(), nc: nc, enc: json.NewEncoder(nc)}
		b.mu.Lock()
		prev := b.current
		b.current = s
		b.mu.Unlock()
		if prev != nil {
			b.log.Warn("New UI session replaces the previous one", "previous", prev.id)
			prev.nc.Close()
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.read(s)
		}()
	}
}

func (b *Bridge) read(s *session) {
	log := b.log.With("session", s.id)
	log.Info("UI connected")
	b.opts.Post(func() { b.opts.Handler.UIAttached(s.id) })

	sc := bufio.NewScanner(s.nc)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var m Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			log.Warn("Dropping malformed UI message", "err", errors.New(errors.ErrCodeDecode, "Read", "invalid JSON", err))
			continue
		}
		b.opts.Post(func() { b.handle(s, m) })
	}

	b.mu.Lock()
	if b.current == s {
		b.current = nil
	}
	b.mu.Unlock()
	s.nc.Close()
	log.Info("UI disconnected")
	b.opts.Post(func() { b.opts.Handler.UIDetached(s.id) })
}

func (b *Bridge) handle(s *session, m Message) {
	h := b.opts.Handler
	switch m.Type {
	case TypeHello:
		b.log.Debug("UI hello", "session", s.id)
	case TypeAnswer:
		h.UIAnswer(m.ID, m.Confirmed)
	case TypeAction:
		resp := h.UIAction(m.Name, m.Payload)
		s.send(Message{Type: TypeResult, Name: m.Name, Message: resp})
	case TypeClose:
		h.UIClose(m.CallType)
	default:
		b.log.Warn("Unknown UI message", "type", m.Type)
	}
}

// Attached reports whether a UI session is connected.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil
}

// Notify pushes a status event to the UI. It is dropped when no UI is attached.
func (b *Bridge) Notify(event any) bool {
	return b.send(Message{Type: TypeEvent, Event: event})
}

// Confirm asks the UI a question identified by id.
func (b *Bridge) Confirm(id uint64, kind, message string) bool {
	return b.send(Message{Type: TypeConfirm, ID: id, Kind: kind, Message: message})
}

// SetVisibility tells the UI to show or hide itself.
func (b *Bridge) SetVisibility(visible bool) bool {
	return b.send(Message{Type: TypeVisibility, Visible: &visible})
}

func (b *Bridge) send(m Message) bool {
	b.mu.Lock()
	s := b.current
	b.mu.Unlock()
	if s == nil {
		return false
	}
	return s.send(m)
}

func (s *session) send(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.nc.SetWriteDeadline(time.Now().Add(consts.DefaultWriteTimeout))
	if err := s.enc.Encode(m); err != nil {
		return false
	}
	return true
}

// Personal.AI order the ending
