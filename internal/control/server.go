package control

import (
	"context"
	stderrors "errors"
	"net"
	"sync"

	"github.com/turtacn/broadcastd/pkg/logger"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	Listener net.Listener
	// Conn is the template every accepted connection is created with.
	// Its OnClose is wrapped by the server.
	Conn ConnOptions

	OnAttach func(c *Conn)
	OnDetach func(c *Conn, reason string)
}

// Server accepts control connections. Only the newest one is current; a new
// accept supersedes and destroys the previous one.
type Server struct {
	opts    ServerOptions
	log     logger.Logger
	current *Conn // event loop only
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[*Conn]struct{} // sockets still being read
}

// NewServer creates a Server on an already bound listener.
func NewServer(opts ServerOptions) *Server {
	if opts.Conn.Post == nil {
		opts.Conn.Post = func(f func()) { f() }
	}
	return &Server{
		opts:  opts,
		log:   logger.Component("control"),
		conns: make(map[*Conn]struct{}),
	}
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr { return s.opts.Listener.Addr() }

// Current returns the attached connection, or nil. Event loop only.
func (s *Server) Current() *Conn {
	if s.current != nil && !s.current.Attached() {
		return nil
	}
	return s.current
}

// Serve accepts until ctx is canceled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("TCP server listening", "addr", s.Addr().String())

	go func() {
		<-ctx.Done()
		s.opts.Listener.Close()
	}()

	for {
		nc, err := s.opts.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				s.releaseAll()
				s.wg.Wait()
				return nil
			}
			s.log.Error("Accept failed", "err", err)
			return err
		}

		opts := s.opts.Conn
		opts.OnClose = s.detach
		c := NewConn(nc, opts)
		s.opts.Conn.Post(func() { s.attach(c) })

		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.Serve()
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}

// releaseAll tears down connections whose readers are still running once the
// event loop may no longer be there to do it. The owner is not called back.
func (s *Server) releaseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c.teardown(false) {
			s.log.Info("Released API client at shutdown", "conn", c.ID)
		}
	}
}

func (s *Server) attach(c *Conn) {
	prev := s.current
	s.current = c
	if prev != nil && prev != c {
		s.log.Warn("New API client supersedes the previous one", "previous", prev.ID, "current", c.ID)
		prev.Destroy()
	}
	if s.opts.OnAttach != nil {
		s.opts.OnAttach(c)
	}
}

func (s *Server) detach(c *Conn, reason string) {
	if s.current == c {
		s.current = nil
	}
	if s.opts.OnDetach != nil {
		s.opts.OnDetach(c, reason)
	}
}

// Personal.AI order the ending
