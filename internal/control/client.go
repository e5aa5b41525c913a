package control

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/turtacn/broadcastd/pkg/codec"
	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/errors"
	"github.com/turtacn/broadcastd/pkg/logger"
)

// Dialer opens outbound control connections. The encoding is negotiated by
// trying Encodings in order: a reply that cannot be decoded, or a transport
// failure during setup, moves to the next one on a fresh connection.
type Dialer struct {
	Addr        string
	Encodings   []string
	DialTimeout time.Duration
}

// Client is an established outbound control connection.
type Client struct {
	nc    net.Conn
	r     *bufio.Reader
	codec *codec.Codec
	log   logger.Logger

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects and completes the handshake. It fails permanently once every
// encoding has been tried.
func (d *Dialer) Dial(ctx context.Context) (*Client, error) {
	log := logger.Component("client").With("addr", d.Addr)
	fb := codec.NewFallback(d.Encodings...)

	var lastErr error
	for !fb.Exhausted() {
		name := fb.Current()
		c, err := d.attempt(ctx, name)
		if err == nil {
			log.Info("Connected", "encoding", c.Encoding())
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		log.Warn("Connection setup failed, trying next encoding", "encoding", name, "err", err)
		fb.Advance()
	}
	return nil, errors.New(errors.ErrCodeTransport, "Dial", "all encodings exhausted", lastErr)
}

func (d *Dialer) attempt(ctx context.Context, name string) (*Client, error) {
	cd, err := codec.Lookup(name)
	if err != nil {
		return nil, err
	}

	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = consts.DefaultDialTimeout
	}
	nd := net.Dialer{Timeout: timeout}
	nc, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, errors.New(errors.ErrCodeTransport, "Dial", "connect failed", err)
	}

	c := &Client{
		nc:    nc,
		r:     bufio.NewReader(nc),
		codec: cd,
		log:   logger.Component("client").With("addr", d.Addr, "encoding", cd.Name()),
		done:  make(chan struct{}),
	}

	_ = nc.SetDeadline(time.Now().Add(timeout))
	if _, err := nc.Write([]byte(consts.HandshakePrefix + cd.Name() + "\n")); err != nil {
		nc.Close()
		return nil, errors.New(errors.ErrCodeTransport, "Handshake", "write failed", err)
	}
	reply, err := c.ReadLine()
	if err != nil {
		nc.Close()
		return nil, err
	}
	if !strings.HasPrefix(reply, consts.HandshakeReply) {
		nc.Close()
		return nil, errors.New(errors.ErrCodeProtocol, "Handshake", "unexpected reply: "+reply, nil)
	}
	_ = nc.SetDeadline(time.Time{})
	return c, nil
}

// Encoding returns the negotiated encoding.
func (c *Client) Encoding() string { return c.codec.Name() }

// Send writes one command line.
func (c *Client) Send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.nc.Write(c.codec.Encode(line + "\n")); err != nil {
		return errors.New(errors.ErrCodeTransport, "Send", "write failed", err)
	}
	return nil
}

// ReadLine reads and decodes one line without its terminator.
func (c *Client) ReadLine() (string, error) {
	raw, err := c.r.ReadBytes('\n')
	if err != nil {
		return "", errors.New(errors.ErrCodeTransport, "ReadLine", "read failed", err)
	}
	text, err := c.codec.Decode(trimEOL(raw))
	if err != nil {
		return "", err
	}
	return text, nil
}

// Request sends cmd and returns its response, skipping pushed JSON events
// and heartbeat replies that may arrive first.
func (c *Client) Request(ctx context.Context, cmd string) (string, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetReadDeadline(dl)
		defer c.nc.SetReadDeadline(time.Time{})
	}
	if err := c.Send(cmd); err != nil {
		return "", err
	}
	for {
		line, err := c.ReadLine()
		if err != nil {
			return "", err
		}
		if line == consts.PongReply || strings.HasPrefix(line, "{") {
			c.log.Debug("Skipping pushed line", "line", line)
			continue
		}
		return line, nil
	}
}

// KeepAlive sends PING every interval until ctx is done or the client closes.
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = consts.DefaultClientPing
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-t.C:
			if err := c.Send(consts.PingRequest); err != nil {
				c.log.Warn("Ping failed", "err", err)
				return
			}
		}
	}
}

// Close releases the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.nc.Close()
	})
	return err
}

// Personal.AI order the ending
