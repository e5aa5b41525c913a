package control

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/broadcastd/pkg/codec"
	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/protocol"
)

// eventLoop runs posted closures one at a time, like the engine does.
type eventLoop struct {
	ch   chan func()
	quit chan struct{}
	wg   sync.WaitGroup
}

func newEventLoop(t *testing.T) *eventLoop {
	l := &eventLoop{ch: make(chan func(), 64), quit: make(chan struct{})}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case f := <-l.ch:
				f()
			case <-l.quit:
				return
			}
		}
	}()
	t.Cleanup(func() {
		close(l.quit)
		l.wg.Wait()
	})
	return l
}

func (l *eventLoop) post(f func()) {
	select {
	case l.ch <- f:
	case <-l.quit:
	}
}

// sync runs f on the loop and waits for it.
func (l *eventLoop) sync(f func()) {
	done := make(chan struct{})
	l.post(func() {
		f()
		close(done)
	})
	<-done
}

type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) Dispatch(line string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	return "ack " + line
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type peer struct {
	nc net.Conn
	r  *bufio.Reader
}

func (p *peer) write(t *testing.T, b []byte) {
	t.Helper()
	_, err := p.nc.Write(b)
	require.NoError(t, err)
}

func (p *peer) readRaw(t *testing.T) []byte {
	t.Helper()
	require.NoError(t, p.nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	b, err := p.r.ReadBytes('\n')
	require.NoError(t, err)
	return trimEOL(b)
}

func (p *peer) read(t *testing.T) string { return string(p.readRaw(t)) }

func servePipe(t *testing.T, d Dispatcher) (*Conn, *peer, *eventLoop) {
	t.Helper()
	return servePipeWith(t, ConnOptions{Dispatcher: d})
}

func servePipeWith(t *testing.T, opts ConnOptions) (*Conn, *peer, *eventLoop) {
	t.Helper()
	loop := newEventLoop(t)
	server, client := net.Pipe()
	opts.Post = loop.post
	c := NewConn(server, opts)
	go c.Serve()
	t.Cleanup(func() {
		client.Close()
		loop.sync(c.Destroy)
	})
	return c, &peer{nc: client, r: bufio.NewReader(client)}, loop
}

func TestConn_HandshakeForEveryFallbackEncoding(t *testing.T) {
	for _, enc := range codec.FallbackOrder {
		t.Run(enc, func(t *testing.T) {
			c, p, loop := servePipe(t, DispatcherFunc(func(line string) string { return "Café " + line }))

			p.write(t, []byte("ENCODING:"+enc+"\n"))
			assert.Equal(t, "Server encoding set to: "+enc, p.read(t))

			cd, err := codec.Lookup(enc)
			require.NoError(t, err)
			for i := 0; i < 2; i++ {
				p.write(t, cd.Encode("état\n"))
				got, err := cd.Decode(p.readRaw(t))
				require.NoError(t, err)
				assert.Equal(t, "Café état", got)
			}

			loop.sync(func() {
				assert.Equal(t, enc, c.Encoding())
				assert.True(t, c.HandshakeComplete())
				assert.Equal(t, consts.ConnReady, c.State())
			})
		})
	}
}

func TestConn_InvalidHandshakeIsAdvisory(t *testing.T) {
	rec := &recorder{}
	c, p, loop := servePipe(t, rec)

	p.write(t, []byte("status\n"))
	assert.Equal(t, "ack status", p.read(t))

	loop.sync(func() {
		assert.Equal(t, consts.DefaultEncoding, c.Encoding())
		assert.False(t, c.HandshakeComplete())
		assert.Equal(t, consts.ConnReady, c.State())
	})
	assert.Equal(t, []string{"status"}, rec.seen())
}

func TestConn_UnknownEncodingKeepsDefault(t *testing.T) {
	c, p, loop := servePipe(t, &recorder{})

	p.write(t, []byte("ENCODING:KLINGON\n"))
	assert.Equal(t, "Server encoding set to: utf-8", p.read(t))
	loop.sync(func() { assert.Equal(t, "utf-8", c.Encoding()) })
}

func TestConn_PingIsNotDispatched(t *testing.T) {
	rec := &recorder{}
	_, p, _ := servePipe(t, rec)

	p.write(t, []byte("ENCODING:utf-8\n"))
	p.read(t)

	p.write(t, []byte("PING\nPING\r\nstatus\n"))
	assert.Equal(t, "PONG", p.read(t))
	assert.Equal(t, "PONG", p.read(t))
	assert.Equal(t, "ack status", p.read(t))
	assert.Equal(t, []string{"status"}, rec.seen())
}

func TestConn_UndecodableAndBlankLinesGetNoResponse(t *testing.T) {
	rec := &recorder{}
	_, p, _ := servePipe(t, rec)

	p.write(t, []byte("ENCODING:utf-8\n"))
	p.read(t)

	p.write(t, []byte("\xff\xfe\n"))
	p.write(t, []byte("   \n"))
	p.write(t, []byte("status\n"))
	assert.Equal(t, "ack status", p.read(t), "the first response belongs to the valid line")
	assert.Equal(t, []string{"status"}, rec.seen())
}

func TestConn_ResponsesKeepArrivalOrder(t *testing.T) {
	rec := &recorder{}
	_, p, _ := servePipe(t, rec)

	p.write(t, []byte("ENCODING:utf-8\n"))
	p.read(t)

	go p.nc.Write([]byte("a\nb\nc\n"))
	assert.Equal(t, "ack a", p.read(t))
	assert.Equal(t, "ack b", p.read(t))
	assert.Equal(t, "ack c", p.read(t))
}

func TestConn_HeartbeatTimeoutDestroys(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	now := time.Unix(1000, 0)
	var reasons []string
	c := NewConn(server, ConnOptions{
		Dispatcher:       &recorder{},
		HeartbeatCheck:   35 * time.Second,
		HeartbeatTimeout: 70 * time.Second,
		Now:              func() time.Time { return now },
		OnClose:          func(_ *Conn, reason string) { reasons = append(reasons, reason) },
	})

	now = now.Add(60 * time.Second)
	c.checkHeartbeat()
	assert.Equal(t, consts.ConnAwaitingHandshake, c.State())

	now = now.Add(11 * time.Second)
	c.checkHeartbeat()
	assert.Equal(t, consts.ConnClosed, c.State())
	assert.Equal(t, []string{"heartbeat timeout"}, reasons)

	c.checkHeartbeat()
	assert.Len(t, reasons, 1)
}

func TestConn_CloseIsIdempotentAndGuardsWrites(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	calls := 0
	c := NewConn(server, ConnOptions{
		Dispatcher: &recorder{},
		OnClose:    func(*Conn, string) { calls++ },
	})

	c.Destroy()
	c.End()
	c.Destroy()
	assert.Equal(t, 1, calls)
	assert.Equal(t, consts.ConnClosed, c.State())
	assert.False(t, c.Attached())
	assert.False(t, c.Send("late"))

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestConn_DisconnectSendsNoticeThenEnds(t *testing.T) {
	c, p, loop := servePipe(t, &recorder{})

	p.write(t, []byte("ENCODING:utf-8\n"))
	p.read(t)

	loop.post(func() { c.Disconnect(protocol.GracefulDisconnect) })
	assert.Equal(t, `{"type":"disconnect","reason":"graceful"}`, p.read(t))

	_, err := p.r.ReadBytes('\n')
	assert.Error(t, err, "socket ends after the notice")
	loop.sync(func() { assert.Equal(t, consts.ConnClosed, c.State()) })
}

func TestRedactCommand(t *testing.T) {
	assert.Equal(t, "save-settings:<redacted>", redactCommand(`save-settings:{"sourcepassword":"x"}`))
	assert.Equal(t, "status", redactCommand("status"))
}

func TestConn_TrickledLineKeepsConnectionAlive(t *testing.T) {
	rec := &recorder{}
	c, p, loop := servePipeWith(t, ConnOptions{
		Dispatcher:       rec,
		HeartbeatCheck:   20 * time.Millisecond,
		HeartbeatTimeout: 150 * time.Millisecond,
	})

	p.write(t, []byte("ENCODING:utf-8\n"))
	p.read(t)

	// The line takes well over the heartbeat timeout to arrive.
	line := `save-settings:{"bitrate":128,"mountpoint":"/live"}`
	for i := 0; i < len(line); i++ {
		p.write(t, []byte{line[i]})
		time.Sleep(10 * time.Millisecond)
	}
	loop.sync(func() {
		assert.Equal(t, consts.ConnReady, c.State())
		assert.WithinDuration(t, time.Now(), c.LastActivity(), 100*time.Millisecond)
	})

	p.write(t, []byte("\n"))
	assert.Equal(t, "ack "+line, p.read(t))
	assert.Equal(t, []string{line}, rec.seen())
}

func TestConn_PeerThatStopsReadingIsClosed(t *testing.T) {
	loop := newEventLoop(t)
	server, client := net.Pipe()
	defer client.Close()

	reasons := make(chan string, 1)
	c := NewConn(server, ConnOptions{
		Dispatcher:   &recorder{},
		WriteTimeout: 200 * time.Millisecond,
		Post:         loop.post,
		OnClose:      func(_ *Conn, reason string) { reasons <- reason },
	})

	start := time.Now()
	loop.sync(func() {
		for i := 0; i < 3; i++ {
			assert.True(t, c.Send("tick"))
		}
	})
	assert.Less(t, time.Since(start), 100*time.Millisecond, "sends must not wait for the peer")

	select {
	case reason := <-reasons:
		assert.Equal(t, "transport error", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed after the write timeout")
	}
	loop.sync(func() {
		assert.Equal(t, consts.ConnClosed, c.State())
		assert.False(t, c.Attached())
		assert.False(t, c.Send("late"))
	})
}

func TestConn_FullSendQueueDestroys(t *testing.T) {
	loop := newEventLoop(t)
	server, client := net.Pipe()
	defer client.Close()

	var reasons []string
	c := NewConn(server, ConnOptions{
		Dispatcher:   &recorder{},
		WriteTimeout: time.Minute,
		Post:         loop.post,
		OnClose:      func(_ *Conn, reason string) { reasons = append(reasons, reason) },
	})

	loop.sync(func() {
		refused := false
		for i := 0; i < outboundCap+2 && !refused; i++ {
			refused = !c.Send("tick")
		}
		assert.True(t, refused)
		assert.Equal(t, consts.ConnClosed, c.State())
		assert.Equal(t, []string{"send queue full"}, reasons)
	})
}
