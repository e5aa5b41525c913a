package status

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/logger"
	"github.com/turtacn/broadcastd/pkg/protocol"
)

const defaultMount = "/stream"

// PollerOptions configures a Poller.
type PollerOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Post     func(f func())
	// OnCount receives each listener count on the event loop.
	OnCount func(n int)
}

// Poller fetches the listener count of the streamed mount while the stream
// runs. Requests run off the event loop; results from a superseded polling
// session are dropped.
type Poller struct {
	opts   PollerOptions
	log    logger.Logger
	gen    uint64
	cancel context.CancelFunc
	count  int
}

// NewPoller creates a stopped Poller.
func NewPoller(opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = consts.DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = opts.Interval
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Post == nil {
		opts.Post = func(f func()) { f() }
	}
	return &Poller{opts: opts, log: logger.Component("poller")}
}

// Active reports whether a polling session is running.
func (p *Poller) Active() bool { return p.cancel != nil }

// Count returns the last delivered listener count.
func (p *Poller) Count() int { return p.count }

// Start begins polling the icecast server named in settings. Starting an
// active poller is a no-op.
func (p *Poller) Start(s protocol.Settings) {
	if p.cancel != nil {
		return
	}
	url := StatusURL(s.IcecastHost, s.IcecastPort)
	mount := s.Mountpoint
	if mount == "" {
		mount = defaultMount
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.gen++
	gen := p.gen
	p.log.Info("Listener polling started", "url", url, "mount", mount)

	go func() {
		t := time.NewTicker(p.opts.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}

			rctx, rcancel := context.WithTimeout(ctx, p.opts.Timeout)
			n, err := FetchListeners(rctx, p.opts.Client, url, mount)
			rcancel()
			if err != nil {
				if ctx.Err() == nil {
					p.log.Warn("Error polling listener count", "err", err)
				}
				continue
			}
			p.opts.Post(func() {
				if gen == p.gen && p.cancel != nil {
					p.deliver(n)
				}
			})
		}
	}()
}

// Stop ends polling and reports zero listeners. In-flight requests are
// abandoned, never waited for.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
		p.gen++
		p.log.Info("Listener polling stopped")
	}
	p.deliver(0)
}

func (p *Poller) deliver(n int) {
	p.count = n
	if p.opts.OnCount != nil {
		p.opts.OnCount(n)
	}
}

// StatusURL builds the icecast JSON status URL.
func StatusURL(host, port string) string {
	return "http://" + net.JoinHostPort(host, port) + "/status-json.xsl"
}

// FetchListeners queries url and returns the listener count of mount.
func FetchListeners(ctx context.Context, client *http.Client, url, mount string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	return ParseListeners(body, mount)
}

// ParseListeners extracts the listener count of mount from an icecast
// status document. icestats.source is an array when several mounts are live
// and a single object otherwise.
func ParseListeners(doc []byte, mount string) (int, error) {
	if !gjson.ValidBytes(doc) {
		return 0, fmt.Errorf("invalid status document")
	}
	src := gjson.GetBytes(doc, "icestats.source")
	if !src.Exists() {
		return 0, nil
	}
	if src.IsArray() {
		for _, s := range src.Array() {
			if strings.HasSuffix(s.Get("listenurl").String(), mount) {
				return listeners(s), nil
			}
		}
		return 0, nil
	}
	return listeners(src), nil
}

func listeners(s gjson.Result) int {
	if n := int(s.Get("listeners").Int()); n > 0 {
		return n
	}
	return 0
}

// Personal.AI order the ending
