package orchestrator

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/broadcastd/internal/control"
	"github.com/turtacn/broadcastd/internal/dispatch"
	"github.com/turtacn/broadcastd/internal/monitor"
	"github.com/turtacn/broadcastd/internal/resource"
	"github.com/turtacn/broadcastd/internal/settings"
	"github.com/turtacn/broadcastd/internal/shutdown"
	"github.com/turtacn/broadcastd/internal/status"
	"github.com/turtacn/broadcastd/internal/supervisor"
	"github.com/turtacn/broadcastd/internal/uibridge"
	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/fsm"
	"github.com/turtacn/broadcastd/pkg/logger"
	"github.com/turtacn/broadcastd/pkg/protocol"
)

const (
	evStarted   fsm.Event = "started"
	evTerminate fsm.Event = "terminate"
	evStopped   fsm.Event = "stopped"
)

// Option customizes an Engine.
type Option func(*Engine)

// WithSpawner replaces the ffmpeg spawner.
func WithSpawner(sp supervisor.Spawner) Option {
	return func(e *Engine) { e.spawner = sp }
}

// WithoutSignals leaves process signals alone.
func WithoutSignals() Option {
	return func(e *Engine) { e.signals = false }
}

// Engine owns the control-plane state and the event loop everything posts to.
type Engine struct {
	cfg *protocol.Config
	fsm *fsm.StateMachine
	log logger.Logger

	events chan func()
	later  []func()
	done   chan struct{}
	ready  chan struct{}
	cancel context.CancelFunc

	listeners *resource.ListenerManager
	server    *control.Server
	bridge    *uibridge.Bridge
	store     *settings.Store
	metrics   *monitor.Metrics
	hub       *monitor.Hub
	spawner   supervisor.Spawner
	signals   bool

	dispatcher  *dispatch.Dispatcher
	negotiator  *shutdown.Negotiator
	broadcaster *status.Broadcaster
	poller      *status.Poller
	workers     map[consts.WorkerKind]*supervisor.Supervisor

	metricsListener net.Listener
	health          health
	stopTimeout     time.Duration

	// Event loop state.
	settings    protocol.Settings
	visibility  consts.Visibility
	uiSession   string
	stopAsked   map[consts.WorkerKind]time.Time
	terminating bool
	finished    bool
	safetyTimer *time.Timer
}

// NewEngine builds an engine from cfg. Nothing is bound until Run.
func NewEngine(cfg *protocol.Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		fsm:        fsm.New(fsm.State(consts.EngineStarting)),
		log:        logger.Component("orchestrator"),
		events:     make(chan func(), 256),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
		listeners:  resource.NewListenerManager(),
		store:      settings.NewStore(cfg.Settings.Path),
		metrics:    monitor.NewMetrics(),
		hub:        monitor.NewHub(),
		signals:    true,
		visibility: consts.Visible,
		stopAsked:  map[consts.WorkerKind]time.Time{},
		workers:    map[consts.WorkerKind]*supervisor.Supervisor{},
	}
	for _, o := range opts {
		o(e)
	}
	if cfg.UI.Headless {
		e.visibility = consts.Headless
	}
	if e.spawner == nil {
		e.spawner = supervisor.NewExecSpawner(cfg.Workers.FFmpegPath)
	}
	e.stopTimeout = protocol.Duration(cfg.Workers.StopTimeout, consts.DefaultStopTimeout)
	e.hub.OnCount = func(n int) { e.metrics.EventClients.Set(float64(n)) }

	e.setupFSM()
	e.setupComponents()
	return e
}

func (e *Engine) setupFSM() {
	st := func(s consts.EngineState) fsm.State { return fsm.State(s) }

	e.fsm.AddTransition(st(consts.EngineStarting), st(consts.EngineRunning), evStarted, nil)
	e.fsm.AddTransition(st(consts.EngineRunning), st(consts.EngineDraining), evTerminate, nil)
	e.fsm.AddTransition(st(consts.EngineDraining), st(consts.EngineStopped), evStopped, nil)
	e.fsm.AddTransition(st(consts.EngineRunning), st(consts.EngineStopped), evStopped, nil)
	e.fsm.OnTransition(func(from, to fsm.State, ev fsm.Event) {
		e.log.Info("Engine state changed", "from", from, "to", to, "event", ev)
	})
}

func (e *Engine) setupComponents() {
	cfg := e.cfg

	e.dispatcher = dispatch.New(dispatch.Options{
		Actions: e,
		Later:   e.Later,
		OnCommand: func(verb, result string) {
			e.metrics.Commands.WithLabelValues(verb, result).Inc()
		},
	})

	e.negotiator = shutdown.New(e)
	e.negotiator.OnRequest = func(r shutdown.Request) {
		e.metrics.ShutdownRequests.WithLabelValues(string(r.Sender), string(r.CallType)).Inc()
	}

	e.broadcaster = status.NewBroadcaster(status.Options{
		Interval: protocol.Duration(cfg.Status.TimerInterval, consts.DefaultTimerInterval),
		Post:     e.Post,
		Emit:     e.emit,
	})

	pollInterval := protocol.Duration(cfg.Status.PollInterval, consts.DefaultPollInterval)
	pollTimeout := protocol.Duration(cfg.Status.PollTimeout, pollInterval)
	e.poller = status.NewPoller(status.PollerOptions{
		Interval: pollInterval,
		Timeout:  pollTimeout,
		Client:   &http.Client{Timeout: pollTimeout},
		Post:     e.Post,
		OnCount:  e.onListeners,
	})

	for _, kind := range []consts.WorkerKind{consts.KindStream, consts.KindRecord} {
		e.workers[kind] = supervisor.New(supervisor.Options{
			Kind:        kind,
			Spawner:     e.spawner,
			Args:        supervisor.ArgsBuilder{InputFormat: cfg.Workers.InputFormat},
			ReadyMarker: cfg.Workers.ReadyMarker,
			StopTimeout: e.stopTimeout,
			Post:        e.Post,
			OnChange:    e.onWorkerChange,
			OnLog:       e.emitLog,
		})
	}

	e.bridge = uibridge.New(uibridge.Options{
		Path:    cfg.UI.SocketPath,
		Handler: e,
		Post:    e.Post,
	})
}

// Post schedules f on the event loop. After the loop has exited f is dropped.
func (e *Engine) Post(f func()) {
	select {
	case e.events <- f:
	case <-e.done:
	}
}

// Later queues f to run after the current event. Event loop only.
func (e *Engine) Later(f func()) {
	e.later = append(e.later, f)
}

// Ready is closed once every listener is bound.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// ControlAddr returns the bound control address. Valid after Ready.
func (e *Engine) ControlAddr() string { return e.server.Addr().String() }

// MetricsAddr returns the bound monitor address, empty when disabled. Valid after Ready.
func (e *Engine) MetricsAddr() string {
	if e.metricsListener == nil {
		return ""
	}
	return e.metricsListener.Addr().String()
}

// Run binds the listeners, serves every surface and processes events until
// a Total shutdown completes or ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()
	defer e.listeners.Close()

	if err := e.bind(); err != nil {
		return err
	}

	loaded, err := e.store.Load()
	if err != nil {
		e.log.Error("Cannot load settings, using defaults", "err", err)
		loaded = settings.Normalize(protocol.Settings{})
	}
	e.settings = loaded

	uiListener, err := e.bridge.Listen()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.loop(gctx) })
	g.Go(func() error { return e.server.Serve(gctx) })
	g.Go(func() error { return e.bridge.Serve(gctx, uiListener) })

	if e.metricsListener != nil {
		mon := monitor.NewServer(e.metrics, e.hub, e.health.snapshot)
		g.Go(func() error { return mon.Serve(gctx, e.metricsListener) })
	}
	if e.cfg.Settings.Watch {
		g.Go(func() error {
			err := e.store.Watch(gctx, func(s protocol.Settings) {
				e.Post(func() { e.onSettingsChanged(s) })
			})
			if err != nil {
				// The daemon works without the watcher.
				e.log.Warn("Settings watcher stopped", "err", err)
			}
			return nil
		})
	}
	if e.signals {
		g.Go(func() error { return e.handleSignals(gctx) })
	}

	close(e.ready)
	e.log.Info("Broadcast daemon started", "control", e.ControlAddr(), "ui", e.cfg.UI.SocketPath,
		"visibility", e.visibility)
	return g.Wait()
}

func (e *Engine) bind() error {
	l, err := e.listeners.Listen(e.cfg.Control.Addr)
	if err != nil {
		return err
	}
	e.server = control.NewServer(control.ServerOptions{
		Listener: l,
		Conn: control.ConnOptions{
			Dispatcher:       e.dispatcher,
			HeartbeatCheck:   protocol.Duration(e.cfg.Control.HeartbeatCheck, consts.DefaultHeartbeatCheck),
			HeartbeatTimeout: protocol.Duration(e.cfg.Control.HeartbeatTimeout, consts.DefaultHeartbeatTimeout),
			WriteTimeout:     protocol.Duration(e.cfg.Control.WriteTimeout, consts.DefaultWriteTimeout),
			Post:             e.Post,
		},
		OnAttach: e.onAPIAttach,
		OnDetach: e.onAPIDetach,
	})

	if addr := e.cfg.Observability.MetricsAddr; addr != "" {
		ml, err := e.listeners.Listen(addr)
		if err != nil {
			return err
		}
		e.metricsListener = ml
	}
	return nil
}

func (e *Engine) loop(ctx context.Context) error {
	defer close(e.done)
	_ = e.fsm.Fire(evStarted)
	e.publishHealth()

	for {
		select {
		case f := <-e.events:
			e.run(f)
			for len(e.later) > 0 {
				next := e.later[0]
				e.later = e.later[1:]
				e.run(next)
			}
			e.publishHealth()
		case <-ctx.Done():
			e.teardown()
			return nil
		}
	}
}

// run executes one event; a panicking handler is logged and the loop lives on.
func (e *Engine) run(f func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Panic recovered in event handler", "panic", r)
		}
	}()
	f()
}

func (e *Engine) handleSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				e.log.Info("Signal: SIGHUP received. Reloading settings.")
				e.Post(e.reloadSettings)
			case syscall.SIGINT, syscall.SIGTERM:
				e.log.Info("Signal: Stop received. Shutting down.", "signal", sig.String())
				e.Post(func() {
					if e.terminating {
						e.log.Warn("Second stop signal, exiting without waiting for workers")
						e.finish()
						return
					}
					e.RequestClose(shutdown.Request{Sender: shutdown.SenderRenderer, CallType: shutdown.CallTotal})
				})
			}
		}
	}
}

// teardown runs on the loop once ctx is done.
func (e *Engine) teardown() {
	if e.safetyTimer != nil {
		e.safetyTimer.Stop()
	}
	for _, w := range e.workers {
		if w.State().Active() {
			e.log.Warn("Worker still active at exit", "kind", w.Kind(), "state", w.State())
			_ = w.Stop()
		}
	}
	e.poller.Stop()
	e.broadcaster.Close()
	if c := e.server.Current(); c != nil {
		c.Disconnect(protocol.GracefulDisconnect)
	}
	if e.fsm.Can(evStopped) {
		_ = e.fsm.Fire(evStopped)
	}
	e.publishHealth()
	e.log.Info("Event loop stopped")
}

// health is the snapshot served on /healthz; the loop writes, HTTP reads.
type health struct {
	mu   sync.Mutex
	data healthData
}

type healthData struct {
	State       string `json:"state"`
	Stream      string `json:"stream"`
	Recording   string `json:"recording"`
	Listeners   int    `json:"listeners"`
	APIAttached bool   `json:"apiAttached"`
	UIAttached  bool   `json:"uiAttached"`
	Visibility  string `json:"visibility"`
}

func (h *health) snapshot() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data
}

func (e *Engine) publishHealth() {
	d := healthData{
		State:       string(e.fsm.Current()),
		Stream:      string(e.workers[consts.KindStream].State()),
		Recording:   string(e.workers[consts.KindRecord].State()),
		Listeners:   e.poller.Count(),
		APIAttached: e.APIAttached(),
		UIAttached:  e.bridge.Attached(),
		Visibility:  string(e.visibility),
	}
	e.health.mu.Lock()
	e.health.data = d
	e.health.mu.Unlock()
}

// Personal.AI order the ending
