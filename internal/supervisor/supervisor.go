package supervisor

import (
	"regexp"
	"strings"
	"time"

	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/errors"
	"github.com/turtacn/broadcastd/pkg/fsm"
	"github.com/turtacn/broadcastd/pkg/logger"
	"github.com/turtacn/broadcastd/pkg/protocol"
)

// Outcome summarizes why a transition happened.
type Outcome string

const (
	OutcomeNone       Outcome = ""
	OutcomeStarting   Outcome = "starting"
	OutcomeReady      Outcome = "started"
	OutcomeStopping   Outcome = "stopping"
	OutcomeStopped    Outcome = "stopped"
	OutcomeStopFailed Outcome = "stop failed"
	OutcomeForced     Outcome = "timed out, forced"
	OutcomeFailed     Outcome = "failed"
)

// Change is reported to the owner after every transition.
type Change struct {
	Kind    consts.WorkerKind
	From    consts.WorkerState
	To      consts.WorkerState
	Outcome Outcome
	Code    int
	Err     error
}

// Timer is the part of *time.Timer the supervisor needs.
type Timer interface {
	Stop() bool
}

// Options configures a Supervisor.
type Options struct {
	Kind        consts.WorkerKind
	Spawner     Spawner
	Args        ArgsBuilder
	ReadyMarker string
	StopTimeout time.Duration

	// Post schedules f on the owner's event loop. Process hooks and timers
	// never touch supervisor state directly.
	Post func(f func())
	// AfterFunc defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer

	OnChange func(Change)
	OnLog    func(msg string)
}

const (
	evStart   fsm.Event = "start"
	evReady   fsm.Event = "ready"
	evStop    fsm.Event = "stop"
	evTimeout fsm.Event = "timeout"
	evExit    fsm.Event = "exit"
	evFail    fsm.Event = "fail"
	evReset   fsm.Event = "reset"
)

var (
	progressLine = regexp.MustCompile(`size=\s*\S+\s+time=\S+\s+bitrate=\s*\S+\s+speed=\s*\S+`)
	errorLine    = regexp.MustCompile(`(?i)error`)
)

// Supervisor owns one worker kind. All methods must be called from the
// owner's event loop.
type Supervisor struct {
	opts Options
	fsm  *fsm.StateMachine
	log  logger.Logger

	proc      Process
	gen       uint64
	stopTimer Timer
	startedAt time.Time
	output    string // recording file, if any
}

// New creates an idle Supervisor.
func New(opts Options) *Supervisor {
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Post == nil {
		opts.Post = func(f func()) { f() }
	}
	if opts.ReadyMarker == "" {
		opts.ReadyMarker = consts.DefaultReadyMarker
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = consts.DefaultStopTimeout
	}
	if opts.Args.InputFormat == "" {
		opts.Args.InputFormat = consts.DefaultInputFormat
	}

	s := &Supervisor{
		opts: opts,
		fsm:  fsm.New(fsm.State(consts.WorkerIdle)),
		log:  logger.Component("supervisor").With("kind", opts.Kind),
	}
	s.setupFSM()
	return s
}

func (s *Supervisor) setupFSM() {
	st := func(w consts.WorkerState) fsm.State { return fsm.State(w) }

	s.fsm.AddTransition(st(consts.WorkerIdle), st(consts.WorkerStarting), evStart, nil)
	s.fsm.AddTransition(st(consts.WorkerStarting), st(consts.WorkerRunning), evReady, nil)

	s.fsm.AddTransition(st(consts.WorkerStarting), st(consts.WorkerStoppingGraceful), evStop, nil)
	s.fsm.AddTransition(st(consts.WorkerRunning), st(consts.WorkerStoppingGraceful), evStop, nil)
	s.fsm.AddTransition(st(consts.WorkerStoppingGraceful), st(consts.WorkerStoppingForced), evTimeout, nil)
	s.fsm.AddTransition(st(consts.WorkerStoppingGraceful), st(consts.WorkerIdle), evExit, nil)
	s.fsm.AddTransition(st(consts.WorkerStoppingForced), st(consts.WorkerIdle), evExit, nil)

	s.fsm.AddTransition(st(consts.WorkerStarting), st(consts.WorkerFailed), evFail, nil)
	s.fsm.AddTransition(st(consts.WorkerRunning), st(consts.WorkerFailed), evFail, nil)
	s.fsm.AddTransition(st(consts.WorkerFailed), st(consts.WorkerIdle), evReset, nil)
}

// OnTransition exposes the underlying state machine's observer hook.
func (s *Supervisor) OnTransition(o fsm.Observer) { s.fsm.OnTransition(o) }

// Kind returns the worker kind.
func (s *Supervisor) Kind() consts.WorkerKind { return s.opts.Kind }

// State returns the current worker state.
func (s *Supervisor) State() consts.WorkerState { return consts.WorkerState(s.fsm.Current()) }

// Running reports whether the worker has confirmed readiness and is not stopping.
func (s *Supervisor) Running() bool { return s.State() == consts.WorkerRunning }

// StartedAt returns when the current worker was spawned.
func (s *Supervisor) StartedAt() time.Time { return s.startedAt }

// Output returns the file a recording worker writes to.
func (s *Supervisor) Output() string { return s.output }

// Start validates settings and spawns a worker. The worker is Starting until
// its readiness marker appears on the diagnostic stream.
func (s *Supervisor) Start(settings protocol.Settings) error {
	if st := s.State(); st != consts.WorkerIdle {
		return errors.New(errors.ErrCodeAlreadyRunning, "Start", string(s.opts.Kind)+" is already running", nil)
	}

	var (
		args   []string
		output string
		err    error
	)
	if s.opts.Kind == consts.KindRecord {
		args, output, err = s.opts.Args.RecordArgs(settings)
	} else {
		args, err = s.opts.Args.StreamArgs(settings)
	}
	if err != nil {
		s.log.Warn("Start rejected", "err", err)
		return err
	}

	s.gen++
	gen := s.gen
	s.output = output
	s.transition(evStart, Change{Outcome: OutcomeStarting})

	proc, err := s.opts.Spawner.Spawn(s.opts.Kind, args, Hooks{
		OnLine: func(line string) { s.opts.Post(func() { s.handleLine(gen, line) }) },
		OnExit: func(code int, err error) { s.opts.Post(func() { s.handleExit(gen, code, err) }) },
	})
	if err != nil {
		s.log.Error("Spawn failed", "err", err)
		err = errors.New(errors.ErrCodeWorkerSpawn, "Start", "cannot spawn "+string(s.opts.Kind)+" worker", err)
		s.fail(err, -1)
		return err
	}
	s.proc = proc
	s.startedAt = time.Now()
	s.log.Info("Worker spawned", "pid", proc.Pid(), "args", redact(args))
	return nil
}

// Stop asks the worker to quit and arms the stop timer. Stopping an idle
// worker returns a NotRunning error; stopping twice is a no-op.
func (s *Supervisor) Stop() error {
	st := s.State()
	switch {
	case st.Stopping():
		return nil
	case st != consts.WorkerStarting && st != consts.WorkerRunning:
		return errors.New(errors.ErrCodeNotRunning, "Stop", "no active "+string(s.opts.Kind)+" to stop", nil)
	}

	gen := s.gen
	s.transition(evStop, Change{Outcome: OutcomeStopping})
	s.stopTimer = s.opts.AfterFunc(s.opts.StopTimeout, func() {
		s.opts.Post(func() { s.handleStopTimeout(gen) })
	})

	if err := s.proc.Quit(); err != nil {
		s.log.Warn("Quit failed, forcing", "err", err)
		s.handleStopTimeout(gen)
	}
	return nil
}

func (s *Supervisor) handleLine(gen uint64, line string) {
	if gen != s.gen {
		return
	}
	if progressLine.MatchString(line) {
		s.log.Debug("Progress", "line", line)
		return
	}
	if s.State() == consts.WorkerStarting && strings.Contains(line, s.opts.ReadyMarker) {
		s.log.Info("Worker confirmed live")
		s.emitLog(label(s.opts.Kind) + " started")
		s.transition(evReady, Change{Outcome: OutcomeReady})
		return
	}
	if strings.Contains(line, "401 Unauthorized") || strings.Contains(line, "authorization failed") {
		s.emitLog("Invalid Username Or Password")
	}
	if errorLine.MatchString(line) {
		s.emitLog("Unhandled FFmpeg Error: " + strings.TrimSpace(line))
	}
	s.log.Debug("Worker stderr", "line", line)
}

func (s *Supervisor) handleStopTimeout(gen uint64) {
	if gen != s.gen || s.State() != consts.WorkerStoppingGraceful {
		return
	}
	s.log.Warn("Stop timed out, forcing process termination", "timeout", s.opts.StopTimeout)
	s.transition(evTimeout, Change{Outcome: OutcomeForced})
	if s.proc != nil {
		if err := s.proc.Kill(); err != nil {
			s.log.Error("Kill failed", "err", err)
		}
	}
}

func (s *Supervisor) handleExit(gen uint64, code int, err error) {
	if gen != s.gen || s.proc == nil {
		return
	}
	s.proc = nil
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	s.log.Info("Worker exited", "code", code, "err", err)

	switch s.State() {
	case consts.WorkerStoppingGraceful:
		if code == 0 && err == nil {
			s.transition(evExit, Change{Outcome: OutcomeStopped, Code: code})
		} else {
			s.transition(evExit, Change{Outcome: OutcomeStopFailed, Code: code,
				Err: errors.New(errors.ErrCodeWorkerRuntime, "Stop", "worker exited abnormally", err)})
		}
		s.emitLog(label(s.opts.Kind) + " Stopped")
	case consts.WorkerStoppingForced:
		s.transition(evExit, Change{Outcome: OutcomeForced, Code: code})
		s.emitLog(label(s.opts.Kind) + " Stopped")
	default:
		s.fail(errors.New(errors.ErrCodeWorkerRuntime, "Run", "worker exited unexpectedly", err), code)
	}
	s.startedAt = time.Time{}
}

// fail records a Failed state and immediately resets to Idle.
func (s *Supervisor) fail(err error, code int) {
	s.proc = nil
	s.emitLog(label(s.opts.Kind) + " Failed: " + errors.Message(err))
	s.transition(evFail, Change{Outcome: OutcomeFailed, Code: code, Err: err})
	s.transition(evReset, Change{Outcome: OutcomeFailed, Code: code, Err: err})
}

func (s *Supervisor) transition(ev fsm.Event, c Change) {
	from := s.State()
	if err := s.fsm.Fire(ev); err != nil {
		s.log.Error("Invalid worker transition", "event", ev, "err", err)
		return
	}
	c.Kind, c.From, c.To = s.opts.Kind, from, s.State()
	if s.opts.OnChange != nil {
		s.opts.OnChange(c)
	}
}

func (s *Supervisor) emitLog(msg string) {
	if s.opts.OnLog != nil {
		s.opts.OnLog(msg)
	}
}

func label(k consts.WorkerKind) string {
	if k == consts.KindRecord {
		return "Recording"
	}
	return "Stream"
}

// redact hides icecast credentials in logged arguments.
func redact(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if at := strings.Index(a, "@"); strings.HasPrefix(a, "icecast://") && at > 0 {
			a = "icecast://***" + a[at:]
		}
		out[i] = a
	}
	return out
}

// Personal.AI order the ending
