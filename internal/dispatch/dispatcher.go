// Package dispatch maps control command lines to control-plane actions.
package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/turtacn/broadcastd/internal/shutdown"
	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/errors"
	"github.com/turtacn/broadcastd/pkg/logger"
	"github.com/turtacn/broadcastd/pkg/protocol"
)

// Actions is the control-plane surface commands act on. It is shared by the
// TCP connection and the local UI.
type Actions interface {
	SaveSettings(s protocol.Settings)
	PushSettings()
	StartWorker(kind consts.WorkerKind)
	StopWorker(kind consts.WorkerKind)
	// Status returns "Stream: ON|OFF | Recording: ON|OFF".
	Status() string
	RequestClose(r shutdown.Request)
	OpenUI()
	SwitchMode(fromAPI bool)
}

// Result labels used for command accounting.
const (
	ResultOK       = "ok"
	ResultUnknown  = "unknown"
	ResultRejected = "rejected"
	ResultPanic    = "panic"
)

const saveSettingsPrefix = "save-settings:"

// Options configures a Dispatcher.
type Options struct {
	Actions Actions
	// Later queues f to run after the current response has been written.
	// Defaults to running f immediately.
	Later func(f func())
	// OnCommand observes every dispatched verb.
	OnCommand func(verb, result string)
}

type handler func(d *Dispatcher, arg string) (string, string)

// Dispatcher turns one command line into one response line. It never
// touches a socket and never waits for a worker.
type Dispatcher struct {
	opts  Options
	log   logger.Logger
	verbs map[string]handler
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Later == nil {
		opts.Later = func(f func()) { f() }
	}
	return &Dispatcher{
		opts: opts,
		log:  logger.Component("dispatch"),
		verbs: map[string]handler{
			"get-settings":    (*Dispatcher).getSettings,
			"start-stream":    startHandler(consts.KindStream, "Starting stream..."),
			"stop-stream":     stopHandler(consts.KindStream, "Stopping stream..."),
			"start-recording": startHandler(consts.KindRecord, "Starting recording..."),
			"stop-recording":  stopHandler(consts.KindRecord, "Stopping recording..."),
			"status":          (*Dispatcher).status,
			"close-app":       (*Dispatcher).closeApp,
			"open-app":        (*Dispatcher).openApp,
			"switch-mode":     (*Dispatcher).switchMode,
		},
	}
}

// Dispatch handles one trimmed command line. Handler panics are turned
// into an internal-error response.
func (d *Dispatcher) Dispatch(line string) (resp string) {
	verb, arg := line, ""
	if strings.HasPrefix(line, saveSettingsPrefix) {
		verb, arg = "save-settings", strings.TrimSpace(line[len(saveSettingsPrefix):])
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Handler panicked", "verb", verb, "panic", r)
			resp = fmt.Sprintf("Internal server error: %v", r)
			d.observe(verb, ResultPanic)
		}
	}()

	if verb == "save-settings" {
		resp, result := d.saveSettings(arg)
		d.observe(verb, result)
		return resp
	}

	h, ok := d.verbs[verb]
	if !ok {
		d.log.Debug("Unknown command", "command", line,
			"err", errors.New(errors.ErrCodeCommand, "Dispatch", "unknown verb "+verb, nil))
		d.observe("unknown", ResultUnknown)
		return "Unknown command."
	}
	resp, result := h(d, arg)
	d.observe(verb, result)
	return resp
}

func (d *Dispatcher) observe(verb, result string) {
	if d.opts.OnCommand != nil {
		d.opts.OnCommand(verb, result)
	}
}

func (d *Dispatcher) saveSettings(raw string) (string, string) {
	var s protocol.Settings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		d.log.Warn("Rejected settings payload", "err", err)
		return "Error saving settings: " + err.Error(), ResultRejected
	}
	d.opts.Later(func() { d.opts.Actions.SaveSettings(s) })
	return "Settings saved.", ResultOK
}

func (d *Dispatcher) getSettings(string) (string, string) {
	d.opts.Later(d.opts.Actions.PushSettings)
	return "Requested settings.", ResultOK
}

func startHandler(kind consts.WorkerKind, ack string) handler {
	return func(d *Dispatcher, _ string) (string, string) {
		d.opts.Later(func() { d.opts.Actions.StartWorker(kind) })
		return ack, ResultOK
	}
}

func stopHandler(kind consts.WorkerKind, ack string) handler {
	return func(d *Dispatcher, _ string) (string, string) {
		d.opts.Later(func() { d.opts.Actions.StopWorker(kind) })
		return ack, ResultOK
	}
}

func (d *Dispatcher) status(string) (string, string) {
	return d.opts.Actions.Status(), ResultOK
}

func (d *Dispatcher) closeApp(string) (string, string) {
	d.opts.Later(func() {
		d.opts.Actions.RequestClose(shutdown.Request{Sender: shutdown.SenderAPI, CallType: shutdown.CallWarning})
	})
	return "Closing app.", ResultOK
}

func (d *Dispatcher) openApp(string) (string, string) {
	d.opts.Later(d.opts.Actions.OpenUI)
	return "Opening app.", ResultOK
}

func (d *Dispatcher) switchMode(string) (string, string) {
	d.opts.Later(func() { d.opts.Actions.SwitchMode(true) })
	return "Switching mode.", ResultOK
}

// Personal.AI order the ending
