package orchestrator

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/turtacn/broadcastd/internal/control"
	"github.com/turtacn/broadcastd/internal/shutdown"
	"github.com/turtacn/broadcastd/internal/supervisor"
	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/errors"
	"github.com/turtacn/broadcastd/pkg/protocol"
)

// Everything in this file runs on the event loop.

// Status implements dispatch.Actions.
func (e *Engine) Status() string {
	return "Stream: " + onOff(e.workers[consts.KindStream].Running()) +
		" | Recording: " + onOff(e.workers[consts.KindRecord].Running())
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// SaveSettings persists s and pushes the normalized result to every surface.
func (e *Engine) SaveSettings(s protocol.Settings) {
	saved, err := e.store.Save(s)
	if err != nil {
		e.log.Error("Error saving settings", "err", err)
		e.emitLog("Error saving settings: " + errors.Message(err))
		return
	}
	e.settings = saved
	e.PushSettings()
}

// PushSettings sends the current settings to the API and the UI.
func (e *Engine) PushSettings() {
	e.emit(protocol.SettingsPush{Type: protocol.EventSettings, Settings: e.settings})
}

// StartWorker starts kind with the current settings. Failures are reported
// as log events; the command was already acknowledged.
func (e *Engine) StartWorker(kind consts.WorkerKind) {
	if e.terminating {
		e.emitLog("Shutting down, not starting " + label(kind))
		return
	}
	if err := e.workers[kind].Start(e.settings); err != nil {
		e.log.Warn("Worker start rejected", "kind", kind, "err", err)
		e.emitLog("Cannot start " + label(kind) + ": " + errors.Message(err))
	}
}

// StopWorker asks kind to stop. Stopping an idle worker yields a failed result.
func (e *Engine) StopWorker(kind consts.WorkerKind) {
	w := e.workers[kind]
	if err := w.Stop(); err != nil {
		e.log.Info("Stop rejected", "kind", kind, "err", err)
		e.emit(protocol.StopResult{
			Type:    protocol.EventStopResult,
			Action:  stopAction(kind, stopFailed),
			Message: "No active " + strings.ToLower(label(kind)) + " to stop",
		})
		return
	}
	if _, ok := e.stopAsked[kind]; !ok {
		e.stopAsked[kind] = time.Now()
	}
}

// RequestClose hands r to the shutdown negotiator.
func (e *Engine) RequestClose(r shutdown.Request) {
	e.negotiator.Request(r)
}

// OpenUI forces the UI visible.
func (e *Engine) OpenUI() { e.setVisibility(consts.Visible, false) }

// SwitchMode toggles between headless and visible.
func (e *Engine) SwitchMode(fromAPI bool) {
	next := consts.Visible
	if e.visibility == consts.Visible {
		next = consts.Headless
	}
	e.setVisibility(next, fromAPI)
}

func (e *Engine) setVisibility(v consts.Visibility, fromAPI bool) {
	if e.visibility == v {
		return
	}
	e.visibility = v
	visible := v == consts.Visible
	e.log.Info("Visibility changed", "visibility", v)
	e.bridge.SetVisibility(visible)
	if visible {
		e.pushState()
	}
	if fromAPI {
		action := "renderer-hidden"
		if visible {
			action = "renderer-visible"
		}
		if c := e.server.Current(); c != nil {
			c.SendJSON(protocol.VisibilityNotice{Type: protocol.EventVisibility, Action: action, Visible: visible})
		}
	}
}

// APIAttached implements shutdown.Host.
func (e *Engine) APIAttached() bool { return e.server != nil && e.server.Current() != nil }

// UIVisible implements shutdown.Host.
func (e *Engine) UIVisible() bool {
	return e.uiSession != "" && e.visibility == consts.Visible
}

// DisconnectAPI implements shutdown.Host.
func (e *Engine) DisconnectAPI() {
	if c := e.server.Current(); c != nil {
		c.Disconnect(protocol.GracefulDisconnect)
	}
}

// HideUI implements shutdown.Host.
func (e *Engine) HideUI() { e.setVisibility(consts.Headless, false) }

// Confirm implements shutdown.Host. A UI that cannot be reached declines.
func (e *Engine) Confirm(token uint64, p shutdown.Prompt) {
	if !e.bridge.Confirm(token, string(p), p.Message()) {
		e.log.Warn("UI unreachable, treating confirmation as declined", "prompt", p)
		e.Later(func() { e.negotiator.Answer(token, false) })
	}
}

// Terminate implements shutdown.Host: stop the workers, then end the loop
// once both are idle or the safety timer fires.
func (e *Engine) Terminate(sender shutdown.Sender) {
	if e.terminating {
		return
	}
	e.terminating = true
	_ = e.fsm.Fire(evTerminate)
	e.log.Info("Shutting down", "sender", sender)
	e.emitLog("Closing app")

	e.DisconnectAPI()
	for _, w := range e.workers {
		if w.State().Active() {
			e.StopWorker(w.Kind())
		}
	}
	e.safetyTimer = time.AfterFunc(e.stopTimeout+time.Second, func() {
		e.Post(func() {
			if !e.finished {
				e.log.Warn("Workers did not stop in time, exiting anyway")
				e.finish()
			}
		})
	})
	e.maybeFinish()
}

func (e *Engine) maybeFinish() {
	if !e.terminating {
		return
	}
	for _, w := range e.workers {
		if w.State().Active() {
			return
		}
	}
	e.finish()
}

func (e *Engine) finish() {
	if e.finished {
		return
	}
	e.finished = true
	if e.safetyTimer != nil {
		e.safetyTimer.Stop()
	}
	e.log.Info("All workers stopped, exiting")
	e.cancel()
}

// onWorkerChange reacts to every supervisor transition.
func (e *Engine) onWorkerChange(c supervisor.Change) {
	e.metrics.WorkerTransitions.WithLabelValues(string(c.Kind), string(c.To)).Inc()
	e.log.Info("Worker state changed", "kind", c.Kind, "from", c.From, "to", c.To, "outcome", c.Outcome)

	w := e.workers[c.Kind]
	running := c.To == consts.WorkerRunning
	if running && c.Kind == consts.KindRecord {
		e.emitLog("Recording to " + w.Output())
	}
	if c.From == consts.WorkerRunning && !w.StartedAt().IsZero() {
		e.log.Info("Worker left running", "kind", c.Kind, "uptime", time.Since(w.StartedAt()).Round(time.Second))
	}
	e.broadcaster.SetRunning(c.Kind, running)
	if c.Kind == consts.KindStream {
		if running {
			e.poller.Start(e.settings)
		} else if c.From == consts.WorkerRunning {
			e.poller.Stop()
		}
	}

	e.emit(protocol.StatusUpdate{
		Type:      protocol.EventStatus,
		Status:    e.Status(),
		Stream:    string(e.workers[consts.KindStream].State()),
		Recording: string(e.workers[consts.KindRecord].State()),
		Kind:      string(c.Kind),
		Outcome:   string(c.Outcome),
	})

	if c.To == consts.WorkerIdle && c.From.Stopping() {
		e.reportStop(c)
	}
	if c.To == consts.WorkerIdle {
		delete(e.stopAsked, c.Kind)
		e.maybeFinish()
	}
}

func (e *Engine) reportStop(c supervisor.Change) {
	ok := c.Outcome == supervisor.OutcomeStopped
	if at, asked := e.stopAsked[c.Kind]; asked {
		e.metrics.StopDuration.WithLabelValues(string(c.Kind), string(c.Outcome)).Observe(time.Since(at).Seconds())
	}
	msg := label(c.Kind) + " stopped"
	if !ok {
		msg = label(c.Kind) + " " + string(c.Outcome)
		if c.Err != nil {
			msg += ": " + errors.Message(c.Err)
		}
	}
	result := stopError
	if ok {
		result = stopSuccess
	}
	e.emit(protocol.StopResult{Type: protocol.EventStopResult, Action: stopAction(c.Kind, result), Message: msg})
}

// Stop results: success and error come from a worker that exited, failed
// means there was nothing to stop.
const (
	stopSuccess = "success"
	stopError   = "error"
	stopFailed  = "failed"
)

func stopAction(kind consts.WorkerKind, result string) string {
	name := "stop-stream"
	if kind == consts.KindRecord {
		name = "stop-recording"
	}
	return name + "-" + result
}

func label(k consts.WorkerKind) string {
	if k == consts.KindRecord {
		return "Recording"
	}
	return "Stream"
}

func (e *Engine) onListeners(n int) {
	e.metrics.Listeners.Set(float64(n))
	e.emit(protocol.ListenerUpdate{Type: protocol.EventListeners, Count: n})
}

func (e *Engine) onSettingsChanged(s protocol.Settings) {
	e.settings = s
	e.emitLog("Settings reloaded")
	e.PushSettings()
}

func (e *Engine) reloadSettings() {
	s, err := e.store.Load()
	if err != nil {
		e.log.Error("Cannot reload settings", "err", err)
		return
	}
	e.onSettingsChanged(s)
}

func (e *Engine) onAPIAttach(c *control.Conn) {
	e.metrics.ControlConnections.Inc()
	e.log.Info("API client attached", "conn", c.ID)
}

func (e *Engine) onAPIDetach(c *control.Conn, reason string) {
	e.metrics.ControlDetaches.WithLabelValues(reason).Inc()
	e.log.Info("API client detached", "conn", c.ID, "reason", reason,
		"idle", time.Since(c.LastActivity()).Round(time.Millisecond))
}

// emitLog timestamps msg and broadcasts it as a log event.
func (e *Engine) emitLog(msg string) {
	e.emit(protocol.LogLine{Type: protocol.EventLog, Message: "[" + time.Now().Format("15:04:05") + "] " + msg})
}

// emit fans v out to the API, a visible UI and the event feed.
func (e *Engine) emit(v any) {
	if c := e.server.Current(); c != nil {
		c.SendJSON(v)
	}
	if e.visibility == consts.Visible {
		e.bridge.Notify(v)
	}
	e.hub.Broadcast(v)
}

// pushState brings a freshly shown UI up to date.
func (e *Engine) pushState() {
	if e.uiSession == "" {
		return
	}
	e.bridge.Notify(protocol.StatusUpdate{
		Type:      protocol.EventStatus,
		Status:    e.Status(),
		Stream:    string(e.workers[consts.KindStream].State()),
		Recording: string(e.workers[consts.KindRecord].State()),
	})
	e.bridge.Notify(protocol.TimerUpdate{
		Type:          protocol.EventTimer,
		StreamTime:    e.broadcaster.Elapsed(consts.KindStream),
		RecordingTime: e.broadcaster.Elapsed(consts.KindRecord),
	})
	e.bridge.Notify(protocol.ListenerUpdate{Type: protocol.EventListeners, Count: e.poller.Count()})
	e.bridge.Notify(protocol.SettingsPush{Type: protocol.EventSettings, Settings: e.settings})
}

// UIAttached implements uibridge.Handler.
func (e *Engine) UIAttached(session string) {
	e.uiSession = session
	e.log.Info("UI attached", "session", session)
	e.bridge.SetVisibility(e.visibility == consts.Visible)
	if e.visibility == consts.Visible {
		e.pushState()
	}
}

// UIDetached implements uibridge.Handler. A pending confirmation is
// declined when its UI goes away.
func (e *Engine) UIDetached(session string) {
	if session != e.uiSession {
		return
	}
	e.uiSession = ""
	e.log.Info("UI detached", "session", session)
	if token, ok := e.negotiator.Pending(); ok {
		e.negotiator.Answer(token, false)
	}
}

// UIAnswer implements uibridge.Handler.
func (e *Engine) UIAnswer(id uint64, confirmed bool) {
	e.negotiator.Answer(id, confirmed)
}

// UIAction implements uibridge.Handler. UI actions go through the same
// dispatcher as API commands, except closing which the UI requests as itself.
func (e *Engine) UIAction(name string, payload json.RawMessage) string {
	switch name {
	case "close-app":
		e.Later(func() {
			e.RequestClose(shutdown.Request{Sender: shutdown.SenderRenderer, CallType: shutdown.CallWarning})
		})
		return "Closing app."
	case "switch-mode":
		e.Later(func() { e.SwitchMode(false) })
		return "Switching mode."
	}
	line := name
	if name == "save-settings" {
		line = "save-settings:" + string(payload)
	}
	return e.dispatcher.Dispatch(line)
}

// UIClose implements uibridge.Handler.
func (e *Engine) UIClose(callType string) {
	ct, ok := shutdown.ParseCallType(callType)
	if !ok {
		e.log.Warn("Unknown close call type from UI", "callType", callType)
		return
	}
	e.RequestClose(shutdown.Request{Sender: shutdown.SenderRenderer, CallType: ct})
}

// Personal.AI order the ending
