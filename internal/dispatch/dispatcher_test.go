package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/broadcastd/internal/shutdown"
	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/protocol"
)

type fakeActions struct {
	calls    []string
	saved    []protocol.Settings
	closes   []shutdown.Request
	status   string
	panicMsg string
}

func (a *fakeActions) SaveSettings(s protocol.Settings) {
	a.calls = append(a.calls, "save")
	a.saved = append(a.saved, s)
}
func (a *fakeActions) PushSettings()                   { a.calls = append(a.calls, "push") }
func (a *fakeActions) StartWorker(k consts.WorkerKind) { a.calls = append(a.calls, "start:"+string(k)) }
func (a *fakeActions) StopWorker(k consts.WorkerKind)  { a.calls = append(a.calls, "stop:"+string(k)) }
func (a *fakeActions) OpenUI()                         { a.calls = append(a.calls, "open") }
func (a *fakeActions) SwitchMode(fromAPI bool) {
	a.calls = append(a.calls, "switch")
}
func (a *fakeActions) RequestClose(r shutdown.Request) {
	a.calls = append(a.calls, "close")
	a.closes = append(a.closes, r)
}
func (a *fakeActions) Status() string {
	if a.panicMsg != "" {
		panic(a.panicMsg)
	}
	return a.status
}

type deferred struct{ fns []func() }

func (q *deferred) push(f func()) { q.fns = append(q.fns, f) }
func (q *deferred) run() {
	for _, f := range q.fns {
		f()
	}
	q.fns = nil
}

func newDispatcher() (*Dispatcher, *fakeActions, *deferred, map[string]string) {
	a := &fakeActions{status: "Stream: OFF | Recording: OFF"}
	q := &deferred{}
	results := map[string]string{}
	d := New(Options{
		Actions:   a,
		Later:     q.push,
		OnCommand: func(verb, result string) { results[verb] = result },
	})
	return d, a, q, results
}

func TestDispatch_VerbTable(t *testing.T) {
	tests := []struct {
		line string
		resp string
		call string
	}{
		{"get-settings", "Requested settings.", "push"},
		{"start-stream", "Starting stream...", "start:stream"},
		{"stop-stream", "Stopping stream...", "stop:stream"},
		{"start-recording", "Starting recording...", "start:record"},
		{"stop-recording", "Stopping recording...", "stop:record"},
		{"status", "Stream: OFF | Recording: OFF", ""},
		{"close-app", "Closing app.", "close"},
		{"open-app", "Opening app.", "open"},
		{"switch-mode", "Switching mode.", "switch"},
		{"Status", "Unknown command.", ""},
		{"start-stream now", "Unknown command.", ""},
		{"reboot", "Unknown command.", ""},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			d, a, q, _ := newDispatcher()
			assert.Equal(t, tt.resp, d.Dispatch(tt.line))
			assert.Empty(t, a.calls, "actions run only after the response")

			q.run()
			if tt.call == "" {
				assert.Empty(t, a.calls)
			} else {
				assert.Equal(t, []string{tt.call}, a.calls)
			}
		})
	}
}

func TestDispatch_CloseAppRaisesApiWarning(t *testing.T) {
	d, a, q, _ := newDispatcher()
	d.Dispatch("close-app")
	q.run()
	require.Len(t, a.closes, 1)
	assert.Equal(t, shutdown.Request{Sender: shutdown.SenderAPI, CallType: shutdown.CallWarning}, a.closes[0])
}

func TestDispatch_SaveSettings(t *testing.T) {
	d, a, q, results := newDispatcher()

	resp := d.Dispatch(`save-settings: {"mountpoint":"/live","bitrate":192,"icecastPort":"8000"}`)
	assert.Equal(t, "Settings saved.", resp)
	q.run()
	require.Len(t, a.saved, 1)
	assert.Equal(t, "/live", a.saved[0].Mountpoint)
	assert.Equal(t, 192, a.saved[0].Bitrate)
	assert.Equal(t, ResultOK, results["save-settings"])
}

func TestDispatch_SaveSettingsInvalidJSON(t *testing.T) {
	d, a, q, results := newDispatcher()

	resp := d.Dispatch(`save-settings:{not json`)
	assert.Contains(t, resp, "Error saving settings: ")
	q.run()
	assert.Empty(t, a.saved)
	assert.Equal(t, ResultRejected, results["save-settings"])
}

func TestDispatch_PanicBecomesInternalError(t *testing.T) {
	d, a, _, results := newDispatcher()
	a.panicMsg = "boom"

	assert.Equal(t, "Internal server error: boom", d.Dispatch("status"))
	assert.Equal(t, ResultPanic, results["status"])

	a.panicMsg = ""
	assert.Equal(t, "Stream: OFF | Recording: OFF", d.Dispatch("status"), "dispatcher still serves")
}

func TestDispatch_UnknownIsCounted(t *testing.T) {
	d, _, _, results := newDispatcher()
	d.Dispatch("hello")
	assert.Equal(t, ResultUnknown, results["unknown"])
}

func TestDispatch_DefaultLaterRunsImmediately(t *testing.T) {
	a := &fakeActions{}
	d := New(Options{Actions: a})
	d.Dispatch("start-stream")
	assert.Equal(t, []string{"start:stream"}, a.calls)
}
