package shutdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type prompt struct {
	token uint64
	p     Prompt
}

type fakeHost struct {
	attached bool
	visible  bool

	disconnects int
	hides       int
	prompts     []prompt
	terminated  []Sender
}

func (h *fakeHost) APIAttached() bool { return h.attached }
func (h *fakeHost) UIVisible() bool   { return h.visible }
func (h *fakeHost) DisconnectAPI()    { h.disconnects++; h.attached = false }
func (h *fakeHost) HideUI()           { h.hides++; h.visible = false }
func (h *fakeHost) Terminate(s Sender) {
	h.terminated = append(h.terminated, s)
}
func (h *fakeHost) Confirm(token uint64, p Prompt) {
	h.prompts = append(h.prompts, prompt{token, p})
}

func (h *fakeHost) lastPrompt(t *testing.T) prompt {
	t.Helper()
	require.NotEmpty(t, h.prompts)
	return h.prompts[len(h.prompts)-1]
}

func TestNegotiator_DecisionTable(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		attached bool
		visible  bool

		wantDisconnects int
		wantHides       int
		wantPrompt      Prompt
		wantTerminated  bool
	}{
		{name: "total api attached", req: Request{SenderAPI, CallTotal}, attached: true, visible: true,
			wantDisconnects: 1, wantTerminated: true},
		{name: "total renderer detached", req: Request{SenderRenderer, CallTotal},
			wantTerminated: true},
		{name: "partial api visible", req: Request{SenderAPI, CallPartial}, attached: true, visible: true,
			wantDisconnects: 1},
		{name: "partial api headless detached", req: Request{SenderAPI, CallPartial}},
		{name: "partial renderer attached", req: Request{SenderRenderer, CallPartial}, attached: true, visible: true,
			wantHides: 1},
		{name: "partial renderer detached", req: Request{SenderRenderer, CallPartial}, visible: true,
			wantTerminated: true},
		{name: "warning api visible", req: Request{SenderAPI, CallWarning}, attached: true, visible: true,
			wantDisconnects: 1, wantPrompt: PromptAPIClose},
		{name: "warning api headless", req: Request{SenderAPI, CallWarning}, attached: true,
			wantDisconnects: 1, wantTerminated: true},
		{name: "warning renderer attached", req: Request{SenderRenderer, CallWarning}, attached: true, visible: true,
			wantPrompt: PromptRendererClose},
		{name: "warning renderer detached", req: Request{SenderRenderer, CallWarning}, visible: true,
			wantTerminated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHost{attached: tt.attached, visible: tt.visible}
			n := New(h)
			n.Request(tt.req)

			assert.Equal(t, tt.wantDisconnects, h.disconnects)
			assert.Equal(t, tt.wantHides, h.hides)
			assert.Equal(t, tt.wantTerminated, len(h.terminated) == 1)
			assert.Equal(t, tt.wantTerminated, n.Terminated())
			if tt.wantPrompt != "" {
				assert.Equal(t, tt.wantPrompt, h.lastPrompt(t).p)
				_, ok := n.Pending()
				assert.True(t, ok)
			} else {
				assert.Empty(t, h.prompts)
			}
		})
	}
}

func TestNegotiator_ApiWarningConfirmedEscalatesToTotal(t *testing.T) {
	h := &fakeHost{attached: true, visible: true}
	n := New(h)

	var seen []Request
	n.OnRequest = func(r Request) { seen = append(seen, r) }

	n.Request(Request{SenderAPI, CallWarning})
	p := h.lastPrompt(t)
	n.Answer(p.token, true)

	assert.Equal(t, []Sender{SenderAPI}, h.terminated)
	assert.Equal(t, 1, h.disconnects, "already disconnected before the prompt")
	assert.Equal(t, []Request{{SenderAPI, CallWarning}, {SenderAPI, CallTotal}}, seen)
}

func TestNegotiator_ApiWarningDeclinedKeepsRunning(t *testing.T) {
	h := &fakeHost{attached: true, visible: true}
	n := New(h)

	n.Request(Request{SenderAPI, CallWarning})
	n.Answer(h.lastPrompt(t).token, false)

	assert.Empty(t, h.terminated)
	assert.False(t, h.attached)
	assert.True(t, h.visible)
	_, ok := n.Pending()
	assert.False(t, ok)
}

func TestNegotiator_RendererWarningBackgroundHides(t *testing.T) {
	h := &fakeHost{attached: true, visible: true}
	n := New(h)

	n.Request(Request{SenderRenderer, CallWarning})
	n.Answer(h.lastPrompt(t).token, false)

	assert.Empty(t, h.terminated)
	assert.Equal(t, 1, h.hides)
	assert.True(t, h.attached, "connection untouched")
}

func TestNegotiator_LastConfirmationWins(t *testing.T) {
	h := &fakeHost{attached: true, visible: true}
	n := New(h)

	n.Request(Request{SenderRenderer, CallWarning})
	first := h.lastPrompt(t)
	n.Request(Request{SenderRenderer, CallWarning})
	second := h.lastPrompt(t)
	require.NotEqual(t, first.token, second.token)

	n.Answer(first.token, true)
	assert.Empty(t, h.terminated, "stale answer ignored")

	n.Answer(second.token, false)
	assert.Empty(t, h.terminated)
	assert.Equal(t, 1, h.hides)

	n.Answer(second.token, true)
	assert.Empty(t, h.terminated, "answered confirmations cannot be replayed")
}

func TestNegotiator_TotalCancelsPendingConfirmation(t *testing.T) {
	h := &fakeHost{attached: true, visible: true}
	n := New(h)

	n.Request(Request{SenderRenderer, CallWarning})
	stale := h.lastPrompt(t)

	n.Request(Request{SenderAPI, CallTotal})
	_, ok := n.Pending()
	assert.False(t, ok)
	require.Len(t, h.terminated, 1)

	n.Answer(stale.token, true)
	assert.Len(t, h.terminated, 1)
}

func TestNegotiator_CancelDropsPending(t *testing.T) {
	h := &fakeHost{attached: true, visible: true}
	n := New(h)

	n.Request(Request{SenderAPI, CallWarning})
	tok := h.lastPrompt(t).token
	n.Cancel()
	n.Answer(tok, true)
	assert.Empty(t, h.terminated)
}

func TestParseCallType(t *testing.T) {
	ct, ok := ParseCallType("Partial")
	assert.True(t, ok)
	assert.Equal(t, CallPartial, ct)

	_, ok = ParseCallType("partial")
	assert.False(t, ok)
}
