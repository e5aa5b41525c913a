// Package shutdown reconciles close requests coming from the remote API and
// from the local UI. Requests escalate Warning → Total through a bounded
// resolver; a UI confirmation is the only point where resolution suspends.
package shutdown

import (
	"github.com/turtacn/broadcastd/pkg/logger"
)

// Sender identifies who asked to close.
type Sender string

const (
	SenderAPI      Sender = "Api"
	SenderRenderer Sender = "Renderer"
)

// CallType is the strength of a close request.
type CallType string

const (
	CallWarning CallType = "Warning"
	CallPartial CallType = "Partial"
	CallTotal   CallType = "Total"
)

// ParseCallType accepts the three call types by name.
func ParseCallType(s string) (CallType, bool) {
	switch CallType(s) {
	case CallWarning, CallPartial, CallTotal:
		return CallType(s), true
	}
	return "", false
}

// Request is one close request.
type Request struct {
	Sender   Sender
	CallType CallType
}

// Prompt selects which question the UI is asked.
type Prompt string

const (
	// PromptAPIClose asks whether to close after the API requested it (yes/no).
	PromptAPIClose Prompt = "api-close"
	// PromptRendererClose offers close or keep running in the background.
	PromptRendererClose Prompt = "renderer-close"
)

// Message returns the text shown for a prompt.
func (p Prompt) Message() string {
	if p == PromptAPIClose {
		return "The API requested to close the app. Do you want to close it now?"
	}
	return "Do you want to close the app? You can also keep it running in the background."
}

// Host is the control-plane state the negotiator acts on. All calls happen
// on the event loop.
type Host interface {
	APIAttached() bool
	UIVisible() bool
	// DisconnectAPI sends the graceful disconnect notice and ends the socket.
	DisconnectAPI()
	// HideUI switches to headless mode.
	HideUI()
	// Confirm asks the UI asynchronously; the answer comes back through
	// Negotiator.Answer with the same token.
	Confirm(token uint64, p Prompt)
	// Terminate stops workers and ends the process.
	Terminate(sender Sender)
}

// maxDepth bounds escalation: a request can move through at most the three
// call types.
const maxDepth = 3

type pending struct {
	token uint64
	req   Request
	p     Prompt
}

// Negotiator resolves close requests. It is not safe for concurrent use.
type Negotiator struct {
	host    Host
	log     logger.Logger
	token   uint64
	pending *pending
	done    bool

	// OnRequest observes every resolved step, including escalations.
	OnRequest func(r Request)
}

// New creates a Negotiator acting on host.
func New(host Host) *Negotiator {
	return &Negotiator{host: host, log: logger.Component("shutdown")}
}

// Pending returns the token of the confirmation being awaited.
func (n *Negotiator) Pending() (uint64, bool) {
	if n.pending == nil {
		return 0, false
	}
	return n.pending.token, true
}

// Terminated reports whether a Total request has been carried out.
func (n *Negotiator) Terminated() bool { return n.done }

// Request resolves r. A newer request supersedes any confirmation that is
// still pending.
func (n *Negotiator) Request(r Request) {
	if n.pending != nil {
		n.log.Info("Superseding pending confirmation", "token", n.pending.token, "by", r)
		n.pending = nil
	}
	n.resolve(r)
}

// Answer delivers the UI's answer to a confirmation. Answers for anything
// but the latest pending token are ignored.
func (n *Negotiator) Answer(token uint64, confirmed bool) {
	p := n.pending
	if p == nil || p.token != token {
		n.log.Info("Ignoring stale confirmation answer", "token", token)
		return
	}
	n.pending = nil

	if confirmed {
		n.log.Info("Close confirmed", "sender", p.req.Sender)
		n.resolve(Request{Sender: p.req.Sender, CallType: CallTotal})
		return
	}

	switch p.p {
	case PromptAPIClose:
		n.log.Info("[Api] User chose not to close app. API already disconnected.")
	case PromptRendererClose:
		n.log.Info("[Renderer] Keeping app running in background")
		n.host.HideUI()
	}
}

// Cancel drops a pending confirmation, e.g. when the UI goes away.
func (n *Negotiator) Cancel() {
	n.pending = nil
}

func (n *Negotiator) resolve(r Request) {
	for depth := 0; depth < maxDepth; depth++ {
		if n.OnRequest != nil {
			n.OnRequest(r)
		}
		next, escalate := n.step(r)
		if !escalate {
			return
		}
		r = next
	}
	n.log.Error("Close request did not resolve", "request", r)
}

// step applies one row of the decision table and returns the request it
// escalates to, if any.
func (n *Negotiator) step(r Request) (Request, bool) {
	total := Request{Sender: r.Sender, CallType: CallTotal}

	switch r.CallType {
	case CallTotal:
		n.pending = nil
		n.log.Info("Initiating total shutdown", "sender", r.Sender)
		if n.host.APIAttached() {
			n.host.DisconnectAPI()
		}
		n.done = true
		n.host.Terminate(r.Sender)
		return Request{}, false

	case CallPartial:
		if r.Sender == SenderAPI {
			if n.host.UIVisible() {
				n.log.Info("[Api] Partial close: UI stays visible, shutting down API connection")
			} else {
				n.log.Info("[Api] Already headless, shutting down API connection")
			}
			if n.host.APIAttached() {
				n.host.DisconnectAPI()
			}
			return Request{}, false
		}
		if n.host.APIAttached() {
			n.log.Info("[Renderer] Partial close: API connected, entering headless mode")
			n.host.HideUI()
			return Request{}, false
		}
		n.log.Info("[Renderer] Partial close: no API, quitting")
		return total, true

	case CallWarning:
		if r.Sender == SenderAPI {
			if n.host.APIAttached() {
				n.host.DisconnectAPI()
			}
			if n.host.UIVisible() {
				n.ask(r, PromptAPIClose)
				return Request{}, false
			}
			n.log.Info("[Api] Headless, closing app")
			return total, true
		}
		if n.host.APIAttached() {
			n.ask(r, PromptRendererClose)
			return Request{}, false
		}
		n.log.Info("[Renderer] No API connected, closing immediately")
		return total, true
	}

	n.log.Warn("Unknown close request", "request", r)
	return Request{}, false
}

func (n *Negotiator) ask(r Request, p Prompt) {
	n.token++
	n.pending = &pending{token: n.token, req: r, p: p}
	n.log.Info("Awaiting UI confirmation", "sender", r.Sender, "prompt", p, "token", n.token)
	n.host.Confirm(n.token, p)
}

// Personal.AI order the ending
