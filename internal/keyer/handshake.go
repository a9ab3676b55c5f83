package keyer

import (
	"fmt"
	"strings"
)

// Signature must appear in the identity text for the device to be accepted.
const Signature = "Spider Keyer"

// ConnState is the identity confirmation state of one keyer connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateAwaitingIdentity
	StateConnected
	StateRejected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingIdentity:
		return "awaiting_identity"
	case StateConnected:
		return "connected"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result describes the outcome of feeding a text fragment to the handshake.
type Result struct {
	Finalized bool      // a complete identity message was received
	State     ConnState // state after the fragment
	Identity  string    // the finalized identity text, set when Finalized
}

// Handshake confirms that the attached device is a Spider Keyer. It only changes state
// on explicit calls; nothing happens implicitly.
//
//	Disconnected -> AwaitingIdentity        Begin
//	Connected    -> AwaitingIdentity        Begin (re-query; unconfirmed meanwhile)
//	AwaitingIdentity -> Connected|Rejected  OnTextFragment ending in ']'
//	AwaitingIdentity -> Rejected            ForceReject
//	any -> Disconnected                     Reset
type Handshake struct {
	state    ConnState
	pending  strings.Builder
	identity string
	reason   error
}

// NewHandshake returns a handshake in StateDisconnected.
func NewHandshake() *Handshake { return &Handshake{} }

// Begin starts an identity query and returns the command to send.
func (h *Handshake) Begin() (Command, error) {
	switch h.state {
	case StateDisconnected, StateConnected:
	default:
		return nil, fmt.Errorf("%w: begin from %s", ErrBadTransition, h.state)
	}
	h.pending.Reset()
	h.reason = nil
	h.state = StateAwaitingIdentity
	return EncodeIdentityQuery(), nil
}

// OnTextFragment accumulates identity text and finalizes on a trailing ']'.
func (h *Handshake) OnTextFragment(fragment string) (Result, error) {
	if h.state != StateAwaitingIdentity {
		return Result{State: h.state}, fmt.Errorf("%w: text while %s", ErrBadTransition, h.state)
	}
	h.pending.WriteString(fragment)
	text := h.pending.String()
	if !strings.HasSuffix(text, string(textTerminator)) {
		return Result{State: h.state}, nil
	}
	h.pending.Reset()
	h.identity = text
	if strings.Contains(text, Signature) {
		h.state = StateConnected
		h.reason = nil
	} else {
		h.state = StateRejected
		h.reason = fmt.Errorf("%w: %q", ErrHandshakeMismatch, text)
	}
	return Result{Finalized: true, State: h.state, Identity: text}, nil
}

// ForceReject ends a pending query, e.g. when the caller's timeout fires.
func (h *Handshake) ForceReject(reason error) error {
	if h.state != StateAwaitingIdentity {
		return fmt.Errorf("%w: reject from %s", ErrBadTransition, h.state)
	}
	h.pending.Reset()
	h.state = StateRejected
	h.reason = reason
	return nil
}

// Reset returns to StateDisconnected and forgets the last identity.
func (h *Handshake) Reset() {
	h.pending.Reset()
	h.state = StateDisconnected
	h.identity = ""
	h.reason = nil
}

// CheckSend reports ErrNotConfirmed unless the device is confirmed.
func (h *Handshake) CheckSend() error {
	if h.state != StateConnected {
		return fmt.Errorf("%w (state %s)", ErrNotConfirmed, h.state)
	}
	return nil
}

func (h *Handshake) State() ConnState { return h.state }

// Identity returns the most recently finalized identity text.
func (h *Handshake) Identity() string { return h.identity }

// Reason returns why the handshake was rejected, or nil.
func (h *Handshake) Reason() error { return h.reason }
