package main

import (
	"errors"
	"log/slog"

	"github.com/kstaniek/spider-keyer-server/internal/event"
	"github.com/kstaniek/spider-keyer-server/internal/hub"
	"github.com/kstaniek/spider-keyer-server/internal/keyer"
	"github.com/kstaniek/spider-keyer-server/internal/link"
)

// hubObserver turns link callbacks into events for every control client.
type hubObserver struct {
	hub        *hub.Hub
	log        *slog.Logger
	initialWPM int
	// speed is called once the keyer is confirmed and initialWPM is set.
	speed func(int) error
}

var _ link.Observer = (*hubObserver)(nil)

// OnFrame broadcasts keyer text. Identity reply fragments are not forwarded; they
// reach clients through the state event.
func (o *hubObserver) OnFrame(f keyer.Frame, handshake bool) {
	if f.Kind == keyer.FrameText && !handshake {
		o.hub.Broadcast(event.Text(f.Text))
	}
}

func (o *hubObserver) OnStatus(st keyer.DeviceStatus, lastWPM int) {
	o.log.Debug("keyer_status", "status", st.String())
	o.hub.Broadcast(event.Status(st, lastWPM))
}

func (o *hubObserver) OnStateChange(s keyer.ConnState, identity string) {
	o.hub.Broadcast(event.State(s, identity))
	if s == keyer.StateConnected && o.initialWPM > 0 && o.speed != nil {
		if err := o.speed(o.initialWPM); err != nil {
			o.log.Warn("initial_wpm_failed", "wpm", o.initialWPM, "error", err)
		}
	}
}

// OnError forwards handshake failures and serial writes that failed after the
// command was acknowledged. Other command errors are answered to the requesting
// client by the server.
func (o *hubObserver) OnError(kind keyer.ErrorKind, err error) {
	switch {
	case kind == keyer.KindHandshakeMismatch, kind == keyer.KindHandshakeTimeout:
		o.hub.Broadcast(event.Error("ident", err))
	case errors.Is(err, link.ErrWriteFailed):
		o.hub.Broadcast(event.Error("write", err))
	default:
		o.log.Debug("keyer_error", "kind", kind.String(), "error", err)
	}
}

// greetingFor builds the events a new client receives: the connection state and
// the last status, if any.
func greetingFor(lk *link.Link) func() []event.Event {
	return func() []event.Event {
		snap := lk.Snapshot()
		evs := []event.Event{event.State(snap.State, snap.Identity)}
		if snap.HasStatus {
			evs = append(evs, event.Status(snap.Status, snap.LastWPM))
		}
		return evs
	}
}
