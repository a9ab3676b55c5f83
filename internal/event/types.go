package event

import "github.com/kstaniek/spider-keyer-server/internal/keyer"

// Kind identifies what an Event reports.
type Kind string

const (
	KindStatus Kind = "status" // a decoded status snapshot
	KindState  Kind = "state"  // connection state change (with identity text)
	KindText   Kind = "text"   // free-form text from the keyer outside of a handshake
	KindError  Kind = "error"  // an operation failed
	KindAck    Kind = "ack"    // a control request was accepted
)

// Event is what control clients receive. Only the fields relevant to Kind are set.
//
// Note: This is a convenience type. The control codec maps it to its wire form.
type Event struct {
	Kind     Kind
	Status   keyer.DeviceStatus
	LastWPM  int // last non-zero speed reported by the keyer
	State    keyer.ConnState
	Identity string
	Text     string
	ErrKind  keyer.ErrorKind
	Detail   string
	Op       string // request op for ack/error replies
}

// Status wraps a device status.
func Status(st keyer.DeviceStatus, lastWPM int) Event {
	return Event{Kind: KindStatus, Status: st, LastWPM: lastWPM}
}

// State wraps a connection state change.
func State(s keyer.ConnState, identity string) Event {
	return Event{Kind: KindState, State: s, Identity: identity}
}

// Text wraps a text fragment.
func Text(s string) Event { return Event{Kind: KindText, Text: s} }

// Error wraps err, classifying it by keyer.KindOf.
func Error(op string, err error) Event {
	ev := Event{Kind: KindError, Op: op, ErrKind: keyer.KindOf(err)}
	if err != nil {
		ev.Detail = err.Error()
	}
	return ev
}

// Ack confirms a request.
func Ack(op string) Event { return Event{Kind: KindAck, Op: op} }
