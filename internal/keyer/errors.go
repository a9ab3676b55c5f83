package keyer

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	// ErrInvalidArgument is returned when a value is outside its protocol range at encode time.
	ErrInvalidArgument = errors.New("keyer: invalid argument")
	// ErrNotConfirmed is returned when user text is sent before the identity handshake succeeded.
	ErrNotConfirmed = errors.New("keyer: device not confirmed")
	// ErrTransportUnavailable is returned when there is no writable transport or a write failed.
	ErrTransportUnavailable = errors.New("keyer: transport unavailable")
	// ErrHandshakeTimeout is the rejection reason when no identity arrived in time.
	ErrHandshakeTimeout = errors.New("keyer: handshake timeout")
	// ErrHandshakeMismatch is the rejection reason when the identity text lacks the signature.
	ErrHandshakeMismatch = errors.New("keyer: handshake mismatch")
	// ErrBadTransition is returned when a handshake event is not valid in the current state.
	ErrBadTransition = errors.New("keyer: invalid state transition")
)

// ErrorKind is a stable classification of protocol errors for observers and metrics.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidArgument
	KindNotConfirmed
	KindTransportUnavailable
	KindHandshakeTimeout
	KindHandshakeMismatch
	KindBadTransition
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotConfirmed:
		return "not_confirmed"
	case KindTransportUnavailable:
		return "transport_unavailable"
	case KindHandshakeTimeout:
		return "handshake_timeout"
	case KindHandshakeMismatch:
		return "handshake_mismatch"
	case KindBadTransition:
		return "bad_transition"
	default:
		return "unknown"
	}
}

// KindOf maps a (possibly wrapped) error to its ErrorKind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrNotConfirmed):
		return KindNotConfirmed
	case errors.Is(err, ErrTransportUnavailable):
		return KindTransportUnavailable
	case errors.Is(err, ErrHandshakeTimeout):
		return KindHandshakeTimeout
	case errors.Is(err, ErrHandshakeMismatch):
		return KindHandshakeMismatch
	case errors.Is(err, ErrBadTransition):
		return KindBadTransition
	default:
		return KindUnknown
	}
}
