package transport

import (
	"io"

	"github.com/kstaniek/spider-keyer-server/internal/ctl"
	"github.com/kstaniek/spider-keyer-server/internal/event"
	"github.com/kstaniek/spider-keyer-server/internal/keyer"
)

// CommandSink accepts encoded keyer commands for transmission.
type CommandSink interface {
	Send(keyer.Command) error
}

// RequestParser decodes one control line into a request.
type RequestParser interface {
	Parse(line []byte) (ctl.Request, error)
}

// EventBatchEncoder can encode batches efficiently (either to bytes or directly to writer).
type EventBatchEncoder interface {
	Encode([]event.Event) []byte
	EncodeTo(w io.Writer, events []event.Event) (int, error)
}

// Compile-time assertions for the concrete implementations.
var (
	_ RequestParser     = (*ctl.Codec)(nil)
	_ EventBatchEncoder = (*ctl.Codec)(nil)
	_ CommandSink       = (*AsyncTx)(nil)
)
