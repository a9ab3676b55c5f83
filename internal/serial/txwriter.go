package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/spider-keyer-server/internal/keyer"
	"github.com/kstaniek/spider-keyer-server/internal/logging"
	"github.com/kstaniek/spider-keyer-server/internal/metrics"
	"github.com/kstaniek/spider-keyer-server/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all serial writes through one goroutine.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter creates a serial TXWriter with a buffered channel of size buf.
// onErr, if set, receives every failed write after it was counted and logged.
func NewTXWriter(parent context.Context, sp Port, buf int, onErr func(error)) *TXWriter {
	write := func(cmd keyer.Command) error {
		_, err := sp.Write(cmd)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
			if onErr != nil {
				onErr(err)
			}
		},
		OnAfter: func() { metrics.IncSerialTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, write, hooks)}
}

// Send queues cmd for asynchronous write (drops with ErrTxOverflow if buffer full).
func (w *TXWriter) Send(cmd keyer.Command) error { return w.base.Send(cmd) }

// Pending returns the number of commands waiting for the port.
func (w *TXWriter) Pending() int { return w.base.Pending() }

// Close stops the writer and waits for pending goroutine exit.
func (w *TXWriter) Close() { w.base.Close() }
