package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/spider-keyer-server/internal/keyer"
)

// ErrAsyncTxClosed is returned by Send after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// AsyncTx funnels command writes through a single goroutine so concurrent senders
// never interleave bytes on the wire. Send never blocks: when the queue is full the
// OnDrop hook decides the returned error.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, writeFn, hooks)
//	a.Send(cmd)
//	a.Close()
//
// After Close, Send returns ErrAsyncTxClosed and queued commands are discarded.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan keyer.Command
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	write  func(keyer.Command) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when write returns a non-nil error (command not sent).
	OnError func(error)
	// OnAfter is called only after a successful write.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from Send. If nil, the overflow is silent.
	OnDrop func() error
}

// NewAsyncTx constructs an AsyncTx with a buffered queue of size buf.
func NewAsyncTx(parent context.Context, buf int, write func(keyer.Command) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan keyer.Command, buf),
		ctx:    ctx,
		cancel: cancel,
		write:  write,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case cmd, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.write(cmd); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues cmd for asynchronous transmission or returns the drop error if the
// buffer is full.
func (a *AsyncTx) Send(cmd keyer.Command) error {
	// Fast-path check so steady-state sends avoid taking the lock when already shut down.
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- cmd:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Pending returns the number of queued commands.
func (a *AsyncTx) Pending() int { return len(a.ch) }

// Close stops the worker and waits for it to exit.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	// Cancel first so the loop stops, then close the queue under the send lock.
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
