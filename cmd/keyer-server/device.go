package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/kstaniek/spider-keyer-server/internal/link"
	"github.com/kstaniek/spider-keyer-server/internal/metrics"
	"github.com/kstaniek/spider-keyer-server/internal/serial"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openSerialPort and lockSerialPort are hooks for tests.
var (
	openSerialPort = serial.Open
	lockSerialPort = serial.Lock
)

// session is one opened instance of the keyer port.
type session struct {
	sp   serial.Port
	w    *serial.TXWriter
	lock io.Closer
}

// openSession locks and opens the port and attaches its writer to lk.
func openSession(ctx context.Context, cfg *appConfig, lk *link.Link, l *slog.Logger) (*session, error) {
	lock, err := lockSerialPort(cfg.serialDev)
	if err != nil {
		return nil, fmt.Errorf("lock serial: %w", err)
	}
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	w := serial.NewTXWriter(ctx, sp, txQueueSize, lk.ReportTransportError)
	lk.Attach(w)
	return &session{sp: sp, w: w, lock: lock}, nil
}

// close releases the session. The port closes first so a writer blocked in
// Write returns.
func (s *session) close() error {
	portErr := s.sp.Close()
	s.w.Close()
	return multierr.Combine(
		wrapClose("serial port", portErr),
		wrapClose("serial lock", s.lock.Close()),
	)
}

// device owns the current session and replaces it after the keyer disappears.
type device struct {
	mu     sync.Mutex
	cur    *session
	closed bool
}

// initDevice opens the keyer port, starts the RX loop and schedules the identity
// query. When the device goes away it is re-opened with backoff until ctx ends.
// The returned cleanup releases everything and reports all close errors.
func initDevice(ctx context.Context, cfg *appConfig, lk *link.Link, l *slog.Logger, wg *sync.WaitGroup) (func() error, error) {
	sess, err := openSession(ctx, cfg, lk, l)
	if err != nil {
		return nil, err
	}
	d := &device{cur: sess}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.run(ctx, cfg, lk, l, sess)
	}()

	var once sync.Once
	var cleanupErr error
	cleanup := func() error {
		once.Do(func() {
			d.mu.Lock()
			d.closed = true
			cur := d.cur
			d.cur = nil
			d.mu.Unlock()
			lk.Detach()
			if cur != nil {
				cleanupErr = cur.close()
			}
		})
		return cleanupErr
	}
	return cleanup, nil
}

func (d *device) run(ctx context.Context, cfg *appConfig, lk *link.Link, l *slog.Logger, sess *session) {
	for {
		if !serveSession(ctx, cfg, sess, lk, l) {
			return
		}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		d.cur = nil
		d.mu.Unlock()
		if err := sess.close(); err != nil {
			l.Warn("serial_close_error", "error", err)
		}
		if sess = d.reopen(ctx, cfg, lk, l); sess == nil {
			return
		}
	}
}

// reopen retries openSession with backoff. It returns nil once ctx ends or
// cleanup ran.
func (d *device) reopen(ctx context.Context, cfg *appConfig, lk *link.Link, l *slog.Logger) *session {
	backoff := rxBackoffMin
	for {
		sleepFn(backoff)
		if ctx.Err() != nil {
			return nil
		}
		sess, err := openSession(ctx, cfg, lk, l)
		if err != nil {
			metrics.IncError(metrics.ErrSerialOpen)
			l.Warn("serial_reopen_failed", "error", err, "backoff", backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			lk.Detach()
			_ = sess.close()
			return nil
		}
		d.cur = sess
		d.mu.Unlock()
		l.Info("serial_reopened", "device", cfg.serialDev)
		return sess
	}
}

// serveSession runs the RX loop and the delayed identity query for one session.
// It reports whether the device was lost.
func serveSession(ctx context.Context, cfg *appConfig, sess *session, lk *link.Link, l *slog.Logger) bool {
	rxDone := make(chan struct{})
	var idWG sync.WaitGroup
	idWG.Add(1)
	go func() {
		defer idWG.Done()
		t := time.NewTimer(cfg.identifyDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-rxDone:
			return
		case <-t.C:
		}
		if err := lk.Identify(); err != nil {
			l.Error("keyer_identify_error", "error", err)
			return
		}
		l.Info("keyer_identify_sent", "timeout", cfg.identifyTO)
	}()
	lost := readLoop(ctx, sess.sp, lk, l)
	close(rxDone)
	idWG.Wait()
	l.Info("serial_rx_end", "device_lost", lost)
	return lost
}

func wrapClose(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("close %s: %w", what, err)
}

// readLoop feeds serial input to the link until ctx ends or the device goes
// away. It returns true in the latter case, after detaching the link.
func readLoop(ctx context.Context, sp serial.Port, lk *link.Link, l *slog.Logger) bool {
	buf := make([]byte, serialReadBufSize)
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		n, err := sp.Read(buf)
		if n > 0 {
			metrics.AddSerialRxBytes(n)
			lk.Feed(buf[:n])
			backoff = rxBackoffMin
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return false
		}
		var perr *os.PathError
		if errors.As(err, &perr) {
			l.Error("serial_device_lost", "error", err)
			lk.Detach()
			return true
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			continue // read timeout with no data
		}
		metrics.IncError(metrics.ErrSerialRead)
		l.Warn("serial_read_error", "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff *= 2
		if backoff > rxBackoffMax {
			backoff = rxBackoffMax
		}
	}
}
