// Package server runs the TCP control endpoint: clients exchange a hello, send
// request lines and receive keyer events as JSON lines.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"

	"github.com/kstaniek/spider-keyer-server/internal/ctl"
	"github.com/kstaniek/spider-keyer-server/internal/event"
	"github.com/kstaniek/spider-keyer-server/internal/hub"
	"github.com/kstaniek/spider-keyer-server/internal/logging"
	"github.com/kstaniek/spider-keyer-server/internal/metrics"
	"github.com/kstaniek/spider-keyer-server/internal/transport"
)

// Codec parses requests and encodes event batches; *ctl.Codec implements it.
type Codec interface {
	transport.RequestParser
	transport.EventBatchEncoder
}

// Dispatcher executes a parsed request against the keyer.
type Dispatcher interface {
	Dispatch(ctx context.Context, req ctl.Request) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(context.Context, ctl.Request) error

func (f DispatchFunc) Dispatch(ctx context.Context, req ctl.Request) error { return f(ctx, req) }

// GreetingFunc returns the events queued to a client right after the hello
// and in answer to STATUS.
type GreetingFunc func() []event.Event

// Server owns the TCP listener and coordinates client lifecycle.
type Server struct {
	mu    sync.RWMutex
	addr  string
	Hub   *hub.Hub
	Codec Codec

	dispatcher Dispatcher
	greeting   GreetingFunc
	reusePort  bool

	flushInterval       time.Duration
	batchSize           int
	readDeadline        time.Duration
	writeDeadline       time.Duration
	handshakeTimeout    time.Duration
	maxClients          int
	maxLine             int
	readyOnce           sync.Once
	readyCh             chan struct{}
	lastErrMu           sync.Mutex
	lastErr             error
	errCh               chan error
	listener            net.Listener
	clientsMu           sync.RWMutex
	clients             map[*hub.Client]net.Conn
	wg                  sync.WaitGroup
	logger              *slog.Logger
	nextConnID          uint64
	totalAccepted       atomic.Uint64
	totalHandshakeFail  atomic.Uint64
	totalConnected      atomic.Uint64
	totalDisconnected   atomic.Uint64
	totalBadRequests    atomic.Uint64
	totalDispatchErrors atomic.Uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 32
	defaultReadDeadline     = 60 * time.Second
	defaultWriteDeadline    = 5 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		writeDeadline:    defaultWriteDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		maxLine:          ctl.DefaultMaxLine,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	if s.Hub == nil {
		s.Hub = hub.New()
	}
	if s.Codec == nil {
		s.Codec = &ctl.Codec{}
	}
	return s
}

func WithListenAddr(a string) ServerOption     { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption         { return func(s *Server) { s.Hub = hb } }
func WithCodec(c Codec) ServerOption           { return func(s *Server) { s.Codec = c } }
func WithDispatcher(d Dispatcher) ServerOption { return func(s *Server) { s.dispatcher = d } }
func WithGreeting(fn GreetingFunc) ServerOption {
	return func(s *Server) { s.greeting = fn }
}

// WithReusePort binds with SO_REUSEPORT so a replacement daemon can start
// before the old one releases the port.
func WithReusePort(on bool) ServerOption { return func(s *Server) { s.reusePort = on } }

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithWriteDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

// WithMaxLine caps the request line length.
func WithMaxLine(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxLine = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

func (s *Server) listen(addr string) (net.Listener, error) {
	if s.reusePort {
		return reuseport.Listen("tcp", addr)
	}
	return net.Listen("tcp", addr)
}

// Serve accepts TCP clients and spawns reader/writer goroutines.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	if addr == "" {
		addr = ":0"
	}
	s.mu.Unlock()
	ln, err := s.listen(addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr(), "reuse_port", s.reusePort)
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection, performs the hello, registers the
// client and spawns IO goroutines. Returns a wrapped error on fatal listener errors.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		if _, ok := err.(net.Error); ok { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	// The hello runs off the accept loop so a silent peer cannot stall other clients.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.admit(ctx, conn, connLogger)
	}()
	return nil
}

func (s *Server) admit(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	if err := s.Hello(ctx, conn); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		s.totalHandshakeFail.Add(1)
		logger.Warn("handshake_failed", "error", wrap)
		_ = conn.Close()
		return
	}
	cl := s.Hub.NewClient()
	if s.greeting != nil {
		for _, ev := range s.greeting() {
			s.Hub.Send(cl, ev)
		}
	}
	if !s.Hub.TryAdd(cl, s.maxClients) {
		metrics.IncHubReject()
		logger.Warn("client_reject_max", "max_clients", s.maxClients)
		cl.Close()
		_ = conn.Close()
		return
	}
	s.clientsMu.Lock()
	s.clients[cl] = conn
	s.clientsMu.Unlock()
	s.totalConnected.Add(1)
	logger.Info("client_connected")
	s.startWriter(ctx.Done(), conn, cl, logger)
	s.startReader(ctx, conn, cl, logger)
}

func (s *Server) forget(cl *hub.Client) {
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
}

// Shutdown closes the listener and every client, then waits for the IO
// goroutines. Close failures are aggregated into the returned error.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs error
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", conn.RemoteAddr(), err))
		}
		s.Hub.Remove(cl)
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return multierr.Append(errs, fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err()))
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"handshake_fail", s.totalHandshakeFail.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load(),
			"bad_requests", s.totalBadRequests.Load(),
			"dispatch_errors", s.totalDispatchErrors.Load())
		return errs
	}
}
