package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/spider-keyer-server/internal/ctl"
	"github.com/kstaniek/spider-keyer-server/internal/event"
	"github.com/kstaniek/spider-keyer-server/internal/hub"
	"github.com/kstaniek/spider-keyer-server/internal/metrics"
)

// startReader launches the goroutine that parses request lines from one client.
func (s *Server) startReader(ctx context.Context, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			cl.Close() // wakes the writer so it unregisters the client
		}()
		lr := ctl.NewLineReader(conn, s.maxLine)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			line, err := lr.ReadLine()
			if err != nil {
				if errors.Is(err, ctl.ErrLineTooLong) {
					logger.Debug("ctl_line_too_long", "max", s.maxLine)
					s.reply(cl, event.Error("", err))
					continue
				}
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					if ctx.Err() != nil {
						return
					}
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			if len(line) > 0 {
				s.handleLine(ctx, line, cl, logger)
			}
			select {
			case <-ctx.Done():
				return
			case <-cl.Closed:
				return
			default:
			}
		}
	}()
}

// handleLine parses and dispatches one request and answers the sending client.
func (s *Server) handleLine(ctx context.Context, line []byte, cl *hub.Client, logger *slog.Logger) {
	req, err := s.Codec.Parse(line)
	if errors.Is(err, ctl.ErrEmptyRequest) {
		return
	}
	metrics.IncCtlRx()
	if err != nil {
		s.totalBadRequests.Add(1)
		logger.Debug("ctl_bad_request", "error", err)
		s.reply(cl, event.Error("", err))
		return
	}
	op := string(req.Op)
	if req.Op == ctl.OpStatus && s.greeting != nil {
		for _, ev := range s.greeting() {
			s.reply(cl, ev)
		}
		s.reply(cl, event.Ack(op))
		return
	}
	if s.dispatcher == nil {
		s.reply(cl, event.Error(op, fmt.Errorf("%w: no dispatcher", ErrDispatch)))
		return
	}
	if err := s.dispatcher.Dispatch(ctx, req); err != nil {
		wrap := fmt.Errorf("%w: %s: %w", ErrDispatch, op, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.totalDispatchErrors.Add(1)
		logger.Debug("dispatch_error", "op", op, "error", err)
		s.reply(cl, event.Error(op, err))
		return
	}
	s.reply(cl, event.Ack(op))
}

// reply queues ev for cl only.
func (s *Server) reply(cl *hub.Client, ev event.Event) { s.Hub.Send(cl, ev) }
