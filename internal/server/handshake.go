package server

import (
	"context"
	"net"

	"github.com/kstaniek/spider-keyer-server/internal/ctl"
)

// Hello runs the control protocol hello exchange on a fresh connection.
func (s *Server) Hello(ctx context.Context, c net.Conn) error {
	return ctl.Handshake(ctx, c, s.handshakeTimeout)
}
