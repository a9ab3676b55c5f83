package ctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Hello is exchanged by both sides before any request or event.
const Hello = "SPIDERKEYERv1\n"

// ErrBadHello is returned when the peer greets with anything but Hello.
var ErrBadHello = errors.New("bad hello")

// Handshake writes Hello and expects the peer to send the same, all within timeout.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if deadlineErr := c.SetDeadline(time.Now().Add(timeout)); deadlineErr != nil {
		return fmt.Errorf("set deadline: %w", deadlineErr)
	}
	defer c.SetDeadline(time.Time{})

	errCh := make(chan error, 2)

	go func() {
		_, err := io.WriteString(c, Hello)
		errCh <- err
	}()

	go func() {
		buf := make([]byte, len(Hello))
		_, err := io.ReadFull(c, buf)
		if err == nil && string(buf) != Hello {
			err = fmt.Errorf("%w: %q", ErrBadHello, buf)
		}
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
		}
	}
	return nil
}
