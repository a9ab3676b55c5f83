package main

import (
	"context"
	"fmt"

	"github.com/kstaniek/spider-keyer-server/internal/ctl"
	"github.com/kstaniek/spider-keyer-server/internal/link"
	"github.com/kstaniek/spider-keyer-server/internal/server"
)

// keyerDispatcher executes control requests on the link.
type keyerDispatcher struct{ lk *link.Link }

var _ server.Dispatcher = keyerDispatcher{}

func (d keyerDispatcher) Dispatch(ctx context.Context, req ctl.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch req.Op {
	case ctl.OpText:
		return d.lk.SendText(req.Text)
	case ctl.OpWPM:
		return d.lk.SetSpeed(req.Value)
	case ctl.OpStop:
		return d.lk.StopKeying()
	case ctl.OpPitch:
		return d.lk.SetPitch(req.Opcode, req.Value)
	case ctl.OpSwitch:
		return d.lk.SetSwitch(req.Opcode, req.On)
	case ctl.OpButton:
		return d.lk.PressButton(req.Value)
	case ctl.OpRaw:
		return d.lk.SendCustom(req.B1, req.B2, req.Escaped)
	case ctl.OpIdent:
		return d.lk.Identify()
	case ctl.OpStatus:
		return nil
	}
	return fmt.Errorf("%w: %q", ctl.ErrUnknownRequest, req.Op)
}
