package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kstaniek/spider-keyer-server/internal/ctl"
	"github.com/kstaniek/spider-keyer-server/internal/event"
	"github.com/kstaniek/spider-keyer-server/internal/hub"
	"github.com/kstaniek/spider-keyer-server/internal/keyer"
	"github.com/kstaniek/spider-keyer-server/internal/link"
)

type captureWriter struct {
	mu   sync.Mutex
	cmds []keyer.Command
}

func (w *captureWriter) Send(cmd keyer.Command) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cmds = append(w.cmds, append(keyer.Command(nil), cmd...))
	return nil
}

func (w *captureWriter) last() keyer.Command {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.cmds) == 0 {
		return nil
	}
	return w.cmds[len(w.cmds)-1]
}

func TestKeyerDispatcher(t *testing.T) {
	w := &captureWriter{}
	lk := link.New()
	defer lk.Close()
	lk.Attach(w)
	d := keyerDispatcher{lk: lk}
	ctx := context.Background()

	tests := []struct {
		req  ctl.Request
		want []byte
	}{
		{ctl.Request{Op: ctl.OpWPM, Value: 20}, []byte{0x1B, 0x03, 20}},
		{ctl.Request{Op: ctl.OpStop}, []byte{0x1B, 0x03, 0xFF}},
		{ctl.Request{Op: ctl.OpSwitch, Opcode: 0x0A, On: true}, []byte{0x1B, 0x0A, 0x01}},
		{ctl.Request{Op: ctl.OpRaw, B1: 0x11, B2: 0x00, Escaped: true}, []byte{0x1B, 0x11, 0x00}},
		{ctl.Request{Op: ctl.OpIdent}, keyer.EncodeIdentityQuery()},
	}
	for _, tc := range tests {
		if err := d.Dispatch(ctx, tc.req); err != nil {
			t.Fatalf("Dispatch(%+v): %v", tc.req, err)
		}
		if got := w.last(); !bytes.Equal(got, tc.want) {
			t.Fatalf("Dispatch(%+v) wrote % X want % X", tc.req, got, tc.want)
		}
	}

	if err := d.Dispatch(ctx, ctl.Request{Op: ctl.OpText, Text: "cq"}); !errors.Is(err, keyer.ErrNotConfirmed) {
		t.Fatalf("text before confirmation: %v", err)
	}
	if err := d.Dispatch(ctx, ctl.Request{Op: ctl.OpWPM, Value: 0}); !errors.Is(err, keyer.ErrInvalidArgument) {
		t.Fatalf("wpm 0: %v", err)
	}
	if err := d.Dispatch(ctx, ctl.Request{Op: "jump"}); !errors.Is(err, ctl.ErrUnknownRequest) {
		t.Fatalf("unknown op: %v", err)
	}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := d.Dispatch(cctx, ctl.Request{Op: ctl.OpStop}); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled ctx: %v", err)
	}
}

func TestHubObserverBroadcasts(t *testing.T) {
	h := hub.New()
	cl := hub.NewClient(8)
	h.Add(cl)
	w := &captureWriter{}
	obs := &hubObserver{hub: h, log: testLogger(), initialWPM: 30}
	lk := link.New(link.WithObserver(obs))
	defer lk.Close()
	obs.speed = lk.SetSpeed
	lk.Attach(w)

	if err := lk.Identify(); err != nil {
		t.Fatal(err)
	}
	lk.Feed([]byte("Spider Keyer]"))
	lk.Feed([]byte{0xB0, 22})

	var kinds []event.Kind
	for len(cl.Out) > 0 {
		kinds = append(kinds, (<-cl.Out).Kind)
	}
	want := []event.Kind{event.KindState, event.KindState, event.KindStatus}
	if len(kinds) != len(want) {
		t.Fatalf("events %v want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events %v want %v", kinds, want)
		}
	}
	if got := w.last(); !bytes.Equal(got, []byte{0x1B, 0x03, 30}) {
		t.Fatalf("initial wpm not pushed: % X", got)
	}

	evs := greetingFor(lk)()
	if len(evs) != 2 || evs[0].State != keyer.StateConnected || evs[1].Status.WPM != 22 {
		t.Fatalf("greeting %+v", evs)
	}
}
