package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/spider-keyer-server/internal/ctl"
	"github.com/kstaniek/spider-keyer-server/internal/event"
	"github.com/kstaniek/spider-keyer-server/internal/hub"
	"github.com/kstaniek/spider-keyer-server/internal/keyer"
	"github.com/kstaniek/spider-keyer-server/internal/metrics"
)

// recordingDispatcher captures requests and fails TEXT until confirmed is set.
type recordingDispatcher struct {
	mu        sync.Mutex
	reqs      []ctl.Request
	confirmed bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req ctl.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	if req.Op == ctl.OpText && !d.confirmed {
		return keyer.ErrNotConfirmed
	}
	return nil
}

func (d *recordingDispatcher) requests() []ctl.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ctl.Request(nil), d.reqs...)
}

func greeting() []event.Event {
	st := keyer.DecodeStatus(keyer.Snapshot{Byte0: 0x92, Byte1: 20})
	return []event.Event{event.State(keyer.StateConnected, "Spider Keyer]"), event.Status(st, 20)}
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func startServer(t *testing.T, ctx context.Context, opts ...ServerOption) *Server {
	t.Helper()
	srv := NewServer(append([]ServerOption{WithHandshakeTimeout(2 * time.Second)}, opts...)...)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	return srv
}

func dialAndHello(t *testing.T, ctx context.Context, addr string) *client {
	t.Helper()
	d := net.Dialer{Timeout: time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := ctl.Handshake(ctx, c, time.Second); err != nil {
		t.Fatalf("hello: %v", err)
	}
	return &client{t: t, conn: c, r: bufio.NewReader(c)}
}

func (c *client) send(line string) {
	c.t.Helper()
	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
}

func (c *client) next() event.Event {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read event: %v", err)
	}
	ev, err := (&ctl.Codec{}).ParseEvent(line)
	if err != nil {
		c.t.Fatalf("parse %q: %v", line, err)
	}
	return ev
}

// nextOf skips events until one of kind k arrives.
func (c *client) nextOf(k event.Kind) event.Event {
	c.t.Helper()
	for i := 0; i < 32; i++ {
		if ev := c.next(); ev.Kind == k {
			return ev
		}
	}
	c.t.Fatalf("no %s event", k)
	return event.Event{}
}

func waitClients(h *hub.Hub, n int) {
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && h.Count() != n {
		time.Sleep(2 * time.Millisecond)
	}
}

// TestSmokeServer covers hello, greeting, request replies and broadcast.
func TestSmokeServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	disp := &recordingDispatcher{}
	srv := startServer(t, ctx, WithDispatcher(disp), WithGreeting(greeting))

	c := dialAndHello(t, ctx, srv.Addr())
	defer c.conn.Close()

	if ev := c.next(); ev.Kind != event.KindState || ev.State != keyer.StateConnected || ev.Identity != "Spider Keyer]" {
		t.Fatalf("greeting state %+v", ev)
	}
	if ev := c.next(); ev.Kind != event.KindStatus || ev.Status.WPM != 20 || !ev.Status.PTT {
		t.Fatalf("greeting status %+v", ev)
	}

	c.send("WPM 25")
	if ev := c.next(); ev.Kind != event.KindAck || ev.Op != "wpm" {
		t.Fatalf("expected wpm ack, got %+v", ev)
	}
	c.send("TEXT cq")
	if ev := c.next(); ev.Kind != event.KindError || ev.Op != "text" || ev.ErrKind != keyer.KindNotConfirmed {
		t.Fatalf("expected not_confirmed, got %+v", ev)
	}
	c.send("JUMP")
	if ev := c.next(); ev.Kind != event.KindError || !strings.Contains(ev.Detail, "unknown request") {
		t.Fatalf("expected unknown request error, got %+v", ev)
	}
	c.send(`{"op":"stop"}`)
	if ev := c.next(); ev.Kind != event.KindAck || ev.Op != "stop" {
		t.Fatalf("expected stop ack, got %+v", ev)
	}

	reqs := disp.requests()
	if len(reqs) != 3 || reqs[0] != (ctl.Request{Op: ctl.OpWPM, Value: 25}) || reqs[2].Op != ctl.OpStop {
		t.Fatalf("dispatched %+v", reqs)
	}

	waitClients(srv.Hub, 1)
	srv.Hub.Broadcast(event.Text("hello]"))
	if ev := c.nextOf(event.KindText); ev.Text != "hello]" {
		t.Fatalf("broadcast %+v", ev)
	}
}

// TestSmokeStatusRequest answers STATUS from the greeting without dispatching.
func TestSmokeStatusRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	disp := &recordingDispatcher{}
	srv := startServer(t, ctx, WithDispatcher(disp), WithGreeting(greeting))
	c := dialAndHello(t, ctx, srv.Addr())
	defer c.conn.Close()
	c.next()
	c.next()
	c.send("STATUS")
	if ev := c.next(); ev.Kind != event.KindState {
		t.Fatalf("expected state, got %+v", ev)
	}
	if ev := c.next(); ev.Kind != event.KindStatus {
		t.Fatalf("expected status, got %+v", ev)
	}
	if ev := c.next(); ev.Kind != event.KindAck || ev.Op != "status" {
		t.Fatalf("expected ack, got %+v", ev)
	}
	if n := len(disp.requests()); n != 0 {
		t.Fatalf("STATUS must not be dispatched, got %d", n)
	}
}

// TestSmokeRepliesArePrivate checks replies reach only the requesting client.
func TestSmokeRepliesArePrivate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := startServer(t, ctx, WithDispatcher(&recordingDispatcher{confirmed: true}))
	a := dialAndHello(t, ctx, srv.Addr())
	defer a.conn.Close()
	b := dialAndHello(t, ctx, srv.Addr())
	defer b.conn.Close()
	waitClients(srv.Hub, 2)

	a.send("STOP")
	if ev := a.next(); ev.Kind != event.KindAck {
		t.Fatalf("a: %+v", ev)
	}
	srv.Hub.Broadcast(event.Text("x]"))
	if ev := b.next(); ev.Kind != event.KindText {
		t.Fatalf("b saw %+v before the broadcast", ev)
	}
}

func TestSmokeLineTooLong(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := startServer(t, ctx, WithDispatcher(&recordingDispatcher{}), WithMaxLine(32))
	c := dialAndHello(t, ctx, srv.Addr())
	defer c.conn.Close()
	c.send("TEXT " + strings.Repeat("e", 100))
	if ev := c.next(); ev.Kind != event.KindError || !strings.Contains(ev.Detail, "too long") {
		t.Fatalf("expected line too long, got %+v", ev)
	}
	c.send("STOP")
	if ev := c.next(); ev.Kind != event.KindAck {
		t.Fatalf("connection must survive an over-long line, got %+v", ev)
	}
}

func TestSmokeMaxClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := startServer(t, ctx, WithMaxClients(1))
	pre := metrics.Snap()
	a := dialAndHello(t, ctx, srv.Addr())
	defer a.conn.Close()
	waitClients(srv.Hub, 1)
	b := dialAndHello(t, ctx, srv.Addr())
	defer b.conn.Close()
	_ = b.conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := b.r.ReadByte(); err == nil {
		t.Fatalf("expected second client to be closed")
	}
	if post := metrics.Snap(); post.HubRejects <= pre.HubRejects {
		t.Fatalf("expected reject counter increase")
	}
}

func TestSmokeBadHello(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := startServer(t, ctx)
	pre := metrics.Snap()
	raw, err := net.DialTimeout("tcp", srv.Addr(), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("dial raw: %v", err)
	}
	_, _ = io.WriteString(raw, "SPIDERKEYERv2\n")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && metrics.Snap().Errors <= pre.Errors {
		time.Sleep(3 * time.Millisecond)
	}
	_ = raw.Close()
	if post := metrics.Snap(); post.Errors <= pre.Errors {
		t.Fatalf("expected handshake error to be counted")
	}
	if err := srv.LastError(); !errors.Is(err, ErrHandshake) {
		t.Fatalf("LastError = %v", err)
	}
}

// TestSmokeBackpressureKick ensures a client that stops reading is dropped when
// policy=kick: once the socket buffers fill, its queue overflows.
func TestSmokeBackpressureKick(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := hub.New()
	h.OutBufSize = 4
	h.Policy = hub.PolicyKick
	srv := startServer(t, ctx, WithHub(h), WithWriteDeadline(200*time.Millisecond))
	c := dialAndHello(t, ctx, srv.Addr())
	defer c.conn.Close()
	waitClients(h, 1)
	pre := metrics.Snap()
	payload := event.Text(strings.Repeat("e", 200))
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) && h.Count() > 0 {
		for i := 0; i < 256; i++ {
			h.Broadcast(payload)
		}
		time.Sleep(time.Millisecond)
	}
	if h.Count() != 0 {
		t.Fatalf("slow client still registered")
	}
	if post := metrics.Snap(); post.HubKicks <= pre.HubKicks {
		t.Fatalf("expected kick counter increase")
	}
}

func TestSmokeBatchedEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := startServer(t, ctx)
	c := dialAndHello(t, ctx, srv.Addr())
	defer c.conn.Close()
	waitClients(srv.Hub, 1)
	pre := metrics.Snap()
	for i := 0; i < 64; i++ {
		st := keyer.DecodeStatus(keyer.Snapshot{Byte0: 0x80, Byte1: byte(i + 1)})
		st.Sequence = uint64(i)
		srv.Hub.Broadcast(event.Status(st, i+1))
	}
	for i := 0; i < 64; i++ {
		ev := c.next()
		if ev.Kind != event.KindStatus || ev.Status.Sequence != uint64(i) || ev.Status.WPM != i+1 {
			t.Fatalf("event %d out of order: %+v", i, ev)
		}
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && metrics.Snap().CtlTx-pre.CtlTx < 64 {
		time.Sleep(2 * time.Millisecond)
	}
	if post := metrics.Snap(); post.CtlTx-pre.CtlTx < 64 {
		t.Fatalf("expected CtlTx delta >= 64, got %d", post.CtlTx-pre.CtlTx)
	}
}

// TestGracefulShutdown ensures Shutdown closes listener and active clients.
func TestGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv := startServer(t, ctx)
	c1 := dialAndHello(t, ctx, srv.Addr())
	c2 := dialAndHello(t, ctx, srv.Addr())
	waitClients(srv.Hub, 2)
	sdCtx, sdCancel := context.WithTimeout(context.Background(), time.Second)
	defer sdCancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		t.Fatalf("shutdown err: %v", err)
	}
	for i, c := range []*client{c1, c2} {
		_ = c.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if _, err := c.r.ReadByte(); err == nil {
			t.Fatalf("expected c%d read to fail after shutdown", i+1)
		}
	}
}

func TestReusePortListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv := startServer(t, ctx, WithReusePort(true), WithListenAddr("127.0.0.1:0"))
	c := dialAndHello(t, ctx, srv.Addr())
	defer c.conn.Close()
}

func TestStressBroadcast(t *testing.T) {
	if testing.Short() {
		t.Skip("stress skipped in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	h := hub.New()
	h.OutBufSize = 512
	srv := startServer(t, ctx, WithHub(h))
	const nClients = 20
	const nEvents = 200
	clients := make([]*client, 0, nClients)
	for i := 0; i < nClients; i++ {
		clients = append(clients, dialAndHello(t, ctx, srv.Addr()))
	}
	defer func() {
		for _, c := range clients {
			c.conn.Close()
		}
	}()
	waitClients(h, nClients)
	for i := 0; i < nEvents; i++ {
		h.Broadcast(event.Text("e"))
	}
	for idx, c := range clients {
		for i := 0; i < nEvents; i++ {
			if ev := c.next(); ev.Kind != event.KindText {
				t.Fatalf("client %d event %d: %+v", idx, i, ev)
			}
		}
	}
}
