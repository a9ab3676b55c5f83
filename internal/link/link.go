// Package link binds the keyer protocol core to one serial writer and reports
// what it sees to an Observer.
package link

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/spider-keyer-server/internal/keyer"
	"github.com/kstaniek/spider-keyer-server/internal/logging"
	"github.com/kstaniek/spider-keyer-server/internal/metrics"
)

// DefaultIdentifyTimeout bounds the wait for an identity reply.
const DefaultIdentifyTimeout = 3 * time.Second

// ErrWriteFailed marks transport errors that surfaced after a command was queued.
var ErrWriteFailed = errors.New("link: write failed")

// Writer transmits encoded commands to the keyer.
type Writer interface {
	Send(keyer.Command) error
}

// Observer receives everything the link decodes. Callbacks run outside the link
// lock, so they may call back into the Link.
//
// OnFrame reports every decoded frame; handshake is set for text fragments that
// were taken as part of an identity reply.
type Observer interface {
	OnFrame(f keyer.Frame, handshake bool)
	OnStatus(st keyer.DeviceStatus, lastWPM int)
	OnStateChange(s keyer.ConnState, identity string)
	OnError(kind keyer.ErrorKind, err error)
}

// Snapshot is a point-in-time view of the link, used to greet new clients.
type Snapshot struct {
	State     keyer.ConnState
	Identity  string
	Status    keyer.DeviceStatus
	HasStatus bool
	LastWPM   int
	Attached  bool
}

// Option configures a Link.
type Option func(*Link)

func WithObserver(o Observer) Option { return func(l *Link) { l.obs = o } }

// WithIdentifyTimeout sets how long Identify waits for the reply before rejecting.
func WithIdentifyTimeout(d time.Duration) Option {
	return func(l *Link) {
		if d > 0 {
			l.identifyTimeout = d
		}
	}
}

// Link is safe for concurrent use: the serial reader calls Feed while control
// clients issue commands.
type Link struct {
	mu      sync.Mutex
	dec     keyer.Decoder
	hs      *keyer.Handshake
	tracker keyer.Tracker
	lastWPM int
	w       Writer

	obs             Observer
	identifyTimeout time.Duration
	timer           *time.Timer
	gen             uint64 // bumps on every query so stale timers are ignored
}

// New returns a detached link in StateDisconnected.
func New(opts ...Option) *Link {
	l := &Link{hs: keyer.NewHandshake(), identifyTimeout: DefaultIdentifyTimeout}
	for _, o := range opts {
		o(l)
	}
	return l
}

// pending collects observer calls made under the lock.
type pending []func(Observer)

func (p *pending) frame(f keyer.Frame, handshake bool) {
	*p = append(*p, func(o Observer) { o.OnFrame(f, handshake) })
}

func (p *pending) status(st keyer.DeviceStatus, last int) {
	*p = append(*p, func(o Observer) { o.OnStatus(st, last) })
}

func (p *pending) state(s keyer.ConnState, id string) {
	metrics.SetKeyerState(int(s))
	logging.L().Info("keyer_state", "state", s.String(), "identity", id)
	*p = append(*p, func(o Observer) { o.OnStateChange(s, id) })
}

func (p *pending) err(err error) {
	kind := keyer.KindOf(err)
	if label := errorLabel(kind); label != "" {
		metrics.IncError(label)
	}
	*p = append(*p, func(o Observer) { o.OnError(kind, err) })
}

func (l *Link) dispatch(p pending) {
	if l.obs == nil {
		return
	}
	for _, fn := range p {
		fn(l.obs)
	}
}

func errorLabel(k keyer.ErrorKind) string {
	switch k {
	case keyer.KindInvalidArgument:
		return metrics.ErrKeyerArgument
	case keyer.KindNotConfirmed:
		return metrics.ErrKeyerNotConfirm
	case keyer.KindTransportUnavailable:
		return metrics.ErrKeyerTransport
	case keyer.KindHandshakeMismatch, keyer.KindHandshakeTimeout:
		return metrics.ErrKeyerRejected
	}
	return ""
}

// Attach installs w as the transport and drops any stale decoder input.
func (l *Link) Attach(w Writer) {
	l.mu.Lock()
	l.w = w
	l.dec.Reset()
	l.mu.Unlock()
}

// Detach drops the transport. Held text is flushed and the handshake returns to
// StateDisconnected.
func (l *Link) Detach() {
	l.mu.Lock()
	var p pending
	if f, ok := l.dec.Flush(); ok {
		p.frame(f, false)
	}
	l.dec.Reset()
	l.w = nil
	l.cancelTimerLocked()
	prev := l.hs.State()
	l.hs.Reset()
	if prev != keyer.StateDisconnected {
		p.state(keyer.StateDisconnected, "")
	}
	l.mu.Unlock()
	l.dispatch(p)
}

// Close stops the identify timer.
func (l *Link) Close() {
	l.mu.Lock()
	l.cancelTimerLocked()
	l.mu.Unlock()
}

func (l *Link) cancelTimerLocked() {
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// Feed decodes one chunk of serial input.
func (l *Link) Feed(chunk []byte) {
	l.mu.Lock()
	var p pending
	for f := range l.dec.Feed(chunk) {
		l.handleFrameLocked(f, &p)
	}
	l.mu.Unlock()
	l.dispatch(p)
}

func (l *Link) handleFrameLocked(f keyer.Frame, p *pending) {
	switch f.Kind {
	case keyer.FrameText:
		metrics.IncTextFrame()
		if l.hs.State() != keyer.StateAwaitingIdentity {
			p.frame(f, false)
			return
		}
		p.frame(f, true)
		res, err := l.hs.OnTextFragment(f.Text)
		if err != nil || !res.Finalized {
			return
		}
		l.cancelTimerLocked()
		p.state(res.State, res.Identity)
		if res.State == keyer.StateConnected {
			metrics.IncHandshake(metrics.HandshakeConnected)
			return
		}
		metrics.IncHandshake(metrics.HandshakeMismatch)
		logging.L().Warn("keyer_rejected", "identity", res.Identity)
		p.err(l.hs.Reason())
	case keyer.FrameStatus:
		p.frame(f, false)
		metrics.IncStatusFrame()
		st := l.tracker.Observe(f.Status)
		if st.WPMReported() {
			l.lastWPM = st.WPM
			metrics.SetKeyerWPM(st.WPM)
		}
		p.status(st, l.lastWPM)
	}
}

// Identify sends the identity query and arms the reply timeout. It may be called
// again from any state to re-run the query.
func (l *Link) Identify() error {
	l.mu.Lock()
	var p pending
	err := l.identifyLocked(&p)
	l.mu.Unlock()
	l.dispatch(p)
	return err
}

func (l *Link) identifyLocked(p *pending) error {
	if l.w == nil {
		err := fmt.Errorf("%w: identify", keyer.ErrTransportUnavailable)
		p.err(err)
		return err
	}
	if s := l.hs.State(); s == keyer.StateRejected || s == keyer.StateAwaitingIdentity {
		l.hs.Reset()
	}
	// Text held from before the query is not part of the reply.
	if f, ok := l.dec.Flush(); ok {
		p.frame(f, false)
	}
	cmd, err := l.hs.Begin()
	if err != nil {
		p.err(err)
		return err
	}
	l.cancelTimerLocked()
	p.state(keyer.StateAwaitingIdentity, "")
	if err := l.w.Send(cmd); err != nil {
		err = fmt.Errorf("%w: %w", keyer.ErrTransportUnavailable, err)
		_ = l.hs.ForceReject(err)
		p.state(keyer.StateRejected, "")
		p.err(err)
		return err
	}
	gen := l.gen
	l.timer = time.AfterFunc(l.identifyTimeout, func() { l.identifyExpired(gen) })
	return nil
}

func (l *Link) identifyExpired(gen uint64) {
	l.mu.Lock()
	if gen != l.gen || l.hs.State() != keyer.StateAwaitingIdentity {
		l.mu.Unlock()
		return
	}
	var p pending
	l.timer = nil
	_ = l.hs.ForceReject(keyer.ErrHandshakeTimeout)
	metrics.IncHandshake(metrics.HandshakeTimeout)
	logging.L().Warn("keyer_identify_timeout", "timeout", l.identifyTimeout)
	p.state(keyer.StateRejected, "")
	p.err(keyer.ErrHandshakeTimeout)
	l.mu.Unlock()
	l.dispatch(p)
}

// send encodes and writes one command. Text requires a confirmed keyer; all
// other commands go out in any state.
func (l *Link) send(confirmed bool, encode func() (keyer.Command, error)) error {
	l.mu.Lock()
	var p pending
	err := l.sendLocked(confirmed, encode)
	if err != nil {
		p.err(err)
	}
	// An unconfirmed keyer is asked for its identity again, unless a query is
	// already pending.
	if errors.Is(err, keyer.ErrNotConfirmed) && l.w != nil && l.hs.State() != keyer.StateAwaitingIdentity {
		_ = l.identifyLocked(&p)
	}
	l.mu.Unlock()
	l.dispatch(p)
	return err
}

func (l *Link) sendLocked(confirmed bool, encode func() (keyer.Command, error)) error {
	if confirmed {
		if err := l.hs.CheckSend(); err != nil {
			return err
		}
	}
	cmd, err := encode()
	if err != nil {
		return err
	}
	if l.w == nil {
		return keyer.ErrTransportUnavailable
	}
	if err := l.w.Send(cmd); err != nil {
		return fmt.Errorf("%w: %w", keyer.ErrTransportUnavailable, err)
	}
	return nil
}

// SendText keys s. It fails with keyer.ErrNotConfirmed before a successful
// handshake; the text is not written and the identity query is re-sent.
func (l *Link) SendText(s string) error {
	return l.send(true, func() (keyer.Command, error) { return keyer.EncodeText(s) })
}

func (l *Link) SetSpeed(wpm int) error {
	return l.send(false, func() (keyer.Command, error) { return keyer.EncodeSpeed(wpm) })
}

// StopKeying aborts the keyer's send buffer.
func (l *Link) StopKeying() error {
	return l.send(false, func() (keyer.Command, error) { return keyer.EncodeStopKeying(), nil })
}

func (l *Link) SetPitch(op byte, tenthsHz int) error {
	return l.send(false, func() (keyer.Command, error) { return keyer.EncodePitch(op, tenthsHz) })
}

func (l *Link) SetSwitch(op byte, on bool) error {
	return l.send(false, func() (keyer.Command, error) { return keyer.EncodeSwitch(op, on), nil })
}

// PressButton sends a panel button value as its low and high byte.
func (l *Link) PressButton(value int) error {
	return l.send(false, func() (keyer.Command, error) { return keyer.EncodeButton(value) })
}

func (l *Link) SendCustom(b1, b2 int, escaped bool) error {
	return l.send(false, func() (keyer.Command, error) { return keyer.EncodeCustom(b1, b2, escaped) })
}

// SendRaw writes b unchanged.
func (l *Link) SendRaw(b ...byte) error {
	return l.send(false, func() (keyer.Command, error) { return keyer.EncodeRaw(b...), nil })
}

// ReportTransportError reports a write that failed after its command was queued.
// It is meant as the error hook of an asynchronous writer.
func (l *Link) ReportTransportError(err error) {
	if err == nil {
		return
	}
	var p pending
	p.err(fmt.Errorf("%w: %w: %w", keyer.ErrTransportUnavailable, ErrWriteFailed, err))
	l.dispatch(p)
}

// Snapshot returns the current state.
func (l *Link) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.tracker.Last()
	return Snapshot{
		State:     l.hs.State(),
		Identity:  l.hs.Identity(),
		Status:    st,
		HasStatus: ok,
		LastWPM:   l.lastWPM,
		Attached:  l.w != nil,
	}
}
