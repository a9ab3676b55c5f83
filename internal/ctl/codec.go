package ctl

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kstaniek/spider-keyer-server/internal/event"
	"github.com/kstaniek/spider-keyer-server/internal/keyer"
)

// DefaultMaxLine bounds a single request line.
const DefaultMaxLine = 512

// ErrLineTooLong is returned when a request line exceeds the reader limit.
var ErrLineTooLong = errors.New("ctl: line too long")

// Codec maps control requests and events to their line-oriented wire form.
// Stateless and safe for concurrent use.
type Codec struct{}

// EncodeEvent renders ev as one JSON line terminated by '\n'.
func (c *Codec) EncodeEvent(ev event.Event) ([]byte, error) {
	js := []byte(`{}`)
	set := func(path string, v any) error {
		var err error
		js, err = sjson.SetBytes(js, path, v)
		return err
	}
	if err := set("type", string(ev.Kind)); err != nil {
		return nil, fmt.Errorf("ctl encode: %w", err)
	}
	var err error
	switch ev.Kind {
	case event.KindStatus:
		st := ev.Status
		for _, kv := range []struct {
			k string
			v any
		}{
			{"seq", st.Sequence},
			{"ptt", st.PTT},
			{"key", st.Key},
			{"buffer", st.BufferNonEmpty},
			{"paddle_break", st.PaddleBreak},
			{"wpm", st.WPM},
			{"last_wpm", ev.LastWPM},
			{"line", st.String()},
		} {
			if err = set(kv.k, kv.v); err != nil {
				break
			}
		}
	case event.KindState:
		if err = set("state", ev.State.String()); err == nil {
			err = set("identity", ev.Identity)
		}
	case event.KindText:
		err = set("text", ev.Text)
	case event.KindError:
		if err = set("op", ev.Op); err == nil {
			if err = set("kind", ev.ErrKind.String()); err == nil {
				err = set("detail", ev.Detail)
			}
		}
	case event.KindAck:
		err = set("op", ev.Op)
	}
	if err != nil {
		return nil, fmt.Errorf("ctl encode %s: %w", ev.Kind, err)
	}
	return append(js, '\n'), nil
}

// Encode renders a batch of events.
func (c *Codec) Encode(events []event.Event) []byte {
	var buf bytes.Buffer
	_, _ = c.EncodeTo(&buf, events)
	return buf.Bytes()
}

// EncodeTo writes the batch in a single Write and returns bytes written.
func (c *Codec) EncodeTo(w io.Writer, events []event.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	var buf bytes.Buffer
	buf.Grow(len(events) * 96)
	for _, ev := range events {
		line, err := c.EncodeEvent(ev)
		if err != nil {
			return 0, err
		}
		buf.Write(line)
	}
	n, err := w.Write(buf.Bytes())
	if err != nil {
		return n, fmt.Errorf("ctl write: %w", err)
	}
	return n, nil
}

var stateByName = map[string]keyer.ConnState{
	keyer.StateDisconnected.String():     keyer.StateDisconnected,
	keyer.StateAwaitingIdentity.String(): keyer.StateAwaitingIdentity,
	keyer.StateConnected.String():        keyer.StateConnected,
	keyer.StateRejected.String():         keyer.StateRejected,
}

var errKindByName = func() map[string]keyer.ErrorKind {
	m := map[string]keyer.ErrorKind{}
	for k := keyer.KindUnknown; k <= keyer.KindBadTransition; k++ {
		m[k.String()] = k
	}
	return m
}()

// ParseEvent is the inverse of EncodeEvent, used by clients and tests.
func (c *Codec) ParseEvent(line []byte) (event.Event, error) {
	line = bytes.TrimSpace(line)
	if !gjson.ValidBytes(line) {
		return event.Event{}, fmt.Errorf("%w: invalid event json", ErrMalformedRequest)
	}
	r := gjson.ParseBytes(line)
	ev := event.Event{Kind: event.Kind(r.Get("type").String())}
	switch ev.Kind {
	case event.KindStatus:
		ev.Status = keyer.DeviceStatus{
			PTT:            r.Get("ptt").Bool(),
			Key:            r.Get("key").Bool(),
			BufferNonEmpty: r.Get("buffer").Bool(),
			PaddleBreak:    r.Get("paddle_break").Bool(),
			WPM:            int(r.Get("wpm").Int()),
			Sequence:       r.Get("seq").Uint(),
		}
		ev.LastWPM = int(r.Get("last_wpm").Int())
	case event.KindState:
		s, ok := stateByName[r.Get("state").String()]
		if !ok {
			return event.Event{}, fmt.Errorf("%w: state %q", ErrMalformedRequest, r.Get("state").String())
		}
		ev.State = s
		ev.Identity = r.Get("identity").String()
	case event.KindText:
		ev.Text = r.Get("text").String()
	case event.KindError:
		ev.Op = r.Get("op").String()
		ev.ErrKind = errKindByName[r.Get("kind").String()]
		ev.Detail = r.Get("detail").String()
	case event.KindAck:
		ev.Op = r.Get("op").String()
	default:
		return event.Event{}, fmt.Errorf("%w: event type %q", ErrMalformedRequest, ev.Kind)
	}
	return ev, nil
}

// LineReader reads '\n'-terminated lines and keeps a partial line across read
// errors such as deadline timeouts, so callers may retry after a timeout.
type LineReader struct {
	r       *bufio.Reader
	max     int
	partial []byte
	discard bool // skipping the rest of an over-long line
}

// NewLineReader wraps r; max <= 0 selects DefaultMaxLine.
func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = DefaultMaxLine
	}
	return &LineReader{r: bufio.NewReaderSize(r, max+1), max: max}
}

// ReadLine returns the next line without its terminator. An over-long line yields
// ErrLineTooLong once and is skipped up to its terminator.
func (l *LineReader) ReadLine() ([]byte, error) {
	for {
		chunk, err := l.r.ReadSlice('\n')
		if !l.discard {
			l.partial = append(l.partial, chunk...)
		}
		switch {
		case err == nil:
			if l.discard {
				l.discard = false
				continue
			}
			line := bytes.TrimRight(l.partial, "\r\n")
			out := make([]byte, len(line))
			copy(out, line)
			l.partial = l.partial[:0]
			if len(out) > l.max {
				return nil, ErrLineTooLong
			}
			return out, nil
		case errors.Is(err, bufio.ErrBufferFull) || len(l.partial) > l.max:
			if !l.discard {
				l.partial = l.partial[:0]
				l.discard = true
				return nil, ErrLineTooLong
			}
		default:
			return nil, err
		}
	}
}
