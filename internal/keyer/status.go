package keyer

import (
	"fmt"
	"strings"
)

// Status bits of Snapshot.Byte0.
const (
	StatusPaddleBreak byte = 0x04
	StatusKey         byte = 0x08
	StatusPTT         byte = 0x10
	StatusBuffer      byte = 0x20
)

// DeviceStatus is the decoded form of a status snapshot.
type DeviceStatus struct {
	PTT            bool
	Key            bool
	BufferNonEmpty bool
	PaddleBreak    bool
	WPM            int    // 0 means the keyer did not report a speed
	Sequence       uint64 // zero-based observation index, wraps at 2^64
}

// WPMReported reports whether the snapshot carried a speed.
func (s DeviceStatus) WPMReported() bool { return s.WPM > 0 }

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// String renders the status the way the keyer panel shows it.
func (s DeviceStatus) String() string {
	var b strings.Builder
	buf := "empty"
	if s.BufferNonEmpty {
		buf = "chars"
	}
	fmt.Fprintf(&b, "[%d] PTT %s - KEY %s - BUFFER %s - SPEED %d WPM", s.Sequence, onOff(s.PTT), onOff(s.Key), buf, s.WPM)
	if s.PaddleBreak {
		b.WriteString(" - PADDLE BREAK - ")
	}
	return b.String()
}

// DecodeStatus interprets a snapshot without touching any tracker.
func DecodeStatus(s Snapshot) DeviceStatus {
	return DeviceStatus{
		PTT:            s.Byte0&StatusPTT != 0,
		Key:            s.Byte0&StatusKey != 0,
		BufferNonEmpty: s.Byte0&StatusBuffer != 0,
		PaddleBreak:    s.Byte0&StatusPaddleBreak != 0,
		WPM:            int(s.Byte1),
	}
}

// Tracker numbers status observations and remembers the latest one.
type Tracker struct {
	count uint64
	last  DeviceStatus
	seen  bool
}

// Observe decodes s, stamps it with the next sequence number and records it.
func (t *Tracker) Observe(s Snapshot) DeviceStatus {
	st := DecodeStatus(s)
	st.Sequence = t.count
	t.count++
	t.last = st
	t.seen = true
	return st
}

// Last returns the most recent status, if any was observed.
func (t *Tracker) Last() (DeviceStatus, bool) { return t.last, t.seen }

// Count returns the number of observations (mod 2^64).
func (t *Tracker) Count() uint64 { return t.count }
