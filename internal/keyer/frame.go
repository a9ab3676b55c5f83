package keyer

import "fmt"

// FrameKind tags the variant held by a Frame.
type FrameKind uint8

const (
	FrameText FrameKind = iota + 1
	FrameStatus
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Snapshot is the raw two byte status report. Byte0 always has its high bit set.
type Snapshot struct {
	Byte0 byte
	Byte1 byte
}

// Frame is one decoded unit of the inbound stream: a text fragment or a status snapshot.
// Only the field matching Kind is meaningful.
type Frame struct {
	Kind   FrameKind
	Text   string
	Status Snapshot
}

// TextFrame builds a text fragment frame.
func TextFrame(s string) Frame { return Frame{Kind: FrameText, Text: s} }

// StatusFrame builds a status snapshot frame.
func StatusFrame(b0, b1 byte) Frame {
	return Frame{Kind: FrameStatus, Status: Snapshot{Byte0: b0, Byte1: b1}}
}

func (f Frame) String() string {
	switch f.Kind {
	case FrameText:
		return fmt.Sprintf("text(%q)", f.Text)
	case FrameStatus:
		return fmt.Sprintf("status(0x%02X,0x%02X)", f.Status.Byte0, f.Status.Byte1)
	default:
		return "frame(?)"
	}
}
