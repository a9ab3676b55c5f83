package keyer

import "iter"

// MaxTextFragment bounds the text held while waiting for a terminator. A run of text
// reaching this length is emitted as a fragment on its own.
const MaxTextFragment = 256

const (
	textTerminator = ']'
	statusBit      = 0x80
)

type decoderState uint8

const (
	readingText decoderState = iota
	readingStatusByte2
)

// Decoder splits the keyer's inbound byte stream into text fragments and status
// snapshots. It keeps its state across calls so input may be chunked arbitrarily.
//
// A text fragment ends at ']' (inclusive), at the first status-range byte, or when it
// reaches MaxTextFragment bytes. The end of a chunk never ends a fragment: text still
// open there is held until more input or Flush, rather than emitted as a partial
// fragment. The emitted frame sequence therefore depends only on the bytes, never on
// how they were split.
//
// The zero value is ready to use. A Decoder is not safe for concurrent use.
type Decoder struct {
	state decoderState
	byte0 byte
	text  []byte
}

// Feed returns the frames completed by chunk. Decoding happens while the sequence is
// ranged over, so it must be drained before the next call to Feed.
func (d *Decoder) Feed(chunk []byte) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		for i := 0; i < len(chunk); {
			f, n, ok := d.step(chunk[i:])
			i += n
			if ok && !yield(f) {
				return
			}
		}
	}
}

// Decode feeds chunk and invokes fn for every completed frame. It returns the frame count.
func (d *Decoder) Decode(chunk []byte, fn func(Frame)) int {
	var n int
	for f := range d.Feed(chunk) {
		fn(f)
		n++
	}
	return n
}

// Flush emits any held partial text. A half-received status pair stays pending.
func (d *Decoder) Flush() (Frame, bool) {
	if len(d.text) == 0 {
		return Frame{}, false
	}
	return d.takeText(), true
}

// Pending reports the number of buffered text bytes.
func (d *Decoder) Pending() int { return len(d.text) }

// AwaitingStatusByte reports whether the first byte of a status pair is held.
func (d *Decoder) AwaitingStatusByte() bool { return d.state == readingStatusByte2 }

// Reset drops all buffered input.
func (d *Decoder) Reset() {
	d.state = readingText
	d.byte0 = 0
	d.text = d.text[:0]
}

// step consumes at least one byte of data and returns the completed frame, if any.
func (d *Decoder) step(data []byte) (Frame, int, bool) {
	if d.state == readingStatusByte2 {
		d.state = readingText
		return StatusFrame(d.byte0, data[0]), 1, true
	}
	if data[0]&statusBit != 0 {
		d.byte0 = data[0]
		d.state = readingStatusByte2
		if len(d.text) > 0 {
			return d.takeText(), 1, true
		}
		return Frame{}, 1, false
	}
	n := 0
	for n < len(data) && data[n]&statusBit == 0 {
		b := data[n]
		d.text = append(d.text, b)
		n++
		if b == textTerminator || len(d.text) >= MaxTextFragment {
			return d.takeText(), n, true
		}
	}
	return Frame{}, n, false
}

func (d *Decoder) takeText() Frame {
	f := TextFrame(string(d.text))
	d.text = d.text[:0]
	return f
}
