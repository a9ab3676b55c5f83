package keyer

import "fmt"

// Wire constants of the Spider Keyer command set.
const (
	Escape        byte = 0x1B // prefix of every escaped command
	OpSpeed       byte = 0x03
	StopKeyingWPM byte = 0xFF // speed value that aborts keying ("SK")

	MinWPM   = 1
	MaxWPM   = 254
	MinPitch = 31 // Hz
	MaxPitch = 254
)

// Command is the exact byte sequence written to the keyer.
// Commands are built by the Encode* functions and must not be modified afterwards.
type Command []byte

var identityQuery = Command{Escape, 0x11, 0x00, Escape, 0x13, 0x01}

// EncodeRaw returns a copy of b as a command.
func EncodeRaw(b ...byte) Command {
	c := make(Command, len(b))
	copy(c, b)
	return c
}

// EncodeEscaped returns [ESC, op, args...].
func EncodeEscaped(op byte, args ...byte) Command {
	c := make(Command, 0, 2+len(args))
	c = append(c, Escape, op)
	return append(c, args...)
}

// EncodeSpeed sets the keying speed. wpm must be in 1..254; 255 is reserved for EncodeStopKeying.
func EncodeSpeed(wpm int) (Command, error) {
	if wpm < MinWPM || wpm > MaxWPM {
		return nil, fmt.Errorf("%w: wpm %d outside %d..%d", ErrInvalidArgument, wpm, MinWPM, MaxWPM)
	}
	return EncodeEscaped(OpSpeed, byte(wpm)), nil
}

// EncodeStopKeying aborts the current transmission and clears the keyer buffer.
func EncodeStopKeying() Command { return EncodeEscaped(OpSpeed, StopKeyingWPM) }

// EncodePitch converts a sidetone value in tenths of Hz to whole Hz (integer division)
// and encodes it for the pitch opcode op.
func EncodePitch(op byte, tenthsHz int) (Command, error) {
	hz := tenthsHz / 10
	if hz < MinPitch || hz > MaxPitch {
		return nil, fmt.Errorf("%w: pitch %d Hz outside %d..%d", ErrInvalidArgument, hz, MinPitch, MaxPitch)
	}
	return EncodeEscaped(op, byte(hz)), nil
}

// EncodeSwitch encodes a boolean toggle.
func EncodeSwitch(op byte, on bool) Command {
	var v byte
	if on {
		v = 1
	}
	return EncodeEscaped(op, v)
}

// EncodeIdentityQuery asks the keyer to report its identity text.
func EncodeIdentityQuery() Command { return EncodeRaw(identityQuery...) }

// EncodeButton splits a 16-bit panel button value into [ESC, low, high].
func EncodeButton(value int) (Command, error) {
	if value < 0 || value > 0xFFFF {
		return nil, fmt.Errorf("%w: button value %d outside 0..65535", ErrInvalidArgument, value)
	}
	return EncodeEscaped(byte(value&0xFF), byte(value>>8)), nil
}

// EncodeCustom builds a user-defined two byte command, optionally ESC-prefixed.
func EncodeCustom(b1, b2 int, escaped bool) (Command, error) {
	for _, b := range []int{b1, b2} {
		if b < 0 || b > 0xFF {
			return nil, fmt.Errorf("%w: byte value %d outside 0..255", ErrInvalidArgument, b)
		}
	}
	if escaped {
		return EncodeEscaped(byte(b1), byte(b2)), nil
	}
	return EncodeRaw(byte(b1), byte(b2)), nil
}

// EncodeText upper-cases s for keying. Bytes >= 0x80 are rejected because the keyer
// would read them as commands.
func EncodeText(s string) (Command, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty text", ErrInvalidArgument)
	}
	c := make(Command, len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b >= 0x80 {
			return nil, fmt.Errorf("%w: non-ASCII byte 0x%02X at %d", ErrInvalidArgument, b, i)
		}
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		c[i] = b
	}
	return c, nil
}
