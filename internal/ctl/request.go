package ctl

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Op names a control request.
type Op string

const (
	OpText   Op = "text"   // key user text (requires a confirmed keyer)
	OpWPM    Op = "wpm"    // set speed
	OpStop   Op = "stop"   // abort keying
	OpPitch  Op = "pitch"  // set sidetone pitch, value in tenths of Hz
	OpSwitch Op = "switch" // toggle a keyer option
	OpButton Op = "button" // panel button value split into low/high byte
	OpRaw    Op = "raw"    // custom two byte command
	OpIdent  Op = "ident"  // re-run the identity query
	OpStatus Op = "status" // ask for a state/status snapshot
)

var (
	ErrEmptyRequest     = errors.New("ctl: empty request")
	ErrUnknownRequest   = errors.New("ctl: unknown request")
	ErrMalformedRequest = errors.New("ctl: malformed request")
)

// Request is one parsed control line. Only the fields used by Op are set.
type Request struct {
	Op      Op
	Text    string
	Value   int // wpm, tenths of Hz or button value
	Opcode  byte
	On      bool
	Escaped bool
	B1, B2  int
}

// Parse decodes one request line. Two syntaxes are accepted:
//
//	WPM 20                          verb form, numbers may be 0x-prefixed
//	{"op":"wpm","value":20}         JSON form
func (c *Codec) Parse(line []byte) (Request, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Request{}, ErrEmptyRequest
	}
	if line[0] == '{' {
		return parseJSON(line)
	}
	return parseVerb(string(line))
}

func parseJSON(line []byte) (Request, error) {
	if !gjson.ValidBytes(line) {
		return Request{}, fmt.Errorf("%w: invalid json", ErrMalformedRequest)
	}
	res := gjson.ParseBytes(line)
	req := Request{Op: Op(strings.ToLower(res.Get("op").String()))}
	switch req.Op {
	case OpText:
		req.Text = res.Get("text").String()
	case OpWPM, OpButton:
		req.Value = int(res.Get("value").Int())
	case OpPitch:
		op, err := jsonOpcode(res)
		if err != nil {
			return Request{}, err
		}
		req.Opcode = op
		req.Value = int(res.Get("value").Int())
	case OpSwitch:
		op, err := jsonOpcode(res)
		if err != nil {
			return Request{}, err
		}
		req.Opcode = op
		req.On = res.Get("on").Bool()
	case OpRaw:
		req.B1 = int(res.Get("b1").Int())
		req.B2 = int(res.Get("b2").Int())
		req.Escaped = res.Get("escaped").Bool()
	case OpStop, OpIdent, OpStatus:
	case "":
		return Request{}, fmt.Errorf("%w: missing op", ErrMalformedRequest)
	default:
		return Request{}, fmt.Errorf("%w: %q", ErrUnknownRequest, req.Op)
	}
	return req, nil
}

func jsonOpcode(res gjson.Result) (byte, error) {
	v := res.Get("opcode")
	if !v.Exists() {
		return 0, fmt.Errorf("%w: missing opcode", ErrMalformedRequest)
	}
	n := v.Int()
	if n < 0 || n > 0xFF {
		return 0, fmt.Errorf("%w: opcode %d", ErrMalformedRequest, n)
	}
	return byte(n), nil
}

func parseVerb(line string) (Request, error) {
	verb, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)
	var req Request
	switch strings.ToUpper(verb) {
	case "TEXT":
		req.Op = OpText
		req.Text = strings.TrimSpace(rest)
		return req, nil
	case "STOP":
		req.Op = OpStop
		return req, nil
	case "IDENT":
		req.Op = OpIdent
		return req, nil
	case "STATUS":
		req.Op = OpStatus
		return req, nil
	case "WPM":
		req.Op = OpWPM
		n, err := intArgs(args, 1)
		if err != nil {
			return Request{}, err
		}
		req.Value = n[0]
		return req, nil
	case "BUTTON":
		req.Op = OpButton
		n, err := intArgs(args, 1)
		if err != nil {
			return Request{}, err
		}
		req.Value = n[0]
		return req, nil
	case "PITCH":
		req.Op = OpPitch
		n, err := intArgs(args, 2)
		if err != nil {
			return Request{}, err
		}
		if req.Opcode, err = opcode(n[0]); err != nil {
			return Request{}, err
		}
		req.Value = n[1]
		return req, nil
	case "SWITCH":
		req.Op = OpSwitch
		if len(args) != 2 {
			return Request{}, fmt.Errorf("%w: SWITCH <opcode> <on|off>", ErrMalformedRequest)
		}
		n, err := intArgs(args[:1], 1)
		if err != nil {
			return Request{}, err
		}
		if req.Opcode, err = opcode(n[0]); err != nil {
			return Request{}, err
		}
		switch strings.ToLower(args[1]) {
		case "1", "on", "true":
			req.On = true
		case "0", "off", "false":
		default:
			return Request{}, fmt.Errorf("%w: switch value %q", ErrMalformedRequest, args[1])
		}
		return req, nil
	case "RAW":
		req.Op = OpRaw
		if len(args) > 0 && strings.EqualFold(args[0], "ESC") {
			req.Escaped = true
			args = args[1:]
		}
		n, err := intArgs(args, 2)
		if err != nil {
			return Request{}, err
		}
		req.B1, req.B2 = n[0], n[1]
		return req, nil
	default:
		return Request{}, fmt.Errorf("%w: %q", ErrUnknownRequest, verb)
	}
}

func intArgs(args []string, want int) ([]int, error) {
	if len(args) != want {
		return nil, fmt.Errorf("%w: want %d numeric args, got %d", ErrMalformedRequest, want, len(args))
	}
	out := make([]int, want)
	for i, a := range args {
		n, err := strconv.ParseInt(a, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrMalformedRequest, a, err)
		}
		out[i] = int(n)
	}
	return out, nil
}

func opcode(n int) (byte, error) {
	if n < 0 || n > 0xFF {
		return 0, fmt.Errorf("%w: opcode %d", ErrMalformedRequest, n)
	}
	return byte(n), nil
}
