package serial

import (
	"errors"
	"time"

	"github.com/tarm/serial"
)

// DefaultBaud is the line speed of the keyer's USB serial bridge.
const DefaultBaud = 57600

// ErrDeviceBusy is returned by Lock when another process holds the device.
var ErrDeviceBusy = errors.New("serial device busy")

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens name at baud, 8N1. A zero readTimeout blocks until data arrives.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout, Size: 8, Parity: serial.ParityNone, StopBits: serial.Stop1}
	return serial.OpenPort(cfg)
}
