// Package serialport provides the serial interface (bikes attached through
// a serial or USB-serial cable) and the ANT interface (ANT+ USB sticks
// exposed as a tty) on top of github.com/tarm/serial.
package serialport

import (
	"io"
	"time"

	"github.com/tarm/serial"
)

const (
	DefaultBaud        = 9600
	DefaultReadTimeout = 500 * time.Millisecond
	// ANT USB sticks run at 115200 baud
	AntBaud = 115200
)

// Opener opens a port. Tests replace it.
type Opener func(name string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error)

// OpenPort opens a real serial port
func OpenPort(name string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	return serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
	})
}
