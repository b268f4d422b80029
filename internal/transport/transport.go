// Package transport moves bytes between the sender and a controller. The
// serial implementation talks to real hardware; Simulator is an in-process
// GRBL used by demo mode and tests.
package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout means no complete line arrived within the read timeout.
	// It is not a failure; the reader simply polls again.
	ErrTimeout = errors.New("transport: read timeout")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// Transport is a line-oriented, full-duplex link to a controller. ReadLine
// is called from a single reader goroutine; Write may be called from any.
type Transport interface {
	Open() error
	Write(p []byte) error
	// ReadLine returns one line without its terminator.
	ReadLine(timeout time.Duration) (string, error)
	// Reset performs a hardware reset of the controller.
	Reset() error
	Close() error
}

// Dialer builds a transport for a port name and baud rate.
type Dialer func(port string, baud int) Transport

// Error is an I/O failure of the link.
type Error struct {
	Op   string
	Port string
	Err  error
}

func (e *Error) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
