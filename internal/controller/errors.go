package controller

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownFirmware is returned by ParseFirmware for an unsupported id.
	ErrUnknownFirmware = errors.New("controller: unknown firmware")
	// ErrEmptyMove is returned when a jog or goto names no axis.
	ErrEmptyMove = errors.New("controller: move without axis words")
)

// ProtocolError wraps a line the dispatcher could not classify or decode.
// It is logged, never fatal.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("controller: bad line %q: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("controller: unrecognized line %q", e.Line)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ControllerError is an "error:" reply. Line is the program text it resolved.
type ControllerError struct {
	Code        int
	Line        string
	Description string
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("controller: error %d on %q: %s", e.Code, e.Line, e.Description)
}

// ControllerAlarm is an "ALARM:" report or a JSON exception.
type ControllerAlarm struct {
	Code        int
	Description string
}

func (e *ControllerAlarm) Error() string {
	return fmt.Sprintf("controller: alarm %d: %s", e.Code, e.Description)
}
