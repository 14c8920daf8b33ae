// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

var (
	// ErrTimeout is returned when a read or write on the transport resource
	// did not complete before its deadline.
	ErrTimeout = errors.New("modbus: timeout")
	// ErrMalformedFrame signals a frame that could not be decoded: bad
	// checksum, bad header or a payload that does not fit its function code.
	ErrMalformedFrame = errors.New("modbus: malformed frame")
	// ErrUnimplemented is returned for function codes this package cannot
	// frame or decode.
	ErrUnimplemented = errors.New("modbus: unimplemented function code")
	// ErrValidation is the parent of every response validation failure.
	ErrValidation = errors.New("modbus: response validation failed")
	// ErrInvalidArgument signals a rejected configuration value or request parameter.
	ErrInvalidArgument = errors.New("modbus: invalid argument")
	// ErrClosed is returned by every operation on a transport after Close.
	ErrClosed = errors.New("modbus: transport is closed")
)

// IOError wraps a failure of the underlying byte channel.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("modbus: %s failed: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// MismatchError reports a response field that does not correspond to the
// request it answers.
type MismatchError struct {
	Field    string
	Expected uint
	Actual   uint
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("modbus: received response with unexpected %s: expected %d, received %d", e.Field, e.Expected, e.Actual)
}

// Is makes every MismatchError match ErrValidation.
func (e *MismatchError) Is(target error) bool {
	return target == ErrValidation
}

func mismatch(field string, expected, actual uint) error {
	return &MismatchError{Field: field, Expected: expected, Actual: actual}
}

// IsTransient reports whether err belongs to the I/O class that a
// transaction retries within its attempt budget: channel faults, timeouts,
// malformed frames and unimplemented decode paths.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrValidation) {
		return false
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return true
	}
	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrUnimplemented) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// classifyIOError maps a raw channel error onto the package taxonomy.
func classifyIOError(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	}
	return &IOError{Op: op, Err: err}
}
