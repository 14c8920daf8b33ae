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
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TimedReadWriteCloser interface for ports that support timeout operations
type TimedReadWriteCloser interface {
	io.ReadWriteCloser
	SetReadTimeout(timeout time.Duration) error
	SetWriteTimeout(timeout time.Duration) error
}

// FreeFrameTransport is the byte channel under every framer: a serial
// port, a TCP connection or anything else that reads and writes bytes.
// It applies deadlines and maps channel errors onto IOError and ErrTimeout.
type FreeFrameTransport struct {
	conn         io.ReadWriteCloser
	readTimeout  time.Duration
	writeTimeout time.Duration
	closed       atomic.Bool
	closeOnce    sync.Once
	mu           sync.RWMutex // protects timeouts
}

// NewFreeFrameTransport creates a new FreeFrameTransport with the given connection and timeouts.
func NewFreeFrameTransport(conn io.ReadWriteCloser, readTimeout, writeTimeout time.Duration) *FreeFrameTransport {
	return &FreeFrameTransport{
		conn:         conn,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

func (t *FreeFrameTransport) timeouts() (time.Duration, time.Duration) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.readTimeout, t.writeTimeout
}

// WriteRaw writes all of data to the underlying connection.
func (t *FreeFrameTransport) WriteRaw(data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: cannot write empty data", ErrInvalidArgument)
	}
	_, writeTimeout := t.timeouts()
	if writeTimeout > 0 {
		switch c := t.conn.(type) {
		case net.Conn:
			_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
			defer c.SetWriteDeadline(time.Time{})
		case TimedReadWriteCloser:
			if err := c.SetWriteTimeout(writeTimeout); err != nil {
				return classifyIOError("set write timeout", err)
			}
		}
	}
	written := 0
	for written < len(data) {
		n, err := t.conn.Write(data[written:])
		written += n
		if err != nil {
			if t.closed.Load() {
				return ErrClosed
			}
			return classifyIOError(fmt.Sprintf("write after %d bytes", written), err)
		}
		if n == 0 {
			return &IOError{Op: "write", Err: io.ErrShortWrite}
		}
	}
	return nil
}

// ReadFull fills buf from the connection. A read that returns no data and
// no error is treated as an expired port timeout.
func (t *FreeFrameTransport) ReadFull(buf []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	readTimeout, _ := t.timeouts()
	if readTimeout > 0 {
		switch c := t.conn.(type) {
		case net.Conn:
			_ = c.SetReadDeadline(time.Now().Add(readTimeout))
			defer c.SetReadDeadline(time.Time{})
		case TimedReadWriteCloser:
			if err := c.SetReadTimeout(readTimeout); err != nil {
				return classifyIOError("set read timeout", err)
			}
		}
	}
	read := 0
	for read < len(buf) {
		n, err := t.conn.Read(buf[read:])
		read += n
		if err != nil {
			if t.closed.Load() {
				return ErrClosed
			}
			if err == io.EOF && read > 0 {
				err = io.ErrUnexpectedEOF
			}
			return classifyIOError(fmt.Sprintf("read after %d of %d bytes", read, len(buf)), err)
		}
		if n == 0 {
			return fmt.Errorf("%w: read %d of %d bytes", ErrTimeout, read, len(buf))
		}
	}
	return nil
}

// ReadByte reads a single byte.
func (t *FreeFrameTransport) ReadByte() (byte, error) {
	var b [1]byte
	if err := t.ReadFull(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Close closes the underlying connection. Calls after the first are no-ops.
func (t *FreeFrameTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.conn != nil {
			err = t.conn.Close()
		}
	})
	return err
}

// IsConnected returns true if the connection is still open.
func (t *FreeFrameTransport) IsConnected() bool {
	return !t.closed.Load()
}

// SetReadTimeout sets the read timeout for the transport.
func (t *FreeFrameTransport) SetReadTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readTimeout = timeout
}

// SetWriteTimeout sets the write timeout for the transport.
func (t *FreeFrameTransport) SetWriteTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeTimeout = timeout
}
