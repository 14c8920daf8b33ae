package modbus

import (
	"fmt"
	"io"
	"time"
)

// ASCIITransporter frames Modbus ASCII over a byte stream.
type ASCIITransporter struct {
	stream   *FreeFrameTransport
	packager *ASCIIPackager
}

// NewASCIITransporter creates a new ASCIITransporter owning port.
func NewASCIITransporter(port io.ReadWriteCloser, timeout time.Duration) *ASCIITransporter {
	return &ASCIITransporter{
		stream:   NewFreeFrameTransport(port, timeout, timeout),
		packager: NewASCIIPackager(),
	}
}

// Mode implements Framer.
func (t *ASCIITransporter) Mode() string { return "ASCII" }

// BuildFrame implements Framer.
func (t *ASCIITransporter) BuildFrame(msg Message) ([]byte, error) {
	return t.packager.Pack(msg.SlaveID(), msg.MarshalPDU())
}

// WriteFrame implements Framer.
func (t *ASCIITransporter) WriteFrame(frame []byte) error {
	return t.stream.WriteRaw(frame)
}

// ReadResponse implements Framer.
func (t *ASCIITransporter) ReadResponse() (Frame, error) {
	return t.readFrame()
}

// ReadRequest implements Framer.
func (t *ASCIITransporter) ReadRequest() (Frame, error) {
	return t.readFrame()
}

// readFrame skips bytes up to the start colon, then reads through LF.
func (t *ASCIITransporter) readFrame() (Frame, error) {
	for {
		b, err := t.stream.ReadByte()
		if err != nil {
			return Frame{}, err
		}
		if b == asciiStart {
			break
		}
	}
	frame := []byte{asciiStart}
	for {
		b, err := t.stream.ReadByte()
		if err != nil {
			return Frame{}, err
		}
		frame = append(frame, b)
		if b == '\n' {
			return t.packager.Unpack(frame)
		}
		if len(frame) >= MaxASCIIFrameLength {
			return Frame{}, fmt.Errorf("%w: ASCII frame exceeds %d bytes", ErrMalformedFrame, MaxASCIIFrameLength)
		}
	}
}

// ValidateResponse implements Framer. The LRC is verified while reading.
func (t *ASCIITransporter) ValidateResponse(req Request, resp Response) error {
	return nil
}

// ShouldRetryResponse implements Framer.
func (t *ASCIITransporter) ShouldRetryResponse(req Request, resp Response, threshold uint16) bool {
	return false
}

// Close implements Framer.
func (t *ASCIITransporter) Close() error {
	return t.stream.Close()
}
