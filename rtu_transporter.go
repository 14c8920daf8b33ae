package modbus

import (
	"fmt"
	"io"
	"time"
)

// RTUTransporter frames Modbus RTU over a byte stream, usually a serial port.
type RTUTransporter struct {
	stream     *FreeFrameTransport
	packager   *RTUPackager
	frameDelay time.Duration // silent interval before each transmission
	mode       string
}

// RTUConfig holds configuration parameters for RTU transporter
type RTUConfig struct {
	Timeout    time.Duration
	FrameDelay time.Duration
}

// DefaultRTUConfig returns default configuration
func DefaultRTUConfig() RTUConfig {
	return RTUConfig{
		Timeout:    1 * time.Second,
		FrameDelay: 4 * time.Millisecond, // 3.5 chars at 9600 baud
	}
}

// NewRTUTransporter creates a new RTUTransporter owning port.
func NewRTUTransporter(port io.ReadWriteCloser, config RTUConfig) *RTUTransporter {
	return &RTUTransporter{
		stream:     NewFreeFrameTransport(port, config.Timeout, config.Timeout),
		packager:   NewRTUPackager(),
		frameDelay: config.FrameDelay,
		mode:       "RTU",
	}
}

// Mode implements Framer.
func (t *RTUTransporter) Mode() string { return t.mode }

// BuildFrame implements Framer.
func (t *RTUTransporter) BuildFrame(msg Message) ([]byte, error) {
	return t.packager.Pack(msg.SlaveID(), msg.MarshalPDU())
}

// WriteFrame writes a frame after the inter-frame silent interval.
func (t *RTUTransporter) WriteFrame(frame []byte) error {
	if t.frameDelay > 0 {
		time.Sleep(t.frameDelay)
	}
	return t.stream.WriteRaw(frame)
}

// ReadResponse reads one response frame. Its length is derived from the
// function code and, for reads, from the byte count field.
func (t *RTUTransporter) ReadResponse() (Frame, error) {
	return t.readFrame(responseBodyLength)
}

// ReadRequest reads one request frame.
func (t *RTUTransporter) ReadRequest() (Frame, error) {
	return t.readFrame(requestBodyLength)
}

// bodyLength reports how many PDU bytes follow the function code. peek
// reads and returns n more bytes when the length depends on a count field.
type bodyLength func(functionCode uint8, peek func(n int) ([]byte, error)) (int, error)

func responseBodyLength(functionCode uint8, peek func(n int) ([]byte, error)) (int, error) {
	switch {
	case functionCode > ExceptionOffset:
		return 1, nil
	case functionCode == FuncCodeReadCoils, functionCode == FuncCodeReadDiscreteInputs,
		functionCode == FuncCodeReadHoldingRegisters, functionCode == FuncCodeReadInputRegisters,
		functionCode == FuncCodeReadWriteMultipleRegisters:
		b, err := peek(1)
		if err != nil {
			return 0, err
		}
		return 1 + int(b[0]), nil
	case functionCode == FuncCodeWriteSingleCoil, functionCode == FuncCodeWriteSingleRegister,
		functionCode == FuncCodeWriteMultipleCoils, functionCode == FuncCodeWriteMultipleRegisters:
		return 4, nil
	default:
		return 0, fmt.Errorf("%w: cannot frame response for func %02X", ErrUnimplemented, functionCode)
	}
}

func requestBodyLength(functionCode uint8, peek func(n int) ([]byte, error)) (int, error) {
	switch functionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs, FuncCodeReadHoldingRegisters,
		FuncCodeReadInputRegisters, FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister:
		return 4, nil
	case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		b, err := peek(5)
		if err != nil {
			return 0, err
		}
		return 5 + int(b[4]), nil
	case FuncCodeReadWriteMultipleRegisters:
		b, err := peek(9)
		if err != nil {
			return 0, err
		}
		return 9 + int(b[8]), nil
	default:
		return 0, fmt.Errorf("%w: cannot frame request for func %02X", ErrUnimplemented, functionCode)
	}
}

func (t *RTUTransporter) readFrame(length bodyLength) (Frame, error) {
	frame := make([]byte, 2, MaxRTUFrameLength)
	if err := t.stream.ReadFull(frame); err != nil {
		return Frame{}, err
	}
	consumed := 0
	peek := func(n int) ([]byte, error) {
		start := len(frame)
		frame = append(frame, make([]byte, n)...)
		if err := t.stream.ReadFull(frame[start:]); err != nil {
			return nil, err
		}
		consumed += n
		return frame[start:], nil
	}
	body, err := length(frame[1], peek)
	if err != nil {
		return Frame{}, err
	}
	if 2+body+2 > MaxRTUFrameLength {
		return Frame{}, fmt.Errorf("%w: frame length %d exceeds %d", ErrMalformedFrame, 2+body+2, MaxRTUFrameLength)
	}
	start := len(frame)
	frame = append(frame, make([]byte, body-consumed+2)...)
	if err := t.stream.ReadFull(frame[start:]); err != nil {
		return Frame{}, err
	}
	return t.packager.Unpack(frame)
}

// ValidateResponse implements Framer. The CRC is verified while reading,
// so RTU adds no further checks.
func (t *RTUTransporter) ValidateResponse(req Request, resp Response) error {
	return nil
}

// ShouldRetryResponse implements Framer. RTU has no transaction ids.
func (t *RTUTransporter) ShouldRetryResponse(req Request, resp Response, threshold uint16) bool {
	return false
}

// SetTimeout updates the communication timeout
func (t *RTUTransporter) SetTimeout(timeout time.Duration) {
	t.stream.SetReadTimeout(timeout)
	t.stream.SetWriteTimeout(timeout)
}

// Close closes the underlying serial port
func (t *RTUTransporter) Close() error {
	return t.stream.Close()
}
