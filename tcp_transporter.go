package modbus

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// TCPTransporter handles Modbus TCP communication over a net.Conn.
type TCPTransporter struct {
	conn          net.Conn
	stream        *FreeFrameTransport
	packager      *TCPPackager
	logger        zerolog.Logger
	transactionID uint32 // Atomic counter for transaction IDs
}

// NewTCPTransporter creates a new TCPTransporter with the given connection and timeout.
// Frame level traces go to logger when it is not nil.
func NewTCPTransporter(conn net.Conn, timeout time.Duration, logger io.Writer) *TCPTransporter {
	tcpLogger := zerolog.Nop()
	if logger != nil {
		tcpLogger = zerolog.New(logger).With().Timestamp().Str("transport", "tcp").Logger()
	}

	return &TCPTransporter{
		conn:     conn,
		stream:   NewFreeFrameTransport(conn, timeout, timeout),
		packager: NewTCPPackager(),
		logger:   tcpLogger,
	}
}

// Mode implements Framer.
func (t *TCPTransporter) Mode() string { return "TCP" }

// NextTransactionID generates the next transaction ID using atomic operations
func (t *TCPTransporter) NextTransactionID() uint16 {
	// Increment and wrap around at 65535 to avoid overflow
	id := atomic.AddUint32(&t.transactionID, 1)
	return uint16(id & 0xFFFF)
}

// BuildFrame packs msg into an MBAP frame. Requests receive a new
// transaction id on every call, so a resubmission never reuses one.
func (t *TCPTransporter) BuildFrame(msg Message) ([]byte, error) {
	if _, ok := msg.(Request); ok {
		msg.SetTransactionID(t.NextTransactionID())
	}
	return t.packager.Pack(msg.TransactionID(), msg.SlaveID(), msg.MarshalPDU())
}

// WriteFrame implements Framer.
func (t *TCPTransporter) WriteFrame(frame []byte) error {
	if err := t.stream.WriteRaw(frame); err != nil {
		return err
	}
	t.logger.Trace().Int("bytes", len(frame)).Hex("frame", frame).Msg("sent frame")
	return nil
}

// ReadResponse reads one MBAP frame.
func (t *TCPTransporter) ReadResponse() (Frame, error) {
	return t.readFrame()
}

// ReadRequest reads one MBAP frame on the slave side; the layout is the
// same in both directions.
func (t *TCPTransporter) ReadRequest() (Frame, error) {
	return t.readFrame()
}

func (t *TCPTransporter) readFrame() (Frame, error) {
	header := make([]byte, TCPHeaderLength)
	if err := t.stream.ReadFull(header); err != nil {
		return Frame{}, err
	}
	_, _, pduLength, err := t.packager.ParseHeader(header)
	if err != nil {
		return Frame{}, err
	}
	frame := make([]byte, TCPHeaderLength+pduLength)
	copy(frame, header)
	if err := t.stream.ReadFull(frame[TCPHeaderLength:]); err != nil {
		return Frame{}, err
	}
	t.logger.Trace().Int("bytes", len(frame)).Hex("frame", frame).Msg("received frame")
	return t.packager.Unpack(frame)
}

// ValidateResponse checks that the response echoes the request's
// transaction id.
func (t *TCPTransporter) ValidateResponse(req Request, resp Response) error {
	if req.TransactionID() != resp.TransactionID() {
		return mismatch("transaction id", uint(req.TransactionID()), uint(resp.TransactionID()))
	}
	return nil
}

// ShouldRetryResponse reports a response left over from an earlier
// request: its transaction id trails the request's by less than threshold.
// Ids wrap at 16 bits, so the distance is taken modulo 65536.
func (t *TCPTransporter) ShouldRetryResponse(req Request, resp Response, threshold uint16) bool {
	d := req.TransactionID() - resp.TransactionID()
	return d != 0 && d < threshold
}

func (t *TCPTransporter) usesTransactionIDs() bool { return true }

// Close closes the underlying connection
func (t *TCPTransporter) Close() error {
	return t.stream.Close()
}

// RemoteAddr returns the remote network address
func (t *TCPTransporter) RemoteAddr() string {
	if t.conn == nil || t.conn.RemoteAddr() == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}
