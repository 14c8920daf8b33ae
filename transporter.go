package modbus

// Framer is the set of hooks a protocol variant (RTU, ASCII, TCP, RTU over
// TCP) supplies to a Transport. A Framer exclusively owns its byte channel;
// the Transport serialises every call it makes into the framer.
type Framer interface {
	// Mode names the variant: "RTU", "ASCII", "TCP" or "RTU_OVER_TCP".
	Mode() string
	// BuildFrame computes the wire bytes for a message. Requests are
	// stamped with a fresh transaction id where the variant uses one.
	BuildFrame(msg Message) ([]byte, error)
	// WriteFrame writes one encoded frame.
	WriteFrame(frame []byte) error
	// ReadResponse reads one complete response frame.
	ReadResponse() (Frame, error)
	// ReadRequest reads one complete request frame (slave side).
	ReadRequest() (Frame, error)
	// ValidateResponse performs variant-specific response checks.
	ValidateResponse(req Request, resp Response) error
	// ShouldRetryResponse reports whether resp is a stale answer to an
	// earlier request that must be discarded and read again.
	ShouldRetryResponse(req Request, resp Response, threshold uint16) bool
	// Close releases the byte channel.
	Close() error
}
