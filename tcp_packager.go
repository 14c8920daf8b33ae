package modbus

import (
	"encoding/binary"
	"fmt"
)

// Modbus TCP Protocol Constants
const (
	TCPHeaderLength       = 7                              // MBAP header length in bytes
	MaxTCPFrameLength     = TCPHeaderLength + MaxPDULength // Maximum complete frame length
	ProtocolIdentifierTCP = 0x0000
)

// TCPPackager handles Modbus TCP packet packing and unpacking.
type TCPPackager struct{}

// NewTCPPackager creates a new TCPPackager.
func NewTCPPackager() *TCPPackager {
	return &TCPPackager{}
}

// Pack packs a Modbus TCP PDU into a complete TCP frame.
// The TCP frame format is: MBAP (7 bytes) + PDU (variable length).
// MBAP format: Transaction Identifier (2 bytes) + Protocol Identifier (2 bytes) + Length (2 bytes) + Unit Identifier (1 byte).
func (p *TCPPackager) Pack(transactionID uint16, unitID uint8, pdu []byte) ([]byte, error) {
	if err := checkPDU(pdu); err != nil {
		return nil, err
	}

	frame := make([]byte, TCPHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], transactionID)
	binary.BigEndian.PutUint16(frame[2:4], ProtocolIdentifierTCP)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1)) // unit id + PDU
	frame[6] = unitID
	copy(frame[7:], pdu)

	return frame, nil
}

// ParseHeader validates an MBAP header and returns its fields together
// with the number of PDU bytes that follow it.
func (p *TCPPackager) ParseHeader(header []byte) (transactionID uint16, unitID uint8, pduLength int, err error) {
	if len(header) != TCPHeaderLength {
		err = fmt.Errorf("%w: MBAP header must be %d bytes, got %d", ErrMalformedFrame, TCPHeaderLength, len(header))
		return
	}
	transactionID = binary.BigEndian.Uint16(header[0:2])
	protocolID := binary.BigEndian.Uint16(header[2:4])
	length := binary.BigEndian.Uint16(header[4:6])
	unitID = header[6]

	if protocolID != ProtocolIdentifierTCP {
		err = fmt.Errorf("%w: invalid protocol identifier: 0x%04X, expected 0x%04X", ErrMalformedFrame, protocolID, ProtocolIdentifierTCP)
		return
	}
	// Length = Unit ID (1 byte) + PDU length
	if length < 2 || length > MaxPDULength+1 {
		err = fmt.Errorf("%w: invalid length field: %d", ErrMalformedFrame, length)
		return
	}
	pduLength = int(length) - 1
	return
}

// Unpack unpacks a complete Modbus TCP frame.
func (p *TCPPackager) Unpack(frame []byte) (Frame, error) {
	if len(frame) < TCPHeaderLength+1 {
		return Frame{}, fmt.Errorf("%w: invalid TCP frame length: %d bytes", ErrMalformedFrame, len(frame))
	}
	transactionID, unitID, pduLength, err := p.ParseHeader(frame[:TCPHeaderLength])
	if err != nil {
		return Frame{}, err
	}
	if len(frame)-TCPHeaderLength != pduLength {
		return Frame{}, fmt.Errorf("%w: length field mismatch: header indicates %d, actual frame has %d",
			ErrMalformedFrame, pduLength, len(frame)-TCPHeaderLength)
	}
	pdu := make([]byte, pduLength)
	copy(pdu, frame[TCPHeaderLength:])
	return Frame{TransactionID: transactionID, SlaveID: unitID, PDU: pdu}, nil
}
