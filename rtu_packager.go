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
)

const (
	// MaxPDULength is the largest PDU the Modbus application protocol allows.
	MaxPDULength = 253
	// MaxRTUFrameLength is slave id + PDU + CRC.
	MaxRTUFrameLength = 1 + MaxPDULength + 2
	// MaxSlaveID is the highest unicast slave address.
	MaxSlaveID = 247
)

// RTUPackager handles RTU frame packing/unpacking with CRC validation
type RTUPackager struct{}

// NewRTUPackager creates a new RTU packager
func NewRTUPackager() *RTUPackager {
	return &RTUPackager{}
}

func checkSlaveID(slaveID uint8) error {
	if slaveID == 0 || slaveID > MaxSlaveID {
		return fmt.Errorf("%w: invalid slave ID: %d (must be 1-%d)", ErrInvalidArgument, slaveID, MaxSlaveID)
	}
	return nil
}

func checkPDU(pdu []byte) error {
	if len(pdu) == 0 {
		return fmt.Errorf("%w: PDU cannot be empty", ErrInvalidArgument)
	}
	if len(pdu) > MaxPDULength {
		return fmt.Errorf("%w: PDU too long: %d bytes (max %d)", ErrInvalidArgument, len(pdu), MaxPDULength)
	}
	return nil
}

// Pack creates an RTU frame with slave ID, PDU, and CRC
func (p *RTUPackager) Pack(slaveID uint8, pdu []byte) ([]byte, error) {
	if err := checkSlaveID(slaveID); err != nil {
		return nil, err
	}
	if err := checkPDU(pdu); err != nil {
		return nil, err
	}
	frame := make([]byte, 0, 1+len(pdu)+2)
	frame = append(frame, slaveID)
	frame = append(frame, pdu...)
	return appendCRC(frame), nil
}

// Unpack extracts slave ID and PDU from RTU frame with CRC validation
func (p *RTUPackager) Unpack(frame []byte) (Frame, error) {
	if len(frame) < 4 {
		return Frame{}, fmt.Errorf("%w: frame too short: %d bytes (minimum 4)", ErrMalformedFrame, len(frame))
	}
	if !verifyCRC(frame) {
		n := len(frame) - 2
		return Frame{}, fmt.Errorf("%w: CRC mismatch: calculated=0x%04X, received=0x%04X",
			ErrMalformedFrame, CRC16(frame[:n]), uint16(frame[n])|uint16(frame[n+1])<<8)
	}
	pdu := make([]byte, len(frame)-3)
	copy(pdu, frame[1:len(frame)-2])
	return Frame{SlaveID: frame[0], PDU: pdu}, nil
}
