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
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	asciiStart = ':'
	asciiEnd   = "\r\n"
	// MaxASCIIFrameLength is ':' + 2 hex chars per byte of slave id, PDU and LRC + CRLF.
	MaxASCIIFrameLength = 1 + 2*(1+MaxPDULength+1) + 2
)

// ASCIIPackager handles Modbus ASCII frames: a colon, the hex encoded
// slave id, PDU and LRC, then CRLF.
type ASCIIPackager struct{}

// NewASCIIPackager creates a new ASCIIPackager.
func NewASCIIPackager() *ASCIIPackager {
	return &ASCIIPackager{}
}

// Pack encodes slave id and PDU into an ASCII frame.
func (p *ASCIIPackager) Pack(slaveID uint8, pdu []byte) ([]byte, error) {
	if err := checkSlaveID(slaveID); err != nil {
		return nil, err
	}
	if err := checkPDU(pdu); err != nil {
		return nil, err
	}
	var sum lrc
	sum.reset().pushByte(slaveID).pushBytes(pdu)

	raw := make([]byte, 0, len(pdu)+2)
	raw = append(raw, slaveID)
	raw = append(raw, pdu...)
	raw = append(raw, sum.value())

	frame := make([]byte, 0, 1+2*len(raw)+2)
	frame = append(frame, asciiStart)
	frame = append(frame, strings.ToUpper(hex.EncodeToString(raw))...)
	frame = append(frame, asciiEnd...)
	return frame, nil
}

// Unpack decodes an ASCII frame and verifies its LRC.
func (p *ASCIIPackager) Unpack(frame []byte) (Frame, error) {
	if len(frame) < 9 || frame[0] != asciiStart || !strings.HasSuffix(string(frame), asciiEnd) {
		return Frame{}, fmt.Errorf("%w: invalid ASCII frame %q", ErrMalformedFrame, frame)
	}
	body := frame[1 : len(frame)-len(asciiEnd)]
	if len(body)%2 != 0 {
		return Frame{}, fmt.Errorf("%w: odd ASCII frame body length %d", ErrMalformedFrame, len(body))
	}
	raw := make([]byte, len(body)/2)
	if _, err := hex.Decode(raw, body); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	n := len(raw) - 1
	var sum lrc
	if calculated := sum.reset().pushBytes(raw[:n]).value(); calculated != raw[n] {
		return Frame{}, fmt.Errorf("%w: LRC mismatch: calculated=0x%02X, received=0x%02X", ErrMalformedFrame, calculated, raw[n])
	}
	pdu := make([]byte, n-1)
	copy(pdu, raw[1:n])
	return Frame{SlaveID: raw[0], PDU: pdu}, nil
}
