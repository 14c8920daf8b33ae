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

// Frame is one decoded unit read off the wire: the addressing fields a
// framer extracted plus the PDU (function code followed by data).
type Frame struct {
	TransactionID uint16 // only meaningful for TCP framing
	SlaveID       uint8
	PDU           []byte
}

// FunctionCode returns the discriminating function code byte of the frame.
func (f Frame) FunctionCode() uint8 {
	if len(f.PDU) == 0 {
		return 0
	}
	return f.PDU[0]
}

// Message is a protocol-typed unit exchanged between master and slave.
type Message interface {
	FunctionCode() uint8
	SlaveID() uint8
	TransactionID() uint16
	SetTransactionID(id uint16)
	// MarshalPDU encodes function code and data, without any framing.
	MarshalPDU() []byte
}

// ResponseValidator is a message-specific check a request runs against
// the response it received.
type ResponseValidator func(resp Response) error

// Request is a message sent by the master.
type Request interface {
	Message
	// NewResponse returns an empty response of the shape this request expects.
	NewResponse() Response
	// Validator returns the request's own response check, or nil when the
	// request has none.
	Validator() ResponseValidator
}

// Response is a message decoded from a frame read back from a slave.
type Response interface {
	Message
	UnmarshalFrame(frame Frame) error
}

type header struct {
	slaveID       uint8
	transactionID uint16
}

func (h *header) SlaveID() uint8 { return h.slaveID }

func (h *header) TransactionID() uint16 { return h.transactionID }

func (h *header) SetTransactionID(id uint16) { h.transactionID = id }

func (h *header) fromFrame(frame Frame) {
	h.slaveID = frame.SlaveID
	h.transactionID = frame.TransactionID
}
