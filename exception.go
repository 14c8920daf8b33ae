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

import "fmt"

// ExceptionOffset is added to the function code of a request to form the
// function code of its exception response.
const ExceptionOffset = 0x80

// ExceptionCode is the code carried by a slave exception response.
type ExceptionCode uint8

const (
	ExceptionCodeIllegalFunction                    ExceptionCode = 0x01
	ExceptionCodeIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionCodeIllegalDataValue                   ExceptionCode = 0x03
	ExceptionCodeSlaveDeviceFailure                 ExceptionCode = 0x04
	ExceptionCodeAcknowledge                        ExceptionCode = 0x05
	ExceptionCodeSlaveDeviceBusy                    ExceptionCode = 0x06
	ExceptionCodeMemoryParityError                  ExceptionCode = 0x08
	ExceptionCodeGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionCodeGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

// getExceptionMessage returns a human-readable message for a Modbus exception code.
func getExceptionMessage(exceptionCode ExceptionCode) string {
	switch exceptionCode {
	case ExceptionCodeIllegalFunction:
		return "Illegal function"
	case ExceptionCodeIllegalDataAddress:
		return "Illegal data address"
	case ExceptionCodeIllegalDataValue:
		return "Illegal data value"
	case ExceptionCodeSlaveDeviceFailure:
		return "Slave device failure"
	case ExceptionCodeAcknowledge:
		return "Acknowledge"
	case ExceptionCodeSlaveDeviceBusy:
		return "Slave device busy"
	case ExceptionCodeMemoryParityError:
		return "Memory parity error"
	case ExceptionCodeGatewayPathUnavailable:
		return "Gateway path unavailable"
	case ExceptionCodeGatewayTargetDeviceFailedToRespond:
		return "Gateway target device failed to respond"
	default:
		return "Unknown exception code"
	}
}

func (c ExceptionCode) String() string {
	return getExceptionMessage(c)
}

// ExceptionError is the protocol exception raised when a slave answers
// with an exception response other than Acknowledge.
type ExceptionError struct {
	SlaveID       uint8
	FunctionCode  uint8 // function code of the request, exception bit cleared
	ExceptionCode ExceptionCode
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: received exception response (slave %d, func %02X): code 0x%02X - %s",
		e.SlaveID, e.FunctionCode, uint8(e.ExceptionCode), e.ExceptionCode)
}

// ExceptionResponse is the in-band error response a slave sends in place
// of a normal response.
type ExceptionResponse struct {
	header
	function      uint8
	ExceptionCode ExceptionCode
}

// NewExceptionResponse builds the exception response a slave would send
// for a request with the given function code.
func NewExceptionResponse(slaveID, functionCode uint8, code ExceptionCode) *ExceptionResponse {
	return &ExceptionResponse{
		header:        header{slaveID: slaveID},
		function:      functionCode | ExceptionOffset,
		ExceptionCode: code,
	}
}

// FunctionCode returns the function code byte as received, exception bit set.
func (r *ExceptionResponse) FunctionCode() uint8 { return r.function }

// UnmarshalFrame decodes an exception frame: function code and exception code.
func (r *ExceptionResponse) UnmarshalFrame(frame Frame) error {
	if len(frame.PDU) != 2 {
		return fmt.Errorf("%w: exception response PDU must be 2 bytes, got %d", ErrMalformedFrame, len(frame.PDU))
	}
	r.header.fromFrame(frame)
	r.function = frame.PDU[0]
	r.ExceptionCode = ExceptionCode(frame.PDU[1])
	return nil
}

// MarshalPDU encodes the exception response PDU.
func (r *ExceptionResponse) MarshalPDU() []byte {
	return []byte{r.function, uint8(r.ExceptionCode)}
}

// Err converts the response into the error surfaced to callers.
func (r *ExceptionResponse) Err() *ExceptionError {
	return &ExceptionError{
		SlaveID:       r.slaveID,
		FunctionCode:  r.function &^ ExceptionOffset,
		ExceptionCode: r.ExceptionCode,
	}
}
