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

// Function codes supported by this package.
const (
	FuncCodeReadCoils                  = 0x01
	FuncCodeReadDiscreteInputs         = 0x02
	FuncCodeReadHoldingRegisters       = 0x03
	FuncCodeReadInputRegisters         = 0x04
	FuncCodeWriteSingleCoil            = 0x05
	FuncCodeWriteSingleRegister        = 0x06
	FuncCodeWriteMultipleCoils         = 0x0F
	FuncCodeWriteMultipleRegisters     = 0x10
	FuncCodeReadWriteMultipleRegisters = 0x17
)

// DecodeFrame materialises frame as a response. A function code above
// ExceptionOffset always yields an *ExceptionResponse whatever expected is,
// since exception frames use a shorter layout than normal responses.
func DecodeFrame(frame Frame, expected Response) (Response, error) {
	if frame.FunctionCode() > ExceptionOffset {
		exc := &ExceptionResponse{}
		if err := exc.UnmarshalFrame(frame); err != nil {
			return nil, err
		}
		return exc, nil
	}
	if expected == nil {
		return nil, fmt.Errorf("%w: no response type for func %02X", ErrUnimplemented, frame.FunctionCode())
	}
	if err := expected.UnmarshalFrame(frame); err != nil {
		return nil, err
	}
	return expected, nil
}

type frameUnmarshaler interface {
	Request
	UnmarshalFrame(frame Frame) error
}

// DecodeRequestFrame decodes a frame read on the slave side into the
// request type matching its function code.
func DecodeRequestFrame(frame Frame) (Request, error) {
	var req frameUnmarshaler
	switch frame.FunctionCode() {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		req = &ReadBitsRequest{}
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		req = &ReadRegistersRequest{}
	case FuncCodeWriteSingleCoil:
		req = &WriteSingleCoilRequest{}
	case FuncCodeWriteSingleRegister:
		req = &WriteSingleRegisterRequest{}
	case FuncCodeWriteMultipleCoils:
		req = &WriteMultipleCoilsRequest{}
	case FuncCodeWriteMultipleRegisters:
		req = &WriteMultipleRegistersRequest{}
	case FuncCodeReadWriteMultipleRegisters:
		req = &ReadWriteMultipleRegistersRequest{}
	default:
		return nil, fmt.Errorf("%w: func %02X", ErrUnimplemented, frame.FunctionCode())
	}
	if err := req.UnmarshalFrame(frame); err != nil {
		return nil, err
	}
	return req, nil
}
