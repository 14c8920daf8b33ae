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
	"encoding/binary"
	"fmt"
)

// Quantity limits from the Modbus application protocol.
const (
	MaxReadBits           = 2000
	MaxReadRegisters      = 125
	MaxWriteCoils         = 1968
	MaxWriteRegisters     = 123
	MaxReadWriteRegisters = 121
)

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

func checkQuantity(what string, quantity, max int) error {
	if quantity < 1 || quantity > max {
		return fmt.Errorf("%w: %s quantity %d out of range [1, %d]", ErrInvalidArgument, what, quantity, max)
	}
	return nil
}

func unexpectedResponse(resp Response) error {
	return fmt.Errorf("%w: unexpected response type %T", ErrValidation, resp)
}

// packBits packs bools LSB first, as coils travel on the wire.
func packBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

func unpackBits(data []byte, quantity int) []bool {
	bits := make([]bool, quantity)
	for i := 0; i < quantity && i/8 < len(data); i++ {
		bits[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return bits
}

func registersToBytes(values []uint16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[2*i:], v)
	}
	return out
}

func bytesToRegisters(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return out
}

// ReadBitsRequest reads coils (0x01) or discrete inputs (0x02).
type ReadBitsRequest struct {
	header
	function uint8
	Address  uint16
	Quantity uint16
}

// NewReadCoilsRequest builds a read coils request.
func NewReadCoilsRequest(slaveID uint8, address, quantity uint16) (*ReadBitsRequest, error) {
	return newReadBitsRequest(FuncCodeReadCoils, slaveID, address, quantity)
}

// NewReadDiscreteInputsRequest builds a read discrete inputs request.
func NewReadDiscreteInputsRequest(slaveID uint8, address, quantity uint16) (*ReadBitsRequest, error) {
	return newReadBitsRequest(FuncCodeReadDiscreteInputs, slaveID, address, quantity)
}

func newReadBitsRequest(function, slaveID uint8, address, quantity uint16) (*ReadBitsRequest, error) {
	if err := checkQuantity("bit", int(quantity), MaxReadBits); err != nil {
		return nil, err
	}
	return &ReadBitsRequest{header: header{slaveID: slaveID}, function: function, Address: address, Quantity: quantity}, nil
}

func (r *ReadBitsRequest) FunctionCode() uint8 { return r.function }

func (r *ReadBitsRequest) MarshalPDU() []byte {
	pdu := make([]byte, 5)
	pdu[0] = r.function
	binary.BigEndian.PutUint16(pdu[1:3], r.Address)
	binary.BigEndian.PutUint16(pdu[3:5], r.Quantity)
	return pdu
}

func (r *ReadBitsRequest) UnmarshalFrame(frame Frame) error {
	if len(frame.PDU) != 5 {
		return fmt.Errorf("%w: read bits request PDU must be 5 bytes, got %d", ErrMalformedFrame, len(frame.PDU))
	}
	r.header.fromFrame(frame)
	r.function = frame.PDU[0]
	r.Address = binary.BigEndian.Uint16(frame.PDU[1:3])
	r.Quantity = binary.BigEndian.Uint16(frame.PDU[3:5])
	return nil
}

func (r *ReadBitsRequest) NewResponse() Response { return &ReadBitsResponse{} }

func (r *ReadBitsRequest) Validator() ResponseValidator {
	return func(resp Response) error {
		bits, ok := resp.(*ReadBitsResponse)
		if !ok {
			return unexpectedResponse(resp)
		}
		expected := (int(r.Quantity) + 7) / 8
		if len(bits.Data) != expected {
			return mismatch("byte count", uint(expected), uint(len(bits.Data)))
		}
		return nil
	}
}

// ReadBitsResponse carries packed coil or discrete input states.
type ReadBitsResponse struct {
	header
	function uint8
	Data     []byte
}

// NewReadBitsResponse builds the response a slave returns for a bit read.
func NewReadBitsResponse(slaveID, function uint8, values []bool) *ReadBitsResponse {
	return &ReadBitsResponse{header: header{slaveID: slaveID}, function: function, Data: packBits(values)}
}

func (r *ReadBitsResponse) FunctionCode() uint8 { return r.function }

// Bits unpacks the first quantity states.
func (r *ReadBitsResponse) Bits(quantity int) []bool {
	return unpackBits(r.Data, quantity)
}

func (r *ReadBitsResponse) MarshalPDU() []byte {
	pdu := make([]byte, 2+len(r.Data))
	pdu[0] = r.function
	pdu[1] = byte(len(r.Data))
	copy(pdu[2:], r.Data)
	return pdu
}

func (r *ReadBitsResponse) UnmarshalFrame(frame Frame) error {
	pdu := frame.PDU
	if len(pdu) < 2 || len(pdu) != 2+int(pdu[1]) {
		return fmt.Errorf("%w: read bits response PDU length %d does not match byte count", ErrMalformedFrame, len(pdu))
	}
	r.header.fromFrame(frame)
	r.function = pdu[0]
	r.Data = append([]byte(nil), pdu[2:]...)
	return nil
}

// ReadRegistersRequest reads holding (0x03) or input (0x04) registers.
type ReadRegistersRequest struct {
	header
	function uint8
	Address  uint16
	Quantity uint16
}

// NewReadHoldingRegistersRequest builds a read holding registers request.
func NewReadHoldingRegistersRequest(slaveID uint8, address, quantity uint16) (*ReadRegistersRequest, error) {
	return newReadRegistersRequest(FuncCodeReadHoldingRegisters, slaveID, address, quantity)
}

// NewReadInputRegistersRequest builds a read input registers request.
func NewReadInputRegistersRequest(slaveID uint8, address, quantity uint16) (*ReadRegistersRequest, error) {
	return newReadRegistersRequest(FuncCodeReadInputRegisters, slaveID, address, quantity)
}

func newReadRegistersRequest(function, slaveID uint8, address, quantity uint16) (*ReadRegistersRequest, error) {
	if err := checkQuantity("register", int(quantity), MaxReadRegisters); err != nil {
		return nil, err
	}
	return &ReadRegistersRequest{header: header{slaveID: slaveID}, function: function, Address: address, Quantity: quantity}, nil
}

func (r *ReadRegistersRequest) FunctionCode() uint8 { return r.function }

func (r *ReadRegistersRequest) MarshalPDU() []byte {
	pdu := make([]byte, 5)
	pdu[0] = r.function
	binary.BigEndian.PutUint16(pdu[1:3], r.Address)
	binary.BigEndian.PutUint16(pdu[3:5], r.Quantity)
	return pdu
}

func (r *ReadRegistersRequest) UnmarshalFrame(frame Frame) error {
	if len(frame.PDU) != 5 {
		return fmt.Errorf("%w: read registers request PDU must be 5 bytes, got %d", ErrMalformedFrame, len(frame.PDU))
	}
	r.header.fromFrame(frame)
	r.function = frame.PDU[0]
	r.Address = binary.BigEndian.Uint16(frame.PDU[1:3])
	r.Quantity = binary.BigEndian.Uint16(frame.PDU[3:5])
	return nil
}

func (r *ReadRegistersRequest) NewResponse() Response { return &ReadRegistersResponse{} }

func (r *ReadRegistersRequest) Validator() ResponseValidator {
	return registerCountValidator(r.Quantity)
}

func registerCountValidator(quantity uint16) ResponseValidator {
	return func(resp Response) error {
		regs, ok := resp.(*ReadRegistersResponse)
		if !ok {
			return unexpectedResponse(resp)
		}
		if len(regs.Registers) != int(quantity) {
			return mismatch("register count", uint(quantity), uint(len(regs.Registers)))
		}
		return nil
	}
}

// ReadRegistersResponse carries register values for 0x03, 0x04 and 0x17.
type ReadRegistersResponse struct {
	header
	function  uint8
	Registers []uint16
}

// NewReadRegistersResponse builds the response a slave returns for a register read.
func NewReadRegistersResponse(slaveID, function uint8, values ...uint16) *ReadRegistersResponse {
	return &ReadRegistersResponse{header: header{slaveID: slaveID}, function: function, Registers: values}
}

func (r *ReadRegistersResponse) FunctionCode() uint8 { return r.function }

func (r *ReadRegistersResponse) MarshalPDU() []byte {
	data := registersToBytes(r.Registers)
	pdu := make([]byte, 2+len(data))
	pdu[0] = r.function
	pdu[1] = byte(len(data))
	copy(pdu[2:], data)
	return pdu
}

func (r *ReadRegistersResponse) UnmarshalFrame(frame Frame) error {
	pdu := frame.PDU
	if len(pdu) < 2 || len(pdu) != 2+int(pdu[1]) {
		return fmt.Errorf("%w: read registers response PDU length %d does not match byte count", ErrMalformedFrame, len(pdu))
	}
	if pdu[1]%2 != 0 {
		return fmt.Errorf("%w: odd register byte count %d", ErrMalformedFrame, pdu[1])
	}
	r.header.fromFrame(frame)
	r.function = pdu[0]
	r.Registers = bytesToRegisters(pdu[2:])
	return nil
}

// WriteSingleCoilRequest writes one coil (0x05).
type WriteSingleCoilRequest struct {
	header
	Address uint16
	Value   bool
}

// NewWriteSingleCoilRequest builds a write single coil request.
func NewWriteSingleCoilRequest(slaveID uint8, address uint16, value bool) *WriteSingleCoilRequest {
	return &WriteSingleCoilRequest{header: header{slaveID: slaveID}, Address: address, Value: value}
}

func (r *WriteSingleCoilRequest) FunctionCode() uint8 { return FuncCodeWriteSingleCoil }

func (r *WriteSingleCoilRequest) wireValue() uint16 {
	if r.Value {
		return coilOn
	}
	return coilOff
}

func (r *WriteSingleCoilRequest) MarshalPDU() []byte {
	pdu := make([]byte, 5)
	pdu[0] = FuncCodeWriteSingleCoil
	binary.BigEndian.PutUint16(pdu[1:3], r.Address)
	binary.BigEndian.PutUint16(pdu[3:5], r.wireValue())
	return pdu
}

func (r *WriteSingleCoilRequest) UnmarshalFrame(frame Frame) error {
	if len(frame.PDU) != 5 {
		return fmt.Errorf("%w: write single coil PDU must be 5 bytes, got %d", ErrMalformedFrame, len(frame.PDU))
	}
	value := binary.BigEndian.Uint16(frame.PDU[3:5])
	if value != coilOn && value != coilOff {
		return fmt.Errorf("%w: invalid coil value 0x%04X", ErrMalformedFrame, value)
	}
	r.header.fromFrame(frame)
	r.Address = binary.BigEndian.Uint16(frame.PDU[1:3])
	r.Value = value == coilOn
	return nil
}

func (r *WriteSingleCoilRequest) NewResponse() Response { return &WriteSingleResponse{} }

func (r *WriteSingleCoilRequest) Validator() ResponseValidator {
	return echoValidator(r.Address, r.wireValue())
}

// WriteSingleRegisterRequest writes one holding register (0x06).
type WriteSingleRegisterRequest struct {
	header
	Address uint16
	Value   uint16
}

// NewWriteSingleRegisterRequest builds a write single register request.
func NewWriteSingleRegisterRequest(slaveID uint8, address, value uint16) *WriteSingleRegisterRequest {
	return &WriteSingleRegisterRequest{header: header{slaveID: slaveID}, Address: address, Value: value}
}

func (r *WriteSingleRegisterRequest) FunctionCode() uint8 { return FuncCodeWriteSingleRegister }

func (r *WriteSingleRegisterRequest) MarshalPDU() []byte {
	pdu := make([]byte, 5)
	pdu[0] = FuncCodeWriteSingleRegister
	binary.BigEndian.PutUint16(pdu[1:3], r.Address)
	binary.BigEndian.PutUint16(pdu[3:5], r.Value)
	return pdu
}

func (r *WriteSingleRegisterRequest) UnmarshalFrame(frame Frame) error {
	if len(frame.PDU) != 5 {
		return fmt.Errorf("%w: write single register PDU must be 5 bytes, got %d", ErrMalformedFrame, len(frame.PDU))
	}
	r.header.fromFrame(frame)
	r.Address = binary.BigEndian.Uint16(frame.PDU[1:3])
	r.Value = binary.BigEndian.Uint16(frame.PDU[3:5])
	return nil
}

func (r *WriteSingleRegisterRequest) NewResponse() Response { return &WriteSingleResponse{} }

func (r *WriteSingleRegisterRequest) Validator() ResponseValidator {
	return echoValidator(r.Address, r.Value)
}

func echoValidator(address, value uint16) ResponseValidator {
	return func(resp Response) error {
		echo, ok := resp.(*WriteSingleResponse)
		if !ok {
			return unexpectedResponse(resp)
		}
		if echo.Address != address {
			return mismatch("address", uint(address), uint(echo.Address))
		}
		if echo.Value != value {
			return mismatch("value", uint(value), uint(echo.Value))
		}
		return nil
	}
}

// WriteSingleResponse is the echo a slave returns for 0x05 and 0x06.
type WriteSingleResponse struct {
	header
	function uint8
	Address  uint16
	Value    uint16
}

// NewWriteSingleResponse builds the echo response for a single write.
func NewWriteSingleResponse(slaveID, function uint8, address, value uint16) *WriteSingleResponse {
	return &WriteSingleResponse{header: header{slaveID: slaveID}, function: function, Address: address, Value: value}
}

func (r *WriteSingleResponse) FunctionCode() uint8 { return r.function }

func (r *WriteSingleResponse) MarshalPDU() []byte {
	pdu := make([]byte, 5)
	pdu[0] = r.function
	binary.BigEndian.PutUint16(pdu[1:3], r.Address)
	binary.BigEndian.PutUint16(pdu[3:5], r.Value)
	return pdu
}

func (r *WriteSingleResponse) UnmarshalFrame(frame Frame) error {
	if len(frame.PDU) != 5 {
		return fmt.Errorf("%w: write single response PDU must be 5 bytes, got %d", ErrMalformedFrame, len(frame.PDU))
	}
	r.header.fromFrame(frame)
	r.function = frame.PDU[0]
	r.Address = binary.BigEndian.Uint16(frame.PDU[1:3])
	r.Value = binary.BigEndian.Uint16(frame.PDU[3:5])
	return nil
}

// WriteMultipleCoilsRequest writes a run of coils (0x0F).
type WriteMultipleCoilsRequest struct {
	header
	Address uint16
	Values  []bool
}

// NewWriteMultipleCoilsRequest builds a write multiple coils request.
func NewWriteMultipleCoilsRequest(slaveID uint8, address uint16, values []bool) (*WriteMultipleCoilsRequest, error) {
	if err := checkQuantity("coil", len(values), MaxWriteCoils); err != nil {
		return nil, err
	}
	return &WriteMultipleCoilsRequest{header: header{slaveID: slaveID}, Address: address, Values: values}, nil
}

func (r *WriteMultipleCoilsRequest) FunctionCode() uint8 { return FuncCodeWriteMultipleCoils }

func (r *WriteMultipleCoilsRequest) MarshalPDU() []byte {
	data := packBits(r.Values)
	pdu := make([]byte, 6+len(data))
	pdu[0] = FuncCodeWriteMultipleCoils
	binary.BigEndian.PutUint16(pdu[1:3], r.Address)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(r.Values)))
	pdu[5] = byte(len(data))
	copy(pdu[6:], data)
	return pdu
}

func (r *WriteMultipleCoilsRequest) UnmarshalFrame(frame Frame) error {
	pdu := frame.PDU
	if len(pdu) < 6 || len(pdu) != 6+int(pdu[5]) {
		return fmt.Errorf("%w: write multiple coils PDU length %d does not match byte count", ErrMalformedFrame, len(pdu))
	}
	quantity := int(binary.BigEndian.Uint16(pdu[3:5]))
	if (quantity+7)/8 != int(pdu[5]) {
		return fmt.Errorf("%w: coil quantity %d does not match byte count %d", ErrMalformedFrame, quantity, pdu[5])
	}
	r.header.fromFrame(frame)
	r.Address = binary.BigEndian.Uint16(pdu[1:3])
	r.Values = unpackBits(pdu[6:], quantity)
	return nil
}

func (r *WriteMultipleCoilsRequest) NewResponse() Response { return &WriteMultipleResponse{} }

func (r *WriteMultipleCoilsRequest) Validator() ResponseValidator {
	return writeMultipleValidator(r.Address, uint16(len(r.Values)))
}

// WriteMultipleRegistersRequest writes a run of holding registers (0x10).
type WriteMultipleRegistersRequest struct {
	header
	Address uint16
	Values  []uint16
}

// NewWriteMultipleRegistersRequest builds a write multiple registers request.
func NewWriteMultipleRegistersRequest(slaveID uint8, address uint16, values []uint16) (*WriteMultipleRegistersRequest, error) {
	if err := checkQuantity("register", len(values), MaxWriteRegisters); err != nil {
		return nil, err
	}
	return &WriteMultipleRegistersRequest{header: header{slaveID: slaveID}, Address: address, Values: values}, nil
}

func (r *WriteMultipleRegistersRequest) FunctionCode() uint8 { return FuncCodeWriteMultipleRegisters }

func (r *WriteMultipleRegistersRequest) MarshalPDU() []byte {
	data := registersToBytes(r.Values)
	pdu := make([]byte, 6+len(data))
	pdu[0] = FuncCodeWriteMultipleRegisters
	binary.BigEndian.PutUint16(pdu[1:3], r.Address)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(r.Values)))
	pdu[5] = byte(len(data))
	copy(pdu[6:], data)
	return pdu
}

func (r *WriteMultipleRegistersRequest) UnmarshalFrame(frame Frame) error {
	pdu := frame.PDU
	if len(pdu) < 6 || len(pdu) != 6+int(pdu[5]) {
		return fmt.Errorf("%w: write multiple registers PDU length %d does not match byte count", ErrMalformedFrame, len(pdu))
	}
	quantity := int(binary.BigEndian.Uint16(pdu[3:5]))
	if quantity*2 != int(pdu[5]) {
		return fmt.Errorf("%w: register quantity %d does not match byte count %d", ErrMalformedFrame, quantity, pdu[5])
	}
	r.header.fromFrame(frame)
	r.Address = binary.BigEndian.Uint16(pdu[1:3])
	r.Values = bytesToRegisters(pdu[6:])
	return nil
}

func (r *WriteMultipleRegistersRequest) NewResponse() Response { return &WriteMultipleResponse{} }

func (r *WriteMultipleRegistersRequest) Validator() ResponseValidator {
	return writeMultipleValidator(r.Address, uint16(len(r.Values)))
}

func writeMultipleValidator(address, quantity uint16) ResponseValidator {
	return func(resp Response) error {
		ack, ok := resp.(*WriteMultipleResponse)
		if !ok {
			return unexpectedResponse(resp)
		}
		if ack.Address != address {
			return mismatch("start address", uint(address), uint(ack.Address))
		}
		if ack.Quantity != quantity {
			return mismatch("quantity", uint(quantity), uint(ack.Quantity))
		}
		return nil
	}
}

// WriteMultipleResponse acknowledges 0x0F and 0x10 with address and quantity.
type WriteMultipleResponse struct {
	header
	function uint8
	Address  uint16
	Quantity uint16
}

// NewWriteMultipleResponse builds the acknowledgement for a multiple write.
func NewWriteMultipleResponse(slaveID, function uint8, address, quantity uint16) *WriteMultipleResponse {
	return &WriteMultipleResponse{header: header{slaveID: slaveID}, function: function, Address: address, Quantity: quantity}
}

func (r *WriteMultipleResponse) FunctionCode() uint8 { return r.function }

func (r *WriteMultipleResponse) MarshalPDU() []byte {
	pdu := make([]byte, 5)
	pdu[0] = r.function
	binary.BigEndian.PutUint16(pdu[1:3], r.Address)
	binary.BigEndian.PutUint16(pdu[3:5], r.Quantity)
	return pdu
}

func (r *WriteMultipleResponse) UnmarshalFrame(frame Frame) error {
	if len(frame.PDU) != 5 {
		return fmt.Errorf("%w: write multiple response PDU must be 5 bytes, got %d", ErrMalformedFrame, len(frame.PDU))
	}
	r.header.fromFrame(frame)
	r.function = frame.PDU[0]
	r.Address = binary.BigEndian.Uint16(frame.PDU[1:3])
	r.Quantity = binary.BigEndian.Uint16(frame.PDU[3:5])
	return nil
}

// ReadWriteMultipleRegistersRequest writes then reads registers in one
// transaction (0x17).
type ReadWriteMultipleRegistersRequest struct {
	header
	ReadAddress  uint16
	ReadQuantity uint16
	WriteAddress uint16
	WriteValues  []uint16
}

// NewReadWriteMultipleRegistersRequest builds a read/write multiple registers request.
func NewReadWriteMultipleRegistersRequest(slaveID uint8, readAddress, readQuantity, writeAddress uint16, writeValues []uint16) (*ReadWriteMultipleRegistersRequest, error) {
	if err := checkQuantity("read register", int(readQuantity), MaxReadRegisters); err != nil {
		return nil, err
	}
	if err := checkQuantity("write register", len(writeValues), MaxReadWriteRegisters); err != nil {
		return nil, err
	}
	return &ReadWriteMultipleRegistersRequest{
		header:       header{slaveID: slaveID},
		ReadAddress:  readAddress,
		ReadQuantity: readQuantity,
		WriteAddress: writeAddress,
		WriteValues:  writeValues,
	}, nil
}

func (r *ReadWriteMultipleRegistersRequest) FunctionCode() uint8 {
	return FuncCodeReadWriteMultipleRegisters
}

func (r *ReadWriteMultipleRegistersRequest) MarshalPDU() []byte {
	data := registersToBytes(r.WriteValues)
	pdu := make([]byte, 10+len(data))
	pdu[0] = FuncCodeReadWriteMultipleRegisters
	binary.BigEndian.PutUint16(pdu[1:3], r.ReadAddress)
	binary.BigEndian.PutUint16(pdu[3:5], r.ReadQuantity)
	binary.BigEndian.PutUint16(pdu[5:7], r.WriteAddress)
	binary.BigEndian.PutUint16(pdu[7:9], uint16(len(r.WriteValues)))
	pdu[9] = byte(len(data))
	copy(pdu[10:], data)
	return pdu
}

func (r *ReadWriteMultipleRegistersRequest) UnmarshalFrame(frame Frame) error {
	pdu := frame.PDU
	if len(pdu) < 10 || len(pdu) != 10+int(pdu[9]) {
		return fmt.Errorf("%w: read/write registers PDU length %d does not match byte count", ErrMalformedFrame, len(pdu))
	}
	writeQuantity := int(binary.BigEndian.Uint16(pdu[7:9]))
	if writeQuantity*2 != int(pdu[9]) {
		return fmt.Errorf("%w: write quantity %d does not match byte count %d", ErrMalformedFrame, writeQuantity, pdu[9])
	}
	r.header.fromFrame(frame)
	r.ReadAddress = binary.BigEndian.Uint16(pdu[1:3])
	r.ReadQuantity = binary.BigEndian.Uint16(pdu[3:5])
	r.WriteAddress = binary.BigEndian.Uint16(pdu[5:7])
	r.WriteValues = bytesToRegisters(pdu[10:])
	return nil
}

func (r *ReadWriteMultipleRegistersRequest) NewResponse() Response {
	return &ReadRegistersResponse{}
}

func (r *ReadWriteMultipleRegistersRequest) Validator() ResponseValidator {
	return registerCountValidator(r.ReadQuantity)
}
