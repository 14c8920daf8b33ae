package modbus

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// ModbusHandler implements the ModbusApi interface on top of a Transport.
// It is safe for concurrent use; requests are serialized by the transport.
type ModbusHandler struct {
	transport       *Transport
	lastModbusError atomic.Pointer[ExceptionError] // Cache the last Modbus error
}

// NewModbusHandler creates a handler sending its requests through t.
func NewModbusHandler(t *Transport) *ModbusHandler {
	return &ModbusHandler{transport: t}
}

// NewModbusRTUHandler creates a new ModbusHandler speaking RTU over port.
func NewModbusRTUHandler(port io.ReadWriteCloser, config RTUConfig, opts ...Option) (ModbusApi, error) {
	return newHandler(NewRTUTransporter(port, config), opts)
}

// NewModbusASCIIHandler creates a new ModbusHandler speaking ASCII over port.
func NewModbusASCIIHandler(port io.ReadWriteCloser, timeout time.Duration, opts ...Option) (ModbusApi, error) {
	return newHandler(NewASCIITransporter(port, timeout), opts)
}

// NewModbusTCPHandler creates a new ModbusHandler speaking Modbus TCP over conn.
func NewModbusTCPHandler(conn net.Conn, timeout time.Duration, opts ...Option) (ModbusApi, error) {
	return newHandler(NewTCPTransporter(conn, timeout, nil), opts)
}

// NewRtuOverTCPHandler creates a new ModbusHandler sending RTU frames over conn.
func NewRtuOverTCPHandler(conn net.Conn, timeout time.Duration, opts ...Option) (ModbusApi, error) {
	return newHandler(NewRtuOverTCPTransporter(conn, timeout), opts)
}

func newHandler(framer Framer, opts []Option) (ModbusApi, error) {
	t, err := NewTransport(framer, opts...)
	if err != nil {
		return nil, err
	}
	return NewModbusHandler(t), nil
}

// GetLastModbusError returns the last cached ExceptionError.
func (h *ModbusHandler) GetLastModbusError() *ExceptionError {
	return h.lastModbusError.Load()
}

// GetMode implements ModbusApi.
func (h *ModbusHandler) GetMode() string {
	return h.transport.GetMode()
}

// SetLogger implements ModbusApi.
func (h *ModbusHandler) SetLogger(logger io.Writer) {
	h.transport.SetLogger(logger)
}

// Transport implements ModbusApi.
func (h *ModbusHandler) Transport() *Transport {
	return h.transport
}

// Close implements ModbusApi.
func (h *ModbusHandler) Close() error {
	return h.transport.Close()
}

func slaveAddress(slaveID uint16) (uint8, error) {
	if slaveID > 0xFF {
		return 0, fmt.Errorf("%w: slave id %d does not fit in one byte", ErrInvalidArgument, slaveID)
	}
	return uint8(slaveID), nil
}

// exchange runs req and caches any exception response.
func exchange[T any, PT interface {
	*T
	Response
}](h *ModbusHandler, req Request, err error) (PT, error) {
	if err != nil {
		return nil, err
	}
	resp, err := Exchange[T, PT](h.transport, req)
	var exc *ExceptionError
	if errors.As(err, &exc) {
		h.lastModbusError.Store(exc)
	}
	if err != nil {
		return nil, fmt.Errorf("modbus: func %02X (slave %d): %w", req.FunctionCode(), req.SlaveID(), err)
	}
	return resp, nil
}

func (h *ModbusHandler) readBits(newRequest func(uint8, uint16, uint16) (*ReadBitsRequest, error), slaveID, startAddress, quantity uint16) ([]bool, error) {
	slave, err := slaveAddress(slaveID)
	if err != nil {
		return nil, err
	}
	req, err := newRequest(slave, startAddress, quantity)
	resp, err := exchange[ReadBitsResponse](h, req, err)
	if err != nil {
		return nil, err
	}
	return resp.Bits(int(quantity)), nil
}

func (h *ModbusHandler) readRegisters(newRequest func(uint8, uint16, uint16) (*ReadRegistersRequest, error), slaveID, startAddress, quantity uint16) ([]uint16, error) {
	slave, err := slaveAddress(slaveID)
	if err != nil {
		return nil, err
	}
	req, err := newRequest(slave, startAddress, quantity)
	resp, err := exchange[ReadRegistersResponse](h, req, err)
	if err != nil {
		return nil, err
	}
	return resp.Registers, nil
}

// ReadCoils reads the specified number of coils starting from the given address.
func (h *ModbusHandler) ReadCoils(slaveID uint16, startAddress, quantity uint16) ([]bool, error) {
	return h.readBits(NewReadCoilsRequest, slaveID, startAddress, quantity)
}

// ReadDiscreteInputs reads the specified number of discrete inputs starting from the given address.
func (h *ModbusHandler) ReadDiscreteInputs(slaveID uint16, startAddress, quantity uint16) ([]bool, error) {
	return h.readBits(NewReadDiscreteInputsRequest, slaveID, startAddress, quantity)
}

// ReadHoldingRegisters reads the specified number of holding registers starting from the given address.
func (h *ModbusHandler) ReadHoldingRegisters(slaveID uint16, startAddress, quantity uint16) ([]uint16, error) {
	return h.readRegisters(NewReadHoldingRegistersRequest, slaveID, startAddress, quantity)
}

// ReadInputRegisters reads the specified number of input registers starting from the given address.
func (h *ModbusHandler) ReadInputRegisters(slaveID uint16, startAddress, quantity uint16) ([]uint16, error) {
	return h.readRegisters(NewReadInputRegistersRequest, slaveID, startAddress, quantity)
}

// WriteSingleCoil writes a single coil to the Modbus device.
func (h *ModbusHandler) WriteSingleCoil(slaveID uint16, address uint16, value bool) error {
	slave, err := slaveAddress(slaveID)
	if err != nil {
		return err
	}
	_, err = exchange[WriteSingleResponse](h, NewWriteSingleCoilRequest(slave, address, value), nil)
	return err
}

// WriteSingleRegister writes a single register to the Modbus device.
func (h *ModbusHandler) WriteSingleRegister(slaveID uint16, address uint16, value uint16) error {
	slave, err := slaveAddress(slaveID)
	if err != nil {
		return err
	}
	_, err = exchange[WriteSingleResponse](h, NewWriteSingleRegisterRequest(slave, address, value), nil)
	return err
}

// WriteMultipleCoils writes multiple coils to the Modbus device.
func (h *ModbusHandler) WriteMultipleCoils(slaveID uint16, startAddress uint16, values []bool) error {
	slave, err := slaveAddress(slaveID)
	if err != nil {
		return err
	}
	req, err := NewWriteMultipleCoilsRequest(slave, startAddress, values)
	_, err = exchange[WriteMultipleResponse](h, req, err)
	return err
}

// WriteMultipleRegisters writes multiple registers to the Modbus device.
func (h *ModbusHandler) WriteMultipleRegisters(slaveID uint16, startAddress uint16, values []uint16) error {
	slave, err := slaveAddress(slaveID)
	if err != nil {
		return err
	}
	req, err := NewWriteMultipleRegistersRequest(slave, startAddress, values)
	_, err = exchange[WriteMultipleResponse](h, req, err)
	return err
}

// ReadWriteMultipleRegisters writes values at writeAddress, then reads
// readQuantity registers from readAddress, in one transaction.
func (h *ModbusHandler) ReadWriteMultipleRegisters(slaveID uint16, readAddress, readQuantity, writeAddress uint16, values []uint16) ([]uint16, error) {
	slave, err := slaveAddress(slaveID)
	if err != nil {
		return nil, err
	}
	req, err := NewReadWriteMultipleRegistersRequest(slave, readAddress, readQuantity, writeAddress, values)
	resp, err := exchange[ReadRegistersResponse](h, req, err)
	if err != nil {
		return nil, err
	}
	return resp.Registers, nil
}
