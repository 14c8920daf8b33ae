package modbus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRTUTransporter_ReadHoldingRegister(t *testing.T) {
	port := newMockConn([]byte{0x01, 0x03, 0x02, 0x00, 0x2A, 0x39, 0x9B})
	tr, err := NewTransport(NewRTUTransporter(port, RTUConfig{}))
	require.NoError(t, err)

	resp, err := Exchange[ReadRegistersResponse](tr, holdingRequest(t, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []uint16{42}, resp.Registers)
	assert.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}, port.tx.Bytes())
	assert.Equal(t, "RTU", tr.GetMode())
}

func TestRTUTransporter_ExceptionResponse(t *testing.T) {
	port := newMockConn([]byte{0x01, 0x83, 0x02, 0xC0, 0xF1})
	tr, err := NewTransport(NewRTUTransporter(port, RTUConfig{}))
	require.NoError(t, err)

	_, err = tr.Execute(holdingRequest(t, 1, 1))
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, ExceptionCodeIllegalDataAddress, exc.ExceptionCode)
}

func TestRTUTransporter_BadCRC(t *testing.T) {
	framer := NewRTUTransporter(newMockConn([]byte{0x01, 0x03, 0x02, 0x00, 0x2A, 0x39, 0x9C}), RTUConfig{})
	_, err := framer.ReadResponse()
	assert.True(t, errors.Is(err, ErrMalformedFrame), "got %v", err)
}

func TestRTUTransporter_UnknownFunction(t *testing.T) {
	framer := NewRTUTransporter(newMockConn([]byte{0x01, 0x2B, 0x00, 0x00}), RTUConfig{})
	_, err := framer.ReadResponse()
	assert.ErrorIs(t, err, ErrUnimplemented)
}

func TestRTUTransporter_ReadRequest(t *testing.T) {
	port := newMockConn([]byte{0x01, 0x06, 0x00, 0x01, 0x00, 0x03, 0x98, 0x0B})
	tr, err := NewTransport(NewRTUTransporter(port, RTUConfig{}))
	require.NoError(t, err)

	req, err := tr.ReadRequest()
	require.NoError(t, err)
	write, ok := req.(*WriteSingleRegisterRequest)
	require.True(t, ok, "decoded %T", req)
	assert.Equal(t, uint8(1), write.SlaveID())
	assert.Equal(t, []byte{0x06, 0x00, 0x01, 0x00, 0x03}, write.MarshalPDU())
}

func TestRTUTransporter_ReadMultipleWriteRequest(t *testing.T) {
	req, err := NewWriteMultipleRegistersRequest(0x11, 0x0001, []uint16{0x000A, 0x0102})
	require.NoError(t, err)
	frame, err := NewRTUPackager().Pack(req.SlaveID(), req.MarshalPDU())
	require.NoError(t, err)

	framer := NewRTUTransporter(newMockConn(frame), RTUConfig{})
	got, err := framer.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x11), got.SlaveID)
	assert.Equal(t, req.MarshalPDU(), got.PDU)
}

func TestRTUTransporter_Close(t *testing.T) {
	port := newMockConn()
	framer := NewRTUTransporter(port, DefaultRTUConfig())
	require.NoError(t, framer.Close())
	require.NoError(t, framer.Close())
	assert.Equal(t, 1, port.closes)
	assert.ErrorIs(t, framer.WriteFrame([]byte{0x01}), ErrClosed)
}
