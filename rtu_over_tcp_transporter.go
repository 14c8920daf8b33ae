package modbus

import (
	"net"
	"time"
)

// RtuOverTCPTransporter enables Modbus RTU frames to be sent over a TCP connection.
type RtuOverTCPTransporter struct {
	*RTUTransporter
	conn net.Conn
}

// NewRtuOverTCPTransporter creates a new RtuOverTCPTransporter using RTU framing.
func NewRtuOverTCPTransporter(conn net.Conn, timeout time.Duration) *RtuOverTCPTransporter {
	rtu := NewRTUTransporter(conn, RTUConfig{Timeout: timeout})
	rtu.mode = "RTU_OVER_TCP"
	return &RtuOverTCPTransporter{RTUTransporter: rtu, conn: conn}
}

// RemoteAddr returns the remote network address
func (t *RtuOverTCPTransporter) RemoteAddr() string {
	if t.conn == nil || t.conn.RemoteAddr() == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}
