package modbus

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	goserial "github.com/hootrhino/goserial"
)

// Config modes.
const (
	ModeRTU        = "rtu"
	ModeASCII      = "ascii"
	ModeTCP        = "tcp"
	ModeRTUOverTCP = "rtuovertcp"
)

// SerialConfig holds line settings for the rtu and ascii modes.
type SerialConfig struct {
	BaudRate int    `toml:"baud_rate"`
	DataBits int    `toml:"data_bits"`
	StopBits int    `toml:"stop_bits"`
	Parity   string `toml:"parity"`
}

// Config describes one Modbus link: how to reach it and how its
// transactions are retried.
type Config struct {
	Mode                        string       `toml:"mode"`
	Address                     string       `toml:"address"` // serial device or host:port
	TimeoutMs                   int          `toml:"timeout_ms"`
	FrameDelayMs                int          `toml:"frame_delay_ms"`
	Retries                     int          `toml:"retries"`
	WaitToRetryMs               int          `toml:"wait_to_retry_ms"`
	SlaveBusyUsesRetryCount     bool         `toml:"slave_busy_uses_retry_count"`
	RetryOnOldResponseThreshold uint16       `toml:"retry_on_old_response_threshold"`
	Serial                      SerialConfig `toml:"serial"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Mode:          ModeTCP,
		Address:       "127.0.0.1:502",
		TimeoutMs:     1000,
		FrameDelayMs:  4,
		Retries:       DefaultRetries,
		WaitToRetryMs: DefaultWaitToRetryMilliseconds,

		RetryOnOldResponseThreshold: DefaultRetryOnOldResponseThreshold,

		Serial: SerialConfig{
			BaudRate: 9600,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
		},
	}
}

// LoadConfig reads a TOML file. Keys missing from the file keep their
// DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("modbus: load config %s: %w", path, err)
	}
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no transport can run with.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeRTU, ModeASCII, ModeTCP, ModeRTUOverTCP:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidArgument, c.Mode)
	}
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("%w: missing address", ErrInvalidArgument)
	}
	if c.TimeoutMs < 0 || c.FrameDelayMs < 0 {
		return fmt.Errorf("%w: timeouts must be >= 0", ErrInvalidArgument)
	}
	if c.Retries < 0 {
		return fmt.Errorf("%w: retries must be >= 0, got %d", ErrInvalidArgument, c.Retries)
	}
	if c.WaitToRetryMs < 0 {
		return fmt.Errorf("%w: wait_to_retry_ms must be >= 0, got %d", ErrInvalidArgument, c.WaitToRetryMs)
	}
	return nil
}

// Options converts the retry settings into transport options.
func (c Config) Options() []Option {
	return []Option{
		WithRetries(c.Retries),
		WithWaitToRetry(c.WaitToRetryMs),
		WithSlaveBusyUsesRetryCount(c.SlaveBusyUsesRetryCount),
		WithRetryOnOldResponseThreshold(c.RetryOnOldResponseThreshold),
	}
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// NewFramer wraps an already open byte channel in the framer for c.Mode.
// The tcp and rtuovertcp modes require conn to be a net.Conn.
func (c Config) NewFramer(conn io.ReadWriteCloser) (Framer, error) {
	switch c.Mode {
	case ModeRTU:
		return NewRTUTransporter(conn, RTUConfig{
			Timeout:    c.timeout(),
			FrameDelay: time.Duration(c.FrameDelayMs) * time.Millisecond,
		}), nil
	case ModeASCII:
		return NewASCIITransporter(conn, c.timeout()), nil
	case ModeTCP, ModeRTUOverTCP:
		nc, ok := conn.(net.Conn)
		if !ok {
			return nil, fmt.Errorf("%w: mode %s needs a net.Conn, got %T", ErrInvalidArgument, c.Mode, conn)
		}
		if c.Mode == ModeTCP {
			return NewTCPTransporter(nc, c.timeout(), nil), nil
		}
		return NewRtuOverTCPTransporter(nc, c.timeout()), nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidArgument, c.Mode)
	}
}

// Dial opens the serial port or TCP connection described by cfg and
// returns a Transport owning it. opts are applied after the settings
// from cfg.
func Dial(cfg Config, opts ...Option) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var conn io.ReadWriteCloser
	var err error
	switch cfg.Mode {
	case ModeRTU, ModeASCII:
		conn, err = goserial.Open(&goserial.Config{
			Address:  cfg.Address,
			BaudRate: cfg.Serial.BaudRate,
			DataBits: cfg.Serial.DataBits,
			StopBits: cfg.Serial.StopBits,
			Parity:   cfg.Serial.Parity,
			Timeout:  cfg.timeout(),
		})
	default:
		conn, err = net.DialTimeout("tcp", cfg.Address, cfg.timeout())
	}
	if err != nil {
		return nil, &IOError{Op: "dial " + cfg.Address, Err: err}
	}
	framer, err := cfg.NewFramer(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	transport, err := NewTransport(framer, append(cfg.Options(), opts...)...)
	if err != nil {
		framer.Close()
		return nil, err
	}
	return transport, nil
}
