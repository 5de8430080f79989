package canlink

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRequestTimeout = 500 * time.Millisecond
	DefaultPortBaudrate   = 38400
)

// Config is handed to a driver constructor by NewDriver.
type Config struct {
	// Port is the CAN interface name, serial device, host:port or BLE name
	// prefix depending on the driver.
	Port         string
	PortBaudrate int

	// RequestTimeout is the vehicle's request to response window.
	RequestTimeout time.Duration
	// CAN500k selects 500 kbit/s, 250 kbit/s otherwise.
	CAN500k bool

	// BLEName is the advertised name prefix of a BLE adapter.
	BLEName    string
	BLEService string
	BLETxChar  string
	BLERxChar  string

	Debug  bool
	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.PortBaudrate == 0 {
		c.PortBaudrate = DefaultPortBaudrate
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Bitrate returns the configured bus speed in bit/s.
func (c *Config) Bitrate() uint32 {
	if c.CAN500k {
		return 500000
	}
	return 250000
}
