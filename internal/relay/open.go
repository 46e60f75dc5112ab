package relay

import (
	"fmt"
	"strings"
	"time"
)

// Drivers accepted by Open.
const (
	DriverSim    = "sim"
	DriverSerial = "serial"
	DriverHID    = "hid"
)

// DriverConfig selects and configures a relay driver.
type DriverConfig struct {
	Driver      string
	Port        string
	Baud        int
	ReadTimeout time.Duration
}

// Open enumerates the configured board and returns its driver. channels is
// the highest channel ID the bank uses.
func Open(cfg DriverConfig, channels int) (Device, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverSim, "":
		return NewSim(channels), nil
	case DriverSerial:
		dev, err := OpenSerial(SerialConfig{
			Port:        cfg.Port,
			Baud:        cfg.Baud,
			Channels:    channels,
			ReadTimeout: cfg.ReadTimeout,
		})
		if err != nil {
			return nil, err
		}
		return dev, nil
	case DriverHID:
		return nil, fmt.Errorf("%w: %s (HID framing is provided outside this service)", ErrUnsupportedDriver, cfg.Driver)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}
