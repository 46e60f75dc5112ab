package relay

import (
	"errors"
	"fmt"

	"github.com/aldcvd/deposition-core/internal/channel"
)

var (
	// ErrHardware matches every relay I/O failure.
	ErrHardware = errors.New("relay: hardware error")

	// ErrTimeout is returned when a device call exceeds the I/O timeout.
	ErrTimeout = errors.New("relay: i/o timeout")

	// ErrDisconnected is returned when the device is gone or closed.
	ErrDisconnected = errors.New("relay: device disconnected")

	// ErrUnknownChannel is returned for channel IDs the device does not have.
	ErrUnknownChannel = errors.New("relay: unknown channel")

	// ErrUnsupportedDriver is returned by Open for drivers not built in.
	ErrUnsupportedDriver = errors.New("relay: unsupported driver")

	// ErrProtocol is returned when the device answers with something unparseable.
	ErrProtocol = errors.New("relay: protocol error")
)

// HardwareError describes a failed device operation.
//
// It matches ErrHardware and its cause with errors.Is:
//
//	if errors.Is(err, relay.ErrTimeout) { ... }
type HardwareError struct {
	Op      string
	Channel channel.ID
	Err     error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("relay: %s %s: %v", e.Op, e.Channel, e.Err)
}

func (e *HardwareError) Unwrap() []error { return []error{ErrHardware, e.Err} }

func hwErr(op string, id channel.ID, err error) error {
	var he *HardwareError
	if errors.As(err, &he) {
		return err
	}
	return &HardwareError{Op: op, Channel: id, Err: err}
}
