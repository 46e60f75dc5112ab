package run

import "errors"

// Controller errors. Check with errors.Is:
//
//	if errors.Is(err, run.ErrBusy) {
//	    // a run is already in progress on this device
//	}
var (
	// ErrBusy is returned when starting while a run is Running or Paused.
	ErrBusy = errors.New("run: device busy")

	// ErrNotAcknowledged is returned when starting before the previous
	// terminal run has been acknowledged.
	ErrNotAcknowledged = errors.New("run: previous run not acknowledged")

	// ErrNothingToAcknowledge is returned by Acknowledge when no run has
	// reached a terminal status.
	ErrNothingToAcknowledge = errors.New("run: nothing to acknowledge")

	// ErrDeviceUnreachable is returned when acknowledging a faulted run
	// while the relay board still cannot be read back.
	ErrDeviceUnreachable = errors.New("run: device unreachable")

	// ErrRunNotFound is returned when a run ID is not in the history.
	ErrRunNotFound = errors.New("run: not found")

	// ErrUnknownCommand is returned for an unrecognised remote command.
	ErrUnknownCommand = errors.New("run: unknown command")
)
