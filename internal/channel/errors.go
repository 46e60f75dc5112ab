package channel

import "errors"

var (
	// ErrInvalidBank is returned when a channel list cannot form a bank.
	ErrInvalidBank = errors.New("channel: invalid bank")

	// ErrUnknownChannel is returned when a reference does not match any channel.
	ErrUnknownChannel = errors.New("channel: unknown channel")
)
