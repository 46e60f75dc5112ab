package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/aldcvd/deposition-core/internal/channel"
)

// LCUS boards (CH340 USB-serial relay modules) take 4-byte commands
// A0 <channel> <state> <checksum> and answer a single 0xFF byte with one
// "CHn: ON|OFF" line per channel.
const (
	lcusStart      = 0xA0
	lcusQuery      = 0xFF
	defaultBaud    = 9600
	maxLCUSChannel = 0xFE
)

var lcusStatusLine = regexp.MustCompile(`(?i)CH\s*(\d+)\s*:\s*(ON|OFF)`)

// SerialConfig configures the serial relay driver.
type SerialConfig struct {
	Port        string
	Baud        int
	Channels    int
	ReadTimeout time.Duration
}

// flusher is implemented by ports that can discard unread input, such as
// *serial.Port.
type flusher interface {
	Flush() error
}

// Serial drives an LCUS-style relay board over a serial port.
//
// A board may report more channels than the bank uses; the extra lines are
// read and discarded. Each status query drains the full response up to the
// read timeout, so nothing from one exchange is left for the next.
type Serial struct {
	mu       sync.Mutex
	port     io.ReadWriteCloser
	reader   *bufio.Reader
	channels int
	closed   bool
}

// OpenSerial opens the serial port described by cfg.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("%w: serial port not configured", ErrDisconnected)
	}
	baud := cfg.Baud
	if baud == 0 {
		baud = defaultBaud
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultIOTimeout
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        baud,
		ReadTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrDisconnected, cfg.Port, err)
	}
	return NewSerial(port, cfg.Channels), nil
}

// NewSerial wraps an already open port.
func NewSerial(port io.ReadWriteCloser, channels int) *Serial {
	return &Serial{port: port, reader: bufio.NewReader(port), channels: channels}
}

// SetChannel implements Device.
func (s *Serial) SetChannel(_ context.Context, id channel.ID, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(id); err != nil {
		return err
	}
	if _, err := s.port.Write(lcusFrame(id, on)); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// ReadAll implements StatusReader. It returns the coil state of every
// channel in 1..channels the board reported in one status query.
func (s *Serial) ReadAll(_ context.Context) (channel.States, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrDisconnected
	}
	return s.queryLocked()
}

// ReadChannel implements Device by querying the full status and picking
// one channel from it.
func (s *Serial) ReadChannel(_ context.Context, id channel.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(id); err != nil {
		return false, err
	}
	status, err := s.queryLocked()
	if err != nil {
		return false, err
	}
	on, ok := status[id]
	if !ok {
		return false, fmt.Errorf("%w: no status for %s", ErrProtocol, id)
	}
	return on, nil
}

// Close implements Device.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}

func (s *Serial) checkLocked(id channel.ID) error {
	if s.closed {
		return ErrDisconnected
	}
	if id < 1 || int(id) > s.channels || int(id) > maxLCUSChannel {
		return ErrUnknownChannel
	}
	return nil
}

func (s *Serial) queryLocked() (channel.States, error) {
	// Stale input would be parsed as this query's answer.
	if f, ok := s.port.(flusher); ok {
		if err := f.Flush(); err != nil {
			return nil, fmt.Errorf("%w: flushing input: %v", ErrDisconnected, err)
		}
	}
	s.reader.Reset(s.port)

	if _, err := s.port.Write([]byte{lcusQuery}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	status := make(channel.States, s.channels)
	lines := 0
	for lines <= maxLCUSChannel {
		line, err := s.reader.ReadString('\n')
		if m := lcusStatusLine.FindStringSubmatch(line); m != nil {
			lines++
			n, convErr := strconv.Atoi(m[1])
			if convErr == nil && n >= 1 && n <= s.channels {
				status[channel.ID(n)] = strings.EqualFold(m[2], "ON")
			}
		}
		if err == nil {
			continue
		}
		// The board goes quiet after its last line; the read timeout
		// surfaces as EOF.
		if lines > 0 {
			return status, nil
		}
		if err == io.EOF {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil, fmt.Errorf("%w: status response does not end", ErrProtocol)
}

func lcusFrame(id channel.ID, on bool) []byte {
	var state byte
	if on {
		state = 1
	}
	ch := byte(id)
	return []byte{lcusStart, ch, state, lcusStart + ch + state}
}
