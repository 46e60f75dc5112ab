package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aldcvd/deposition-core/internal/channel"
)

// Call is one recorded device call on a Sim.
type Call struct {
	Op      string // "set" or "read"
	Channel channel.ID
	On      bool
	Err     error
}

// Sim is an in-memory relay board with fault injection. It records every
// call and stores physical coil states.
//
// Thread Safety: all methods are safe for concurrent use.
type Sim struct {
	mu           sync.Mutex
	channels     int
	coils        map[channel.ID]bool
	calls        []Call
	failOn       map[channel.ID]error
	failReads    bool
	failAfter    int // successful writes remaining before faults; -1 disables
	delay        time.Duration
	disconnected bool
	closed       bool
}

// NewSim creates a simulated board with channels 1..n, all coils off.
func NewSim(n int) *Sim {
	return &Sim{
		channels:  n,
		coils:     make(map[channel.ID]bool, n),
		failOn:    make(map[channel.ID]error),
		failAfter: -1,
	}
}

// SetChannel implements Device.
func (s *Sim) SetChannel(_ context.Context, id channel.ID, on bool) error {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.checkLocked(id)
	if err == nil {
		if ferr, ok := s.failOn[id]; ok {
			err = ferr
		}
	}
	if err == nil && s.failAfter == 0 {
		err = fmt.Errorf("%w: injected fault", ErrHardware)
	}
	if err == nil {
		s.coils[id] = on
		if s.failAfter > 0 {
			s.failAfter--
		}
	}
	s.calls = append(s.calls, Call{Op: "set", Channel: id, On: on, Err: err})
	return err
}

// ReadChannel implements Device.
func (s *Sim) ReadChannel(_ context.Context, id channel.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.checkLocked(id)
	if err == nil && s.failReads {
		err = fmt.Errorf("%w: injected read fault", ErrHardware)
	}
	on := s.coils[id]
	s.calls = append(s.calls, Call{Op: "read", Channel: id, On: on, Err: err})
	if err != nil {
		return false, err
	}
	return on, nil
}

// Close implements Device.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Sim) checkLocked(id channel.ID) error {
	switch {
	case s.closed, s.disconnected:
		return ErrDisconnected
	case id < 1 || int(id) > s.channels:
		return ErrUnknownChannel
	}
	return nil
}

// FailChannel makes every write to id fail with err. A nil err clears it.
func (s *Sim) FailChannel(id channel.ID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, id)
		return
	}
	s.failOn[id] = err
}

// FailAfter lets n more writes succeed, then fails every write. A negative
// n disables the fault.
func (s *Sim) FailAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = n
}

// FailReads makes every read fail while set.
func (s *Sim) FailReads(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads = fail
}

// SetDelay makes every write block for d, ignoring its context, like a
// stuck USB transfer.
func (s *Sim) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Disconnect makes every call fail with ErrDisconnected until Reconnect.
func (s *Sim) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
}

// Reconnect clears Disconnect.
func (s *Sim) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = false
}

// Coils returns a copy of the physical coil states.
func (s *Sim) Coils() channel.States {
	s.mu.Lock()
	defer s.mu.Unlock()
	return channel.States(s.coils).Clone()
}

// Calls returns a copy of the call log.
func (s *Sim) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Writes returns only the successful set calls.
func (s *Sim) Writes() []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == "set" && c.Err == nil {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (s *Sim) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}
