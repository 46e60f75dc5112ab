package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aldcvd/deposition-core/internal/channel"
)

// fakePort records writes and queues a canned response for every status
// query. Bytes the driver does not read stay queued for the next query.
type fakePort struct {
	written  bytes.Buffer
	response string
	unread   bytes.Buffer
	writeErr error
	closed   bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	if len(b) == 1 && b[0] == lcusQuery {
		p.unread.WriteString(p.response)
	}
	return p.written.Write(b)
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.unread.Len() == 0 {
		return 0, io.EOF
	}
	return p.unread.Read(b)
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func (p *fakePort) queries() int {
	return bytes.Count(p.written.Bytes(), []byte{lcusQuery})
}

// flushingPort can discard unread input, like *serial.Port.
type flushingPort struct {
	fakePort
	flushes int
}

func (p *flushingPort) Flush() error {
	p.flushes++
	p.unread.Reset()
	return nil
}

func TestLCUSFrame(t *testing.T) {
	tests := []struct {
		id   int
		on   bool
		want []byte
	}{
		{1, true, []byte{0xA0, 0x01, 0x01, 0xA2}},
		{1, false, []byte{0xA0, 0x01, 0x00, 0xA1}},
		{4, true, []byte{0xA0, 0x04, 0x01, 0xA5}},
	}
	for _, tt := range tests {
		port := &fakePort{}
		s := NewSerial(port, 4)
		if err := s.SetChannel(context.Background(), channel.ID(tt.id), tt.on); err != nil {
			t.Fatalf("SetChannel: %v", err)
		}
		if got := port.written.Bytes(); !bytes.Equal(got, tt.want) {
			t.Errorf("frame(%d,%v) = % X, want % X", tt.id, tt.on, got, tt.want)
		}
	}
}

func TestSerialReadChannel(t *testing.T) {
	port := &fakePort{response: "CH1: OFF\r\nCH2: ON\r\nCH3:off\r\n"}
	s := NewSerial(port, 3)

	on, err := s.ReadChannel(context.Background(), 2)
	if err != nil || !on {
		t.Fatalf("ReadChannel(2) = %v, %v", on, err)
	}
	on, err = s.ReadChannel(context.Background(), 3)
	if err != nil || on {
		t.Fatalf("ReadChannel(3) = %v, %v", on, err)
	}
}

func TestSerialBoardWiderThanBank(t *testing.T) {
	// An 8-channel board with only two channels wired.
	port := &fakePort{response: "CH1: ON\r\nCH2: OFF\r\nCH3: ON\r\nCH4: ON\r\nCH5: OFF\r\nCH6: OFF\r\nCH7: OFF\r\nCH8: ON\r\n"}
	s := NewSerial(port, 2)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		on, err := s.ReadChannel(ctx, 1)
		if err != nil || !on {
			t.Fatalf("read #%d of ch1 = %v, %v", i, on, err)
		}
	}
	on, err := s.ReadChannel(ctx, 2)
	if err != nil || on {
		t.Fatalf("ReadChannel(2) = %v, %v", on, err)
	}
	if port.unread.Len() != 0 {
		t.Errorf("%d bytes left unread", port.unread.Len())
	}

	all, err := s.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !all.Equal(channel.States{1: true, 2: false}) {
		t.Errorf("ReadAll() = %v, want only the wired channels", all)
	}
}

func TestSerialDiscardsStaleInput(t *testing.T) {
	port := &flushingPort{fakePort: fakePort{response: "CH1: OFF\r\nCH2: OFF\r\n"}}
	port.unread.WriteString("CH1: ON\r\nCH2: ON\r\n")
	s := NewSerial(port, 2)

	on, err := s.ReadChannel(context.Background(), 1)
	if err != nil || on {
		t.Fatalf("ReadChannel(1) = %v, %v, want the fresh OFF", on, err)
	}
	if port.flushes != 1 {
		t.Errorf("flushes = %d, want 1", port.flushes)
	}
}

func TestAdapterReconcileSerialSingleQuery(t *testing.T) {
	port := &fakePort{response: "CH1: ON\r\nCH2: OFF\r\nCH3: ON\r\nCH4: OFF\r\n"}
	a := NewAdapter(NewSerial(port, 3), testBank(t))

	got, err := a.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// ch3 is wired inverted: coil ON is logical OFF.
	want := channel.States{1: true, 2: false, 3: false}
	if !got.Equal(want) {
		t.Errorf("Reconcile() = %v, want %v", got, want)
	}
	if n := port.queries(); n != 1 {
		t.Errorf("status queries = %d, want 1", n)
	}

	port.response = "CH1: OFF\r\nCH2: ON\r\n"
	got, err = a.Reconcile(context.Background())
	if !errors.Is(err, ErrProtocol) || !errors.Is(err, ErrHardware) {
		t.Fatalf("Reconcile() error = %v, want protocol error", err)
	}
	if !got.Equal(channel.States{1: false, 2: true}) || !a.Snapshot().Equal(got) {
		t.Errorf("Reconcile() = %v, mirror %v", got, a.Snapshot())
	}
}

func TestSerialReadErrors(t *testing.T) {
	t.Run("silent board", func(t *testing.T) {
		s := NewSerial(&fakePort{}, 2)
		if _, err := s.ReadChannel(context.Background(), 1); !errors.Is(err, ErrTimeout) {
			t.Fatalf("error = %v, want ErrTimeout", err)
		}
	})
	t.Run("partial status", func(t *testing.T) {
		s := NewSerial(&fakePort{response: "CH1: ON\r\n"}, 2)
		if _, err := s.ReadChannel(context.Background(), 2); !errors.Is(err, ErrProtocol) {
			t.Fatalf("error = %v, want ErrProtocol", err)
		}
	})
	t.Run("write failure", func(t *testing.T) {
		s := NewSerial(&fakePort{writeErr: errors.New("EIO")}, 2)
		if err := s.SetChannel(context.Background(), 1, true); !errors.Is(err, ErrDisconnected) {
			t.Fatalf("error = %v, want ErrDisconnected", err)
		}
	})
	t.Run("out of range", func(t *testing.T) {
		s := NewSerial(&fakePort{}, 2)
		if err := s.SetChannel(context.Background(), 3, true); !errors.Is(err, ErrUnknownChannel) {
			t.Fatalf("error = %v, want ErrUnknownChannel", err)
		}
	})
}

func TestSerialClose(t *testing.T) {
	port := &fakePort{}
	s := NewSerial(port, 2)
	if err := s.Close(); err != nil || !port.closed {
		t.Fatalf("Close() = %v, closed=%v", err, port.closed)
	}
	if err := s.SetChannel(context.Background(), 1, true); !errors.Is(err, ErrDisconnected) {
		t.Errorf("write after close error = %v", err)
	}
}

func TestOpen(t *testing.T) {
	dev, err := Open(DriverConfig{Driver: "sim"}, 4)
	if err != nil {
		t.Fatalf("Open(sim): %v", err)
	}
	if _, ok := dev.(*Sim); !ok {
		t.Errorf("Open(sim) returned %T", dev)
	}

	for _, d := range []string{"hid", "modbus"} {
		if _, err := Open(DriverConfig{Driver: d}, 4); !errors.Is(err, ErrUnsupportedDriver) {
			t.Errorf("Open(%s) error = %v, want ErrUnsupportedDriver", d, err)
		}
	}

	if _, err := Open(DriverConfig{Driver: "serial"}, 4); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Open(serial) without port error = %v", err)
	}
}
