package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aldcvd/deposition-core/internal/channel"
)

func testBank(t *testing.T) *channel.Bank {
	t.Helper()
	b, err := channel.NewBank([]channel.Channel{
		{ID: 1, Label: "TEB"},
		{ID: 2, Label: "H2"},
		{ID: 3, Label: "Ar", Default: true, Inverted: true},
	})
	if err != nil {
		t.Fatalf("NewBank: %v", err)
	}
	return b
}

func TestAdapterPolarity(t *testing.T) {
	sim := NewSim(3)
	a := NewAdapter(sim, testBank(t))
	ctx := context.Background()

	if err := a.SetChannel(ctx, 3, true); err != nil {
		t.Fatalf("SetChannel: %v", err)
	}
	if err := a.SetChannel(ctx, 1, true); err != nil {
		t.Fatalf("SetChannel: %v", err)
	}

	coils := sim.Coils()
	if coils[3] {
		t.Error("inverted channel ON should de-energise the coil")
	}
	if !coils[1] {
		t.Error("normal channel ON should energise the coil")
	}

	on, err := a.ReadChannel(ctx, 3)
	if err != nil || !on {
		t.Errorf("ReadChannel(3) = %v, %v; want logical ON", on, err)
	}
	if snap := a.Snapshot(); !snap.Equal(channel.States{1: true, 3: true}) {
		t.Errorf("Snapshot() = %v", snap)
	}
}

func TestAdapterFailedWriteForgetsChannel(t *testing.T) {
	sim := NewSim(3)
	a := NewAdapter(sim, testBank(t))
	ctx := context.Background()

	_ = a.SetChannel(ctx, 1, true)
	sim.FailChannel(1, errors.New("usb stall"))

	err := a.SetChannel(ctx, 1, false)
	if !errors.Is(err, ErrHardware) {
		t.Fatalf("SetChannel error = %v, want ErrHardware", err)
	}
	var he *HardwareError
	if !errors.As(err, &he) || he.Channel != 1 || he.Op != "set" {
		t.Errorf("HardwareError = %+v", he)
	}
	if _, known := a.Snapshot()[1]; known {
		t.Error("failed channel should be absent from the mirror")
	}
	if a.Known() {
		t.Error("Known() should be false with an unknown channel")
	}
}

func TestAdapterUnknownChannel(t *testing.T) {
	a := NewAdapter(NewSim(3), testBank(t))
	err := a.SetChannel(context.Background(), 9, true)
	if !errors.Is(err, ErrUnknownChannel) || !errors.Is(err, ErrHardware) {
		t.Fatalf("error = %v", err)
	}
}

func TestAdapterTimeout(t *testing.T) {
	sim := NewSim(3)
	sim.SetDelay(200 * time.Millisecond)
	a := NewAdapter(sim, testBank(t), WithTimeout(20*time.Millisecond))

	start := time.Now()
	err := a.SetChannel(context.Background(), 1, true)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if took := time.Since(start); took > 150*time.Millisecond {
		t.Errorf("SetChannel blocked for %s despite timeout", took)
	}

	// A call queued behind the stuck one must not reach the device late.
	sim.SetDelay(0)
	err = a.SetChannel(context.Background(), 2, true)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("queued call error = %v, want ErrTimeout", err)
	}
	time.Sleep(250 * time.Millisecond)
	for _, c := range sim.Writes() {
		if c.Channel == 2 {
			t.Error("timed-out queued write reached the device")
		}
	}
}

func TestAdapterWriteObserver(t *testing.T) {
	var seen []channel.ID
	var failures int
	sim := NewSim(3)
	a := NewAdapter(sim, testBank(t), WithWriteObserver(func(id channel.ID, _ bool, err error, _ time.Duration) {
		seen = append(seen, id)
		if err != nil {
			failures++
		}
	}))

	_ = a.SetChannel(context.Background(), 1, true)
	sim.Disconnect()
	_ = a.SetChannel(context.Background(), 2, true)

	if len(seen) != 2 || failures != 1 {
		t.Errorf("observer saw %v with %d failures", seen, failures)
	}
}

func TestAdapterReconcile(t *testing.T) {
	sim := NewSim(3)
	a := NewAdapter(sim, testBank(t))
	ctx := context.Background()

	// Board changed behind our back: coil 1 energised, coil 3 energised
	// (Ar logically OFF).
	_ = sim.SetChannel(ctx, 1, true)
	_ = sim.SetChannel(ctx, 3, true)

	got, err := a.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	want := channel.States{1: true, 2: false, 3: false}
	if !got.Equal(want) || !a.Snapshot().Equal(want) {
		t.Errorf("Reconcile() = %v, mirror %v; want %v", got, a.Snapshot(), want)
	}

	sim.FailReads(true)
	if _, err := a.Reconcile(ctx); !errors.Is(err, ErrHardware) {
		t.Errorf("Reconcile with read faults error = %v", err)
	}
	if len(a.Snapshot()) != 0 {
		t.Errorf("mirror should be empty after unreadable reconcile, got %v", a.Snapshot())
	}
}

func TestAdapterRestoreDefaults(t *testing.T) {
	sim := NewSim(3)
	a := NewAdapter(sim, testBank(t))
	ctx := context.Background()

	_ = a.SetChannel(ctx, 1, true)
	sim.ResetCalls()
	sim.FailChannel(2, errors.New("stuck"))

	errs := a.RestoreDefaults(ctx)
	if len(errs) != 1 {
		t.Fatalf("RestoreDefaults() errors = %v, want 1", errs)
	}

	calls := sim.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected all 3 channels attempted, got %d calls", len(calls))
	}
	// OFF-default channels first, ON-default channel last.
	if calls[2].Channel != 3 {
		t.Errorf("last restored channel = %s, want ch3", calls[2].Channel)
	}
	if snap := a.Snapshot(); snap[1] || !snap[3] {
		t.Errorf("mirror after restore = %v", snap)
	}
}

type recordingOrder struct {
	current, changes channel.States
	order            []channel.ID
}

func (o *recordingOrder) Order(current, changes channel.States) []channel.ID {
	o.current, o.changes = current, changes
	return o.order
}

func TestAdapterRestoreDefaultsUsesWriteOrder(t *testing.T) {
	sim := NewSim(3)
	order := &recordingOrder{order: []channel.ID{3, 2, 1}}
	a := NewAdapter(sim, testBank(t), WithWriteOrder(order))
	ctx := context.Background()

	_ = a.SetChannel(ctx, 1, true)
	sim.ResetCalls()

	if errs := a.RestoreDefaults(ctx); len(errs) != 0 {
		t.Fatalf("RestoreDefaults() errors = %v", errs)
	}
	if !order.current.Equal(channel.States{1: true}) {
		t.Errorf("order saw current %v, want the mirror", order.current)
	}
	if !order.changes.Equal(testBank(t).Defaults()) {
		t.Errorf("order saw changes %v, want the defaults", order.changes)
	}
	w := sim.Writes()
	if len(w) != 3 || w[0].Channel != 3 || w[1].Channel != 2 || w[2].Channel != 1 {
		t.Errorf("writes = %+v, want ch3 ch2 ch1", w)
	}
}
