package sequencer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aldcvd/deposition-core/internal/channel"
	"github.com/aldcvd/deposition-core/internal/interlock"
	"github.com/aldcvd/deposition-core/internal/recipe"
	"github.com/aldcvd/deposition-core/internal/relay"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return t0.Add(time.Duration(sec * float64(time.Second)))
}

type harness struct {
	sim     *relay.Sim
	adapter *relay.Adapter
	table   *interlock.Table
	seq     *Sequencer
	events  []Event
	now     time.Time
}

func newHarness(t *testing.T, bank *channel.Bank, rules ...interlock.Rule) *harness {
	t.Helper()
	table, err := interlock.NewTable(bank, rules)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	sim := relay.NewSim(bank.Len())
	h := &harness{sim: sim, table: table, now: t0}
	h.adapter = relay.NewAdapter(sim, bank, relay.WithWriteOrder(table))
	if _, err := h.adapter.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	sim.ResetCalls()
	h.seq = New(h.adapter,
		WithObserver(func(e Event) { h.events = append(h.events, e) }),
		WithClock(func() time.Time { return h.now }),
	)
	return h
}

func (h *harness) count(t EventType) int {
	n := 0
	for _, e := range h.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (h *harness) setCalls() int {
	n := 0
	for _, c := range h.sim.Calls() {
		if c.Op == "set" {
			n++
		}
	}
	return n
}

// twoStep is the reference recipe: A (5s) ch1 ON ch2 OFF, B (3s) ch1 OFF
// ch2 ON.
func twoStep(loops int) *recipe.Recipe {
	return &recipe.Recipe{
		Name:      "two-step",
		LoopCount: loops,
		Steps: []recipe.Step{
			{Label: "A", Duration: 5 * time.Second, Targets: channel.States{1: true, 2: false}},
			{Label: "B", Duration: 3 * time.Second, Targets: channel.States{1: false, 2: true}},
		},
	}
}

func TestReferenceTimeline(t *testing.T) {
	h := newHarness(t, channel.Numbered(2), interlock.Rule{
		Kind: interlock.MutuallyExclusive, Channels: []string{"1", "2"},
	})
	ctx := context.Background()

	if err := h.seq.Start(ctx, at(0), twoStep(2), h.table); err != nil {
		t.Fatalf("Start: %v", err)
	}

	checks := []struct {
		sec    float64
		ch1    bool
		ch2    bool
		status Status
		label  string
	}{
		{0, true, false, StatusRunning, "A"},
		{4.9, true, false, StatusRunning, "A"},
		{5, false, true, StatusRunning, "B"},
		{8, true, false, StatusRunning, "A"},
		{13, false, true, StatusRunning, "B"},
		{15.9, false, true, StatusRunning, "B"},
		{16, false, false, StatusCompleted, "B"},
	}
	for _, c := range checks {
		if err := h.seq.Tick(ctx, at(c.sec)); err != nil {
			t.Fatalf("Tick(%v): %v", c.sec, err)
		}
		st := h.seq.Snapshot()
		if st.Status != c.status || st.StepLabel != c.label {
			t.Fatalf("t=%v: status=%s step=%s, want %s %s", c.sec, st.Status, st.StepLabel, c.status, c.label)
		}
		coils := h.sim.Coils()
		if coils[1] != c.ch1 || coils[2] != c.ch2 {
			t.Fatalf("t=%v: coils=%v, want ch1=%v ch2=%v", c.sec, coils, c.ch1, c.ch2)
		}
	}

	st := h.seq.Snapshot()
	if st.TotalElapsed != 16*time.Second {
		t.Errorf("TotalElapsed = %s, want 16s", st.TotalElapsed)
	}
	if st.CyclesDone != 2 {
		t.Errorf("CyclesDone = %d, want 2", st.CyclesDone)
	}
	if !st.FinishedAt.Equal(at(16)) {
		t.Errorf("FinishedAt = %s, want t+16s", st.FinishedAt)
	}
}

func TestBreakBeforeMakeOrdering(t *testing.T) {
	h := newHarness(t, channel.Numbered(2))
	ctx := context.Background()

	_ = h.seq.Start(ctx, at(0), twoStep(1), h.table)
	h.sim.ResetCalls()
	_ = h.seq.Tick(ctx, at(5))

	w := h.sim.Writes()
	if len(w) != 2 {
		t.Fatalf("writes = %+v, want 2", w)
	}
	if w[0].Channel != 1 || w[0].On || w[1].Channel != 2 || !w[1].On {
		t.Errorf("writes = %+v, want ch1 OFF then ch2 ON", w)
	}
}

func TestWriteOrderKeepsEveryWriteLegal(t *testing.T) {
	h := newHarness(t, channel.Numbered(4),
		interlock.Rule{Name: "heater-needs-pump", Kind: interlock.Requires, Channels: []string{"1", "2"}},
		interlock.Rule{Name: "valve-needs-carrier", Kind: interlock.Requires, Channels: []string{"4", "3"}},
	)
	ctx := context.Background()

	r := &recipe.Recipe{
		Name:      "dependent",
		LoopCount: 2,
		Steps: []recipe.Step{
			{Label: "all on", Duration: 2 * time.Second, Targets: channel.States{1: true, 2: true, 3: true, 4: true}},
			{Label: "all off", Duration: 2 * time.Second, Targets: channel.States{1: false, 2: false, 3: false, 4: false}},
			{Label: "heat", Duration: 2 * time.Second, Targets: channel.States{1: true, 2: true}},
		},
	}
	if err := h.seq.Start(ctx, at(0), r, h.table); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for sec := 1.0; sec <= 12 && h.seq.Status() == StatusRunning; sec++ {
		if err := h.seq.Tick(ctx, at(sec)); err != nil {
			t.Fatalf("Tick(%v): %v", sec, err)
		}
	}
	if h.seq.Status() != StatusCompleted {
		t.Fatalf("status = %s, want completed", h.seq.Status())
	}

	board := channel.States{}
	writes := h.sim.Writes()
	if len(writes) == 0 {
		t.Fatal("no writes recorded")
	}
	for i, w := range writes {
		if w.Err != nil {
			continue
		}
		board[w.Channel] = w.On
		if _, err := h.table.Validate(board, nil); err != nil {
			t.Fatalf("write %d (ch%d=%v) left board at %s: %v", i, w.Channel, w.On, board, err)
		}
	}
}

func TestOvershootCarriesIntoNextStep(t *testing.T) {
	h := newHarness(t, channel.Numbered(2))
	ctx := context.Background()

	_ = h.seq.Start(ctx, at(0), twoStep(2), h.table)
	_ = h.seq.Tick(ctx, at(6))

	st := h.seq.Snapshot()
	if st.StepLabel != "B" || st.StepElapsed != time.Second {
		t.Fatalf("after t=6: step=%s elapsed=%s, want B 1s", st.StepLabel, st.StepElapsed)
	}

	// One late tick spanning B and the start of loop 2.
	_ = h.seq.Tick(ctx, at(9.5))
	st = h.seq.Snapshot()
	if st.StepLabel != "A" || st.Cycle != 2 || st.StepElapsed != 1500*time.Millisecond {
		t.Fatalf("after t=9.5: step=%s cycle=%d elapsed=%s", st.StepLabel, st.Cycle, st.StepElapsed)
	}
}

func TestLargeTickBoundedButNoDrift(t *testing.T) {
	h := newHarness(t, channel.Numbered(2))
	ctx := context.Background()

	_ = h.seq.Start(ctx, at(0), twoStep(10), h.table)
	_ = h.seq.Tick(ctx, at(80)) // exactly 10 cycles

	if st := h.seq.Snapshot(); st.Status != StatusRunning {
		t.Fatalf("a single tick should not run the whole recipe, got %s", st.Status)
	}
	for i := 0; i < 20 && h.seq.Status() == StatusRunning; i++ {
		_ = h.seq.Tick(ctx, at(80))
	}
	st := h.seq.Snapshot()
	if st.Status != StatusCompleted || st.TotalElapsed != 80*time.Second {
		t.Fatalf("status=%s total=%s, want completed at 80s", st.Status, st.TotalElapsed)
	}
}

func TestPauseResumePreservesPosition(t *testing.T) {
	h := newHarness(t, channel.Numbered(2))
	ctx := context.Background()

	_ = h.seq.Start(ctx, at(0), twoStep(2), h.table)
	_ = h.seq.Tick(ctx, at(6))
	if err := h.seq.Pause(at(7)); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	before := h.seq.Snapshot()
	h.sim.ResetCalls()

	// Ticks while paused change nothing.
	_ = h.seq.Tick(ctx, at(50))
	_ = h.seq.Tick(ctx, at(100))
	if err := h.seq.Resume(at(100)); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	after := h.seq.Snapshot()

	if after.StepNumber != before.StepNumber || after.StepElapsed != before.StepElapsed {
		t.Errorf("position changed: before %d/%s after %d/%s",
			before.StepNumber, before.StepElapsed, after.StepNumber, after.StepElapsed)
	}
	if !after.Channels.Equal(before.Channels) {
		t.Errorf("channels changed: %v -> %v", before.Channels, after.Channels)
	}
	if n := h.setCalls(); n != 0 {
		t.Errorf("%d writes while paused", n)
	}
	if after.TotalElapsed != 7*time.Second {
		t.Errorf("TotalElapsed = %s, want 7s (pause excluded)", after.TotalElapsed)
	}

	// B had 1s left at pause time.
	_ = h.seq.Tick(ctx, at(100.9))
	if h.seq.Snapshot().StepLabel != "B" {
		t.Fatal("advanced before remaining time elapsed")
	}
	_ = h.seq.Tick(ctx, at(101))
	if st := h.seq.Snapshot(); st.StepLabel != "A" || st.Cycle != 2 {
		t.Fatalf("after resume: step=%s cycle=%d", st.StepLabel, st.Cycle)
	}
}

func TestAbortRestoresDefaults(t *testing.T) {
	bank, _ := channel.NewBank([]channel.Channel{
		{ID: 1}, {ID: 2}, {ID: 3, Default: true, Inverted: true},
	})
	h := newHarness(t, bank)
	ctx := context.Background()

	_ = h.seq.Start(ctx, at(0), twoStep(3), h.table)
	_ = h.seq.Tick(ctx, at(2))
	h.now = at(2.5)

	if err := h.seq.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	st := h.seq.Snapshot()
	if st.Status != StatusAborted {
		t.Fatalf("status = %s, want aborted", st.Status)
	}
	if !st.Channels.Equal(bank.Defaults()) {
		t.Errorf("channels = %v, want defaults %v", st.Channels, bank.Defaults())
	}
	if st.TotalElapsed != 2500*time.Millisecond {
		t.Errorf("TotalElapsed = %s", st.TotalElapsed)
	}
	if h.count(EventAborted) != 1 {
		t.Errorf("aborted events = %d", h.count(EventAborted))
	}
}

func TestAbortFromIdle(t *testing.T) {
	bank, _ := channel.NewBank([]channel.Channel{
		{ID: 1}, {ID: 2}, {ID: 3, Default: true},
	})
	h := newHarness(t, bank)
	ctx := context.Background()

	// Left on by hand, with no run loaded.
	if err := h.adapter.SetChannel(ctx, 1, true); err != nil {
		t.Fatalf("SetChannel: %v", err)
	}
	h.now = at(4)

	if err := h.seq.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	st := h.seq.Snapshot()
	if st.Status != StatusAborted {
		t.Fatalf("status = %s, want aborted", st.Status)
	}
	if coils := h.sim.Coils(); coils[1] || coils[2] || !coils[3] {
		t.Errorf("coils = %v, want defaults", coils)
	}
	if st.Recipe != "" || st.TotalElapsed != 0 || !st.FinishedAt.Equal(at(4)) {
		t.Errorf("state = %+v", st)
	}
	if h.count(EventAborted) != 1 {
		t.Errorf("aborted events = %d", h.count(EventAborted))
	}

	if err := h.seq.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := h.seq.Start(ctx, at(5), twoStep(1), h.table); err != nil {
		t.Fatalf("Start after idle abort: %v", err)
	}
}

func TestAbortFromIdleRestoreFailureFaults(t *testing.T) {
	h := newHarness(t, channel.Numbered(2))
	ctx := context.Background()
	h.sim.FailChannel(2, errors.New("welded contact"))

	err := h.seq.Abort(ctx)
	if !errors.Is(err, relay.ErrHardware) {
		t.Fatalf("Abort() error = %v, want hardware error", err)
	}
	st := h.seq.Snapshot()
	if st.Status != StatusFaulted || len(st.RestoreErrors) != 1 {
		t.Errorf("status=%s RestoreErrors=%v", st.Status, st.RestoreErrors)
	}
	if h.count(EventFaulted) != 1 {
		t.Errorf("faulted events = %d", h.count(EventFaulted))
	}
}

func TestAbortWhilePaused(t *testing.T) {
	h := newHarness(t, channel.Numbered(2))
	ctx := context.Background()

	_ = h.seq.Start(ctx, at(0), twoStep(1), h.table)
	_ = h.seq.Pause(at(1))
	h.now = at(60)
	if err := h.seq.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if st := h.seq.Snapshot(); st.Status != StatusAborted || st.TotalElapsed != time.Second {
		t.Fatalf("status=%s total=%s", st.Status, st.TotalElapsed)
	}
}

func TestAbortRestoreFailureFaults(t *testing.T) {
	h := newHarness(t, channel.Numbered(3))
	ctx := context.Background()

	_ = h.seq.Start(ctx, at(0), twoStep(2), h.table)
	h.sim.ResetCalls()
	h.sim.FailChannel(1, errors.New("welded contact"))

	err := h.seq.Abort(ctx)
	if !errors.Is(err, relay.ErrHardware) {
		t.Fatalf("Abort() error = %v, want hardware error", err)
	}
	st := h.seq.Snapshot()
	if st.Status != StatusFaulted {
		t.Fatalf("status = %s, want faulted", st.Status)
	}
	if st.LastError == "" || len(st.RestoreErrors) != 1 {
		t.Errorf("LastError=%q RestoreErrors=%v", st.LastError, st.RestoreErrors)
	}
	if n := h.setCalls(); n != 3 {
		t.Errorf("restore attempted %d channels, want all 3", n)
	}
	if h.count(EventAborted) != 0 || h.count(EventFaulted) != 1 {
		t.Errorf("events: aborted=%d faulted=%d", h.count(EventAborted), h.count(EventFaulted))
	}
}

func TestHardwareFaultExactlyOnce(t *testing.T) {
	h := newHarness(t, channel.Numbered(2))
	ctx := context.Background()

	// Step A writes ch1; step B writes ch1 then ch2. The third write fails.
	h.sim.FailAfter(2)
	if err := h.seq.Start(ctx, at(0), twoStep(3), h.table); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := h.seq.Tick(ctx, at(5))
	if !errors.Is(err, relay.ErrHardware) {
		t.Fatalf("Tick() error = %v, want hardware error", err)
	}

	st := h.seq.Snapshot()
	if st.Status != StatusFaulted {
		t.Fatalf("status = %s, want faulted", st.Status)
	}
	if st.LastError == "" {
		t.Error("LastError not recorded")
	}
	// Restoration is attempted once for both channels and both fail.
	if len(st.RestoreErrors) != 2 {
		t.Errorf("RestoreErrors = %v, want 2", st.RestoreErrors)
	}

	calls := h.setCalls()
	for _, sec := range []float64{8, 13, 30} {
		_ = h.seq.Tick(ctx, at(sec))
	}
	if err := h.seq.Abort(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Abort after fault error = %v", err)
	}
	if got := h.setCalls(); got != calls {
		t.Errorf("writes after fault: %d -> %d", calls, got)
	}
	if h.count(EventFaulted) != 1 {
		t.Errorf("faulted events = %d, want 1", h.count(EventFaulted))
	}
	if st.Channels == nil {
		t.Error("snapshot should carry the reconciled channel states")
	}
}

func TestFaultOnStartWrite(t *testing.T) {
	h := newHarness(t, channel.Numbered(2))
	h.sim.Disconnect()

	err := h.seq.Start(context.Background(), at(0), twoStep(1), h.table)
	if !errors.Is(err, relay.ErrDisconnected) {
		t.Fatalf("Start() error = %v, want ErrDisconnected", err)
	}
	if h.seq.Status() != StatusFaulted {
		t.Errorf("status = %s, want faulted", h.seq.Status())
	}
}

func TestCompletionRestoreFailureFaults(t *testing.T) {
	h := newHarness(t, channel.Numbered(2))
	ctx := context.Background()

	_ = h.seq.Start(ctx, at(0), twoStep(1), h.table)
	_ = h.seq.Tick(ctx, at(5))
	h.sim.FailChannel(2, errors.New("stuck"))

	if err := h.seq.Tick(ctx, at(8)); err == nil {
		t.Fatal("expected completion fault")
	}
	if st := h.seq.Snapshot(); st.Status != StatusFaulted || len(st.RestoreErrors) != 1 {
		t.Fatalf("status=%s restore errors=%v", st.Status, st.RestoreErrors)
	}
	if h.count(EventCompleted) != 0 {
		t.Error("completed event emitted for a faulted run")
	}
}

func TestStartRejectsInvalidRecipe(t *testing.T) {
	h := newHarness(t, channel.Numbered(2), interlock.Rule{
		Kind: interlock.MutuallyExclusive, Channels: []string{"1", "2"},
	})
	ctx := context.Background()

	bad := twoStep(1)
	bad.Steps[0].Targets[2] = true

	tests := []struct {
		name   string
		recipe *recipe.Recipe
		table  *interlock.Table
		want   error
	}{
		{"interlock breach", bad, h.table, interlock.ErrInterlockViolation},
		{"zero-length loop", &recipe.Recipe{Name: "z", LoopCount: 2, Steps: []recipe.Step{{}}}, h.table, recipe.ErrInvalidRecipe},
		{"nil recipe", nil, h.table, recipe.ErrInvalidRecipe},
		{"nil table", twoStep(1), nil, interlock.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.seq.Start(ctx, at(0), tt.recipe, tt.table)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Start() error = %v, want %v", err, tt.want)
			}
			if h.seq.Status() != StatusIdle {
				t.Errorf("status = %s, want idle", h.seq.Status())
			}
			if n := h.setCalls(); n != 0 {
				t.Errorf("%d writes for a rejected recipe", n)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t, channel.Numbered(2))
	ctx := context.Background()

	if err := h.seq.Pause(at(0)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Pause(idle) = %v", err)
	}
	if err := h.seq.Resume(at(0)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume(idle) = %v", err)
	}
	if err := h.seq.Reset(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Reset(idle) = %v", err)
	}

	_ = h.seq.Start(ctx, at(0), twoStep(1), h.table)
	if err := h.seq.Start(ctx, at(0), twoStep(1), h.table); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Start(running) = %v", err)
	}
	if err := h.seq.Resume(at(1)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume(running) = %v", err)
	}

	_ = h.seq.Abort(ctx)
	if err := h.seq.Abort(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Abort(aborted) = %v", err)
	}
}

func TestResetAfterCompletion(t *testing.T) {
	h := newHarness(t, channel.Numbered(2))
	ctx := context.Background()

	_ = h.seq.Start(ctx, at(0), twoStep(1), h.table)
	_ = h.seq.Tick(ctx, at(8))
	if h.seq.Status() != StatusCompleted {
		t.Fatalf("status = %s", h.seq.Status())
	}
	if err := h.seq.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	st := h.seq.Snapshot()
	if st.Status != StatusIdle || st.RunID != "" || st.Recipe != "" {
		t.Errorf("state after reset = %+v", st)
	}
	if err := h.seq.Start(ctx, at(20), twoStep(1), h.table); err != nil {
		t.Fatalf("second Start: %v", err)
	}
}

func TestSetupAndTeardownPhases(t *testing.T) {
	h := newHarness(t, channel.Numbered(3))
	ctx := context.Background()

	r := twoStep(2)
	r.Setup = &recipe.Step{Label: "purge in", Duration: 2 * time.Second, Targets: channel.States{3: true}}
	r.Teardown = &recipe.Step{Label: "purge out", Duration: 4 * time.Second, Targets: channel.States{1: false, 2: false, 3: true}}

	_ = h.seq.Start(ctx, at(0), r, h.table)
	if st := h.seq.Snapshot(); st.Phase != recipe.PhaseSetup || st.EstimatedTotal != 22*time.Second {
		t.Fatalf("phase=%s estimate=%s", st.Phase, st.EstimatedTotal)
	}
	_ = h.seq.Tick(ctx, at(2))
	if st := h.seq.Snapshot(); st.Phase != recipe.PhaseCycle || st.StepLabel != "A" {
		t.Fatalf("phase=%s step=%s", st.Phase, st.StepLabel)
	}
	_ = h.seq.Tick(ctx, at(18))
	st := h.seq.Snapshot()
	if st.Phase != recipe.PhaseTeardown || st.CyclesDone != 2 || !h.sim.Coils()[3] {
		t.Fatalf("phase=%s cycles=%d coils=%v", st.Phase, st.CyclesDone, h.sim.Coils())
	}
	_ = h.seq.Tick(ctx, at(22))
	if h.seq.Status() != StatusCompleted {
		t.Fatalf("status = %s", h.seq.Status())
	}
}

func TestZeroLengthSinglePassCompletesOnStart(t *testing.T) {
	h := newHarness(t, channel.Numbered(2))
	r := &recipe.Recipe{Name: "blip", LoopCount: 1, Steps: []recipe.Step{
		{Targets: channel.States{1: true}},
		{Targets: channel.States{1: false}},
	}}
	if err := h.seq.Start(context.Background(), at(0), r, h.table); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.seq.Status() != StatusCompleted {
		t.Fatalf("status = %s, want completed", h.seq.Status())
	}
}

func TestRunStateJSON(t *testing.T) {
	h := newHarness(t, channel.Numbered(2))
	_ = h.seq.Start(context.Background(), at(0), twoStep(2), h.table)
	_ = h.seq.Tick(context.Background(), at(2.5))

	data, err := json.Marshal(h.seq.Snapshot())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["status"] != "running" || got["step_elapsed_s"] != 2.5 || got["estimated_total_s"] != 16.0 {
		t.Errorf("json = %s", data)
	}
	if _, ok := got["finished_at"]; ok {
		t.Error("finished_at should be omitted for a running run")
	}
}
