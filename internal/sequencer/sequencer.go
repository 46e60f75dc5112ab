// Package sequencer executes a recipe against a relay board.
//
// The Sequencer is a clock-driven state machine:
//
//	Idle ──Start──▶ Running ◀──Resume── Paused
//	                   │  └────Pause─────▶ │
//	                   ▼                   ▼
//	      Completed / Aborted / Faulted (terminal)
//
// It never sleeps or starts goroutines. The caller supplies the current time
// to Start, Tick, Pause and Resume, and elapsed time is measured between
// those calls. Steps are applied by validating the target state against the
// interlock table and then writing only the channels that change, in an
// order chosen by the table so no intermediate board state breaks a rule.
//
// Any write failure moves the run to Faulted exactly once, followed by a
// single best-effort pass restoring every channel to its default state.
//
// Thread Safety: a Sequencer is not safe for concurrent use. The run
// controller serialises every call.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aldcvd/deposition-core/internal/channel"
	"github.com/aldcvd/deposition-core/internal/interlock"
	"github.com/aldcvd/deposition-core/internal/recipe"
)

// Relay is the view of the relay adapter the sequencer drives.
type Relay interface {
	Bank() *channel.Bank
	SetChannel(ctx context.Context, id channel.ID, on bool) error
	Snapshot() channel.States
	RestoreDefaults(ctx context.Context) []error
	Reconcile(ctx context.Context) (channel.States, error)
}

// Logger is the logging interface used by the sequencer.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithObserver registers the event observer.
func WithObserver(o Observer) Option {
	return func(s *Sequencer) { s.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the clock Abort uses, since it takes no explicit time.
func WithClock(now func() time.Time) Option {
	return func(s *Sequencer) {
		if now != nil {
			s.clock = now
		}
	}
}

// Sequencer runs one recipe at a time on one relay board.
type Sequencer struct {
	relay    Relay
	observer Observer
	logger   Logger
	clock    func() time.Time

	status     Status
	runID      string
	recipe     *recipe.Recipe
	table      *interlock.Table
	pos        recipe.Position
	stepNumber int
	elapsed    time.Duration
	total      time.Duration
	lastTick   time.Time
	startedAt  time.Time
	finishedAt time.Time
	lastErr    error
	restoreErr []error
}

// New creates an idle sequencer driving relay.
func New(relay Relay, opts ...Option) *Sequencer {
	s := &Sequencer{
		relay:  relay,
		logger: noopLogger{},
		clock:  time.Now,
		status: StatusIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns the current status.
func (s *Sequencer) Status() Status { return s.status }

// Start validates r against table and begins the run at now.
//
// Validation failures return an error wrapping recipe.ErrInvalidRecipe (or
// interlock.ErrInvalidConfig for a nil table) and leave the sequencer Idle
// without touching hardware. Once validation passes the run is Running and
// the first step is applied; if that write fails the run is Faulted and the
// hardware error is returned.
func (s *Sequencer) Start(ctx context.Context, now time.Time, r *recipe.Recipe, table *interlock.Table) error {
	if s.status != StatusIdle {
		return s.transitionErr("start")
	}
	if table == nil {
		return fmt.Errorf("%w: no interlock table", interlock.ErrInvalidConfig)
	}
	if r == nil {
		return fmt.Errorf("%w: no recipe", recipe.ErrInvalidRecipe)
	}
	if err := r.Validate(table); err != nil {
		return err
	}
	if err := r.ValidateFrom(table, s.relay.Snapshot()); err != nil {
		return err
	}

	s.runID = uuid.NewString()
	s.recipe = r.DeepCopy()
	s.table = table
	s.pos = s.recipe.First()
	s.stepNumber = 1
	s.elapsed = 0
	s.total = 0
	s.lastTick = now
	s.startedAt = now
	s.finishedAt = time.Time{}
	s.lastErr = nil
	s.restoreErr = nil
	s.status = StatusRunning

	s.logger.Info("run started", "run_id", s.runID, "recipe", s.recipe.Name,
		"loop_count", s.recipe.LoopCount, "estimated", s.recipe.TotalDuration().String())
	s.emit(EventStarted)

	if err := s.apply(ctx); err != nil {
		return err
	}
	s.emit(EventStep)
	return s.advance(ctx)
}

// Tick advances the run to now. It is a no-op unless Running.
//
// Time beyond the end of a step carries into the next step. At most one
// recipe's worth of steps is applied per call; any remaining overshoot is
// consumed on the following ticks.
func (s *Sequencer) Tick(ctx context.Context, now time.Time) error {
	if s.status != StatusRunning {
		return nil
	}
	s.accumulate(now)
	return s.advance(ctx)
}

// Pause freezes step timing at now. Outputs are left as they are.
func (s *Sequencer) Pause(now time.Time) error {
	if s.status != StatusRunning {
		return s.transitionErr("pause")
	}
	s.accumulate(now)
	s.status = StatusPaused
	s.logger.Info("run paused", "run_id", s.runID, "step", s.stepLabel())
	s.emit(EventPaused)
	return nil
}

// Resume continues a paused run from its frozen position. Time spent paused
// is excluded from every elapsed counter.
func (s *Sequencer) Resume(now time.Time) error {
	if s.status != StatusPaused {
		return s.transitionErr("resume")
	}
	s.lastTick = now
	s.status = StatusRunning
	s.logger.Info("run resumed", "run_id", s.runID, "step", s.stepLabel())
	s.emit(EventResumed)
	return nil
}

// Abort drives every channel to its default state, attempting all channels
// even if some fail. It is valid from Idle, Running and Paused; from Idle it
// acts as an emergency stop with no run attached.
//
// The sequencer ends Aborted when every restore write succeeds and Faulted
// otherwise, with the restore failures recorded.
func (s *Sequencer) Abort(ctx context.Context) error {
	if s.status.Terminal() {
		return s.transitionErr("abort")
	}
	now := s.clock()
	switch s.status {
	case StatusRunning:
		s.accumulate(now)
	case StatusIdle:
		s.startedAt = now
		s.lastTick = now
	default:
		s.lastTick = now
	}

	errs := s.relay.RestoreDefaults(ctx)
	if len(errs) > 0 {
		s.fault(ctx, fmt.Errorf("abort: restoring defaults: %w", errors.Join(errs...)), errs)
		return s.lastErr
	}

	s.finish(StatusAborted)
	s.logger.Warn("run aborted", "run_id", s.runID, "step", s.stepLabel())
	s.emit(EventAborted)
	return nil
}

// Reset returns a terminal sequencer to Idle so a new run may start.
func (s *Sequencer) Reset() error {
	if !s.status.Terminal() {
		return s.transitionErr("reset")
	}
	*s = Sequencer{
		relay:    s.relay,
		observer: s.observer,
		logger:   s.logger,
		clock:    s.clock,
		status:   StatusIdle,
	}
	return nil
}

// Err returns the error that faulted the run, if any.
func (s *Sequencer) Err() error { return s.lastErr }

// Snapshot returns the current run state.
func (s *Sequencer) Snapshot() RunState {
	st := RunState{
		RunID:         s.runID,
		Status:        s.status,
		StartedAt:     s.startedAt,
		FinishedAt:    s.finishedAt,
		TotalElapsed:  s.total,
		StepElapsed:   s.elapsed,
		StepNumber:    s.stepNumber,
		Channels:      s.relay.Snapshot(),
		RestoreErrors: errorStrings(s.restoreErr),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if s.recipe == nil {
		return st
	}

	r := s.recipe
	st.Recipe = r.Name
	st.LoopCount = r.LoopCount
	st.StepCount = r.StepCount()
	st.EstimatedTotal = r.TotalDuration()
	st.Phase = s.pos.Phase
	st.StepIndex = s.pos.Index
	st.StepLabel = r.Label(s.pos)
	st.StepDuration = r.StepAt(s.pos).Duration
	st.Cycle = s.pos.Loop + 1
	st.CyclesDone = s.cyclesDone()
	if st.StepElapsed > st.StepDuration && s.status.Terminal() {
		st.StepElapsed = st.StepDuration
	}
	return st
}

// stepLabel is empty when no recipe is loaded.
func (s *Sequencer) stepLabel() string {
	if s.recipe == nil {
		return ""
	}
	return s.recipe.Label(s.pos)
}

func (s *Sequencer) cyclesDone() int {
	switch {
	case s.status == StatusCompleted:
		return s.recipe.LoopCount
	case s.pos.Phase == recipe.PhaseTeardown:
		return s.recipe.LoopCount
	case s.pos.Phase == recipe.PhaseCycle:
		return s.pos.Loop
	}
	return 0
}

func (s *Sequencer) accumulate(now time.Time) {
	delta := now.Sub(s.lastTick)
	if delta < 0 {
		delta = 0
	}
	s.lastTick = now
	s.elapsed += delta
	s.total += delta
}

// advance moves through every step whose duration has fully elapsed.
func (s *Sequencer) advance(ctx context.Context) error {
	budget := len(s.recipe.Steps) + 2
	for s.status == StatusRunning && budget > 0 {
		dur := s.recipe.StepAt(s.pos).Duration
		if s.elapsed < dur {
			return nil
		}
		s.elapsed -= dur

		next, ok := s.recipe.Next(s.pos)
		if !ok {
			return s.complete(ctx)
		}
		s.pos = next
		s.stepNumber++
		budget--

		if err := s.apply(ctx); err != nil {
			return err
		}
		s.emit(EventStep)
	}
	return nil
}

// apply writes the current step's targets. Only channels whose mirrored
// state differs, or is unknown, are written.
func (s *Sequencer) apply(ctx context.Context) error {
	step := s.recipe.StepAt(s.pos)
	current := s.relay.Snapshot()

	if _, err := s.table.Validate(current, step.Targets); err != nil {
		s.fault(ctx, fmt.Errorf("step %q: %w", s.recipe.Label(s.pos), err), nil)
		return s.lastErr
	}

	changes := make(channel.States)
	for id, on := range step.Targets {
		if v, known := current[id]; !known || v != on {
			changes[id] = on
		}
	}

	for _, id := range s.table.Order(current, changes) {
		if err := s.relay.SetChannel(ctx, id, changes[id]); err != nil {
			s.fault(ctx, fmt.Errorf("step %q: %w", s.recipe.Label(s.pos), err), nil)
			return s.lastErr
		}
	}

	s.logger.Debug("step applied", "run_id", s.runID, "step", s.recipe.Label(s.pos),
		"cycle", s.pos.Loop+1, "changes", changes.String())
	return nil
}

// complete restores defaults after the final step and ends the run.
func (s *Sequencer) complete(ctx context.Context) error {
	errs := s.relay.RestoreDefaults(ctx)
	if len(errs) > 0 {
		s.fault(ctx, fmt.Errorf("completion: restoring defaults: %w", errors.Join(errs...)), errs)
		return s.lastErr
	}
	// The run ended when the last step did, not when the tick noticed.
	overshoot := s.elapsed
	s.total -= overshoot
	s.lastTick = s.lastTick.Add(-overshoot)
	s.elapsed = s.recipe.StepAt(s.pos).Duration
	s.finish(StatusCompleted)
	s.logger.Info("run completed", "run_id", s.runID, "recipe", s.recipe.Name, "elapsed", s.total.String())
	s.emit(EventCompleted)
	return nil
}

// fault moves the run to Faulted. It runs at most once per run. When
// restoreErrs is nil a restoration pass is made here; a caller that already
// made its restoration pass passes that pass's errors instead.
func (s *Sequencer) fault(ctx context.Context, cause error, restoreErrs []error) {
	if s.status == StatusFaulted {
		return
	}
	s.lastErr = cause
	s.finish(StatusFaulted)
	s.logger.Error("run faulted", "run_id", s.runID, "error", cause)

	if restoreErrs == nil {
		restoreErrs = s.relay.RestoreDefaults(ctx)
	}
	s.restoreErr = restoreErrs
	for _, err := range restoreErrs {
		s.logger.Error("restore to default failed", "run_id", s.runID, "error", err)
	}

	if _, err := s.relay.Reconcile(ctx); err != nil {
		s.logger.Warn("relay read-back after fault incomplete", "run_id", s.runID, "error", err)
	}
	s.emit(EventFaulted)
}

func (s *Sequencer) finish(status Status) {
	s.status = status
	s.finishedAt = s.lastTick
}

func (s *Sequencer) emit(t EventType) {
	if s.observer != nil {
		s.observer(Event{Type: t, State: s.Snapshot()})
	}
}

func (s *Sequencer) transitionErr(op string) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, op, s.status)
}

func errorStrings(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}
