package sequencer

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/aldcvd/deposition-core/internal/channel"
	"github.com/aldcvd/deposition-core/internal/recipe"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusFaulted   Status = "faulted"
)

// Terminal reports whether no further transitions are possible without a
// reset.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusFaulted
}

// Active reports whether a run is in progress.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

// ErrInvalidTransition is returned for a command the current status does
// not allow.
var ErrInvalidTransition = errors.New("sequencer: invalid transition")

// RunState is a point-in-time view of the sequencer.
type RunState struct {
	RunID          string
	Recipe         string
	Status         Status
	Phase          recipe.Phase
	Cycle          int // 1-based loop iteration
	LoopCount      int
	CyclesDone     int
	StepIndex      int // 0-based index within the phase
	StepNumber     int // 1-based ordinal over the whole run
	StepCount      int
	StepLabel      string
	StepElapsed    time.Duration
	StepDuration   time.Duration
	TotalElapsed   time.Duration
	EstimatedTotal time.Duration
	StartedAt      time.Time
	FinishedAt     time.Time
	Channels       channel.States
	LastError      string
	RestoreErrors  []string
}

// Remaining is the planned time left, never negative.
func (s RunState) Remaining() time.Duration {
	if r := s.EstimatedTotal - s.TotalElapsed; r > 0 {
		return r
	}
	return 0
}

type runStateJSON struct {
	RunID           string         `json:"run_id,omitempty"`
	Recipe          string         `json:"recipe,omitempty"`
	Status          Status         `json:"status"`
	Phase           recipe.Phase   `json:"phase,omitempty"`
	Cycle           int            `json:"cycle"`
	LoopCount       int            `json:"loop_count"`
	CyclesDone      int            `json:"cycles_done"`
	StepIndex       int            `json:"step_index"`
	StepNumber      int            `json:"step_number"`
	StepCount       int            `json:"step_count"`
	StepLabel       string         `json:"step_label,omitempty"`
	StepElapsedSec  float64        `json:"step_elapsed_s"`
	StepDurationSec float64        `json:"step_duration_s"`
	TotalElapsedSec float64        `json:"total_elapsed_s"`
	EstimatedSec    float64        `json:"estimated_total_s"`
	RemainingSec    float64        `json:"remaining_s"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	Channels        channel.States `json:"channels"`
	LastError       string         `json:"last_error,omitempty"`
	RestoreErrors   []string       `json:"restore_errors,omitempty"`
}

// MarshalJSON renders durations as seconds for UI consumers.
func (s RunState) MarshalJSON() ([]byte, error) {
	out := runStateJSON{
		RunID:           s.RunID,
		Recipe:          s.Recipe,
		Status:          s.Status,
		Phase:           s.Phase,
		Cycle:           s.Cycle,
		LoopCount:       s.LoopCount,
		CyclesDone:      s.CyclesDone,
		StepIndex:       s.StepIndex,
		StepNumber:      s.StepNumber,
		StepCount:       s.StepCount,
		StepLabel:       s.StepLabel,
		StepElapsedSec:  s.StepElapsed.Seconds(),
		StepDurationSec: s.StepDuration.Seconds(),
		TotalElapsedSec: s.TotalElapsed.Seconds(),
		EstimatedSec:    s.EstimatedTotal.Seconds(),
		RemainingSec:    s.Remaining().Seconds(),
		Channels:        s.Channels,
		LastError:       s.LastError,
		RestoreErrors:   s.RestoreErrors,
	}
	if !s.StartedAt.IsZero() {
		t := s.StartedAt
		out.StartedAt = &t
	}
	if !s.FinishedAt.IsZero() {
		t := s.FinishedAt
		out.FinishedAt = &t
	}
	return json.Marshal(out)
}

// EventType names a sequencer event.
type EventType string

const (
	EventStarted   EventType = "run.started"
	EventStep      EventType = "run.step"
	EventPaused    EventType = "run.paused"
	EventResumed   EventType = "run.resumed"
	EventCompleted EventType = "run.completed"
	EventAborted   EventType = "run.aborted"
	EventFaulted   EventType = "run.faulted"
)

// Event is emitted on every status change and step change.
type Event struct {
	Type  EventType `json:"type"`
	State RunState  `json:"state"`
}

// Observer receives events synchronously from the goroutine driving the
// sequencer. It must not call back into the sequencer.
type Observer func(Event)
