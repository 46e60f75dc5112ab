package run

import (
	"time"

	"github.com/aldcvd/deposition-core/internal/sequencer"
)

// Record is the archived summary of one run.
type Record struct {
	ID             string           `json:"id"`
	Recipe         string           `json:"recipe"`
	Status         sequencer.Status `json:"status"`
	LoopCount      int              `json:"loop_count"`
	CyclesDone     int              `json:"cycles_done"`
	StepsApplied   int              `json:"steps_applied"`
	Estimated      time.Duration    `json:"-"`
	Elapsed        time.Duration    `json:"-"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
	AcknowledgedAt *time.Time       `json:"acknowledged_at,omitempty"`
	LastError      *string          `json:"last_error,omitempty"`
	RestoreErrors  []string         `json:"restore_errors,omitempty"`

	// JSON-friendly durations, filled by the repository scan.
	EstimatedSec float64 `json:"estimated_s"`
	ElapsedSec   float64 `json:"elapsed_s"`
}

// Ending maps a terminal status onto the run log's ending reason.
func (r *Record) Ending() string {
	switch r.Status {
	case sequencer.StatusCompleted:
		return "normal"
	case sequencer.StatusAborted:
		return "aborted"
	case sequencer.StatusFaulted:
		return "faulted"
	default:
		return ""
	}
}

// recordFromState builds a record from a sequencer snapshot.
func recordFromState(s sequencer.RunState, stepsApplied int) *Record {
	rec := &Record{
		ID:           s.RunID,
		Recipe:       s.Recipe,
		Status:       s.Status,
		LoopCount:    s.LoopCount,
		CyclesDone:   s.CyclesDone,
		StepsApplied: stepsApplied,
		Estimated:    s.EstimatedTotal,
		Elapsed:      s.TotalElapsed,
		StartedAt:    s.StartedAt,
	}
	if !s.FinishedAt.IsZero() {
		t := s.FinishedAt
		rec.FinishedAt = &t
	}
	if s.LastError != "" {
		msg := s.LastError
		rec.LastError = &msg
	}
	if len(s.RestoreErrors) > 0 {
		rec.RestoreErrors = append([]string(nil), s.RestoreErrors...)
	}
	rec.fillSeconds()
	return rec
}

func (r *Record) fillSeconds() {
	r.EstimatedSec = r.Estimated.Seconds()
	r.ElapsedSec = r.Elapsed.Seconds()
}
