package run

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aldcvd/deposition-core/internal/channel"
	"github.com/aldcvd/deposition-core/internal/sequencer"
)

// Metrics holds the Prometheus collectors for one controller. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	steps         prometheus.Counter
	rejected      prometheus.Counter
	status        *prometheus.GaugeVec
	relayWrites   *prometheus.CounterVec
	relayLatency  prometheus.Histogram
	runDuration   prometheus.Histogram
	channelStates *prometheus.GaugeVec
}

var allStatuses = []sequencer.Status{
	sequencer.StatusIdle,
	sequencer.StatusRunning,
	sequencer.StatusPaused,
	sequencer.StatusCompleted,
	sequencer.StatusAborted,
	sequencer.StatusFaulted,
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deposition_runs_started_total",
				Help: "Runs started, by recipe.",
			},
			[]string{"recipe"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deposition_runs_finished_total",
				Help: "Runs reaching a terminal status, by recipe and status.",
			},
			[]string{"recipe", "status"},
		),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deposition_steps_applied_total",
			Help: "Recipe steps applied to the relay board.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deposition_recipes_rejected_total",
			Help: "Start requests rejected by recipe or interlock validation.",
		}),
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "deposition_run_status",
				Help: "1 for the current run status, 0 otherwise.",
			},
			[]string{"status"},
		),
		relayWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deposition_relay_writes_total",
				Help: "Relay channel writes, by channel and result.",
			},
			[]string{"channel", "result"},
		),
		relayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deposition_relay_write_duration_seconds",
			Help:    "Latency of relay channel writes.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deposition_run_duration_seconds",
			Help:    "Active (unpaused) duration of finished runs.",
			Buckets: prometheus.ExponentialBuckets(10, 3, 8),
		}),
		channelStates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "deposition_channel_on",
				Help: "Last written logical state per channel (1 = ON).",
			},
			[]string{"channel"},
		),
	}
	reg.MustRegister(
		m.runsStarted, m.runsFinished, m.steps, m.rejected, m.status,
		m.relayWrites, m.relayLatency, m.runDuration, m.channelStates,
	)
	m.setStatus(sequencer.StatusIdle)
	return m
}

func (m *Metrics) setStatus(s sequencer.Status) {
	if m == nil {
		return
	}
	for _, st := range allStatuses {
		v := 0.0
		if st == s {
			v = 1
		}
		m.status.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) observeEvent(ev sequencer.Event) {
	if m == nil {
		return
	}
	m.setStatus(ev.State.Status)
	switch ev.Type {
	case sequencer.EventStarted:
		m.runsStarted.WithLabelValues(ev.State.Recipe).Inc()
	case sequencer.EventStep:
		m.steps.Inc()
	case sequencer.EventCompleted, sequencer.EventAborted, sequencer.EventFaulted:
		m.runsFinished.WithLabelValues(ev.State.Recipe, string(ev.State.Status)).Inc()
		m.runDuration.Observe(ev.State.TotalElapsed.Seconds())
	}
}

func (m *Metrics) observeRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Metrics) observeWrite(id channel.ID, on bool, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.relayWrites.WithLabelValues(id.String(), result).Inc()
	m.relayLatency.Observe(took.Seconds())
	if err == nil {
		v := 0.0
		if on {
			v = 1
		}
		m.channelStates.WithLabelValues(id.String()).Set(v)
	}
}
