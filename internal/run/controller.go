package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aldcvd/deposition-core/internal/audit"
	"github.com/aldcvd/deposition-core/internal/channel"
	"github.com/aldcvd/deposition-core/internal/infrastructure/mqtt"
	"github.com/aldcvd/deposition-core/internal/interlock"
	"github.com/aldcvd/deposition-core/internal/recipe"
	"github.com/aldcvd/deposition-core/internal/relay"
	"github.com/aldcvd/deposition-core/internal/sequencer"
)

// Default controller settings.
const (
	DefaultTickInterval = 100 * time.Millisecond
	defaultQueueSize    = 512
	subscriberBuffer    = 32
	repoTimeout         = 2 * time.Second
	shutdownTimeout     = 10 * time.Second
)

// Hub channels used for WebSocket broadcasts.
const (
	HubChannelRun     = "run"
	HubChannelChannel = "channel"
)

// Relay is the adapter surface the controller drives. *relay.Adapter
// satisfies it.
type Relay interface {
	sequencer.Relay
	SetWriteObserver(fn relay.WriteObserver)
}

// MQTTClient publishes run and channel state for remote consumers.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// WSHub broadcasts events to connected UI clients.
type WSHub interface {
	Broadcast(channel string, payload any)
}

// Telemetry records channel transitions and run events as time series.
type Telemetry interface {
	WriteChannelState(id int, label string, on bool, ts time.Time)
	WriteRunEvent(runID, recipeName, event, status string, step int, ts time.Time)
}

// Auditor records operator commands received over MQTT.
type Auditor interface {
	Create(ctx context.Context, e *audit.Entry) error
}

// Logger is the logging surface used by the controller.
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

// Options configures a Controller. Every field is optional.
type Options struct {
	Library      *recipe.Library
	Repo         Repository
	MQTT         MQTTClient
	Hub          WSHub
	Telemetry    Telemetry
	Audit        Auditor
	Metrics      *Metrics
	Logger       Logger
	TickInterval time.Duration
	Clock        func() time.Time
	QueueSize    int
}

// Event types published by the controller in addition to the sequencer's.
const (
	EventAcknowledged = "run.acknowledged"
	EventChannelState = "channel.state"
)

// Event is a state change published to subscribers and the UI hub.
type Event struct {
	Type    string              `json:"type"`
	Time    time.Time           `json:"time"`
	RunID   string              `json:"run_id,omitempty"`
	Run     *sequencer.RunState `json:"run,omitempty"`
	Channel *ChannelStateChange `json:"channel,omitempty"`
}

// ChannelStateChange describes one relay write.
type ChannelStateChange struct {
	ID    channel.ID `json:"id"`
	Label string     `json:"label"`
	On    bool       `json:"on"`
	Error string     `json:"error,omitempty"`
}

// Command is a remote control request received over MQTT.
type Command struct {
	Action   string `json:"action"`
	Recipe   string `json:"recipe,omitempty"`
	Operator string `json:"operator,omitempty"`
}

// Controller owns the sequencer for one relay device.
//
// Thread Safety: every exported method is safe for concurrent use. Commands
// and clock ticks are serialised by a single mutex.
type Controller struct {
	mu           sync.Mutex
	seq          *sequencer.Sequencer
	relay        Relay
	table        *interlock.Table
	record       *Record
	stepsApplied int

	library   *recipe.Library
	repo      Repository
	mqtt      MQTTClient
	hub       WSHub
	telemetry Telemetry
	audit     Auditor
	metrics   *Metrics
	logger    Logger
	interval  time.Duration
	clock     func() time.Time
	topics    mqtt.Topics

	queue chan func()

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// NewController creates a controller driving r under table.
func NewController(r Relay, table *interlock.Table, opts Options) (*Controller, error) {
	if r == nil {
		return nil, errors.New("run: relay is required")
	}
	if table == nil {
		return nil, fmt.Errorf("%w: no interlock table", interlock.ErrInvalidConfig)
	}

	c := &Controller{
		relay:     r,
		table:     table,
		library:   opts.Library,
		repo:      opts.Repo,
		mqtt:      opts.MQTT,
		hub:       opts.Hub,
		telemetry: opts.Telemetry,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		interval:  opts.TickInterval,
		clock:     opts.Clock,
		subs:      make(map[int]chan Event),
	}
	if c.logger == nil {
		c.logger = noopLogger{}
	}
	if c.interval <= 0 {
		c.interval = DefaultTickInterval
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	c.queue = make(chan func(), size)

	c.seq = sequencer.New(r,
		sequencer.WithObserver(c.onSequencerEvent),
		sequencer.WithLogger(c.logger),
		sequencer.WithClock(c.clock),
	)
	r.SetWriteObserver(c.onRelayWrite)
	return c, nil
}

// Run drives the sequencer clock and dispatches outbound notifications
// until ctx is cancelled. An active run is aborted on the way out so the
// board is left at its defaults.
func (c *Controller) Run(ctx context.Context) error {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.dispatch(stop)
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			close(stop)
			<-done
			return nil
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.seq.Tick(context.WithoutCancel(ctx), c.clock()); err != nil {
		c.logger.Debug("tick ended run", "error", err)
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.seq.Status().Active() {
		return
	}
	c.logger.Warn("shutting down with an active run, aborting", "run_id", c.seq.Snapshot().RunID)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.seq.Abort(ctx); err != nil {
		c.logger.Error("abort on shutdown failed", "error", err)
	}
}

// dispatch runs queued notifications in order until stop is closed, then
// drains whatever is left.
func (c *Controller) dispatch(stop <-chan struct{}) {
	for {
		select {
		case fn := <-c.queue:
			fn()
		case <-stop:
			for {
				select {
				case fn := <-c.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) enqueue(fn func()) {
	select {
	case c.queue <- fn:
	default:
		c.logger.Warn("notification queue full, dropping")
	}
}

// ─── Commands ───────────────────────────────────────────────────────────────

// Start begins r on the device.
//
// It returns ErrBusy while a run is active and ErrNotAcknowledged while a
// finished run awaits acknowledgement. Recipe and interlock errors are
// returned before any relay is touched.
func (c *Controller) Start(ctx context.Context, r *recipe.Recipe) (sequencer.RunState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch st := c.seq.Status(); {
	case st.Active():
		return c.seq.Snapshot(), ErrBusy
	case st.Terminal():
		return c.seq.Snapshot(), ErrNotAcknowledged
	}

	if err := c.seq.Start(context.WithoutCancel(ctx), c.clock(), r, c.table); err != nil {
		if c.seq.Status() == sequencer.StatusIdle {
			c.metrics.observeRejected()
		}
		return c.seq.Snapshot(), err
	}
	return c.seq.Snapshot(), nil
}

// StartByName starts a recipe from the library.
func (c *Controller) StartByName(ctx context.Context, name string) (sequencer.RunState, error) {
	if c.library == nil {
		return c.Status(), fmt.Errorf("%w: %s", recipe.ErrRecipeNotFound, name)
	}
	r, err := c.library.Get(name)
	if err != nil {
		return c.Status(), err
	}
	return c.Start(ctx, r)
}

// Pause freezes the running step.
func (c *Controller) Pause(_ context.Context) (sequencer.RunState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.seq.Pause(c.clock())
	return c.seq.Snapshot(), err
}

// Resume continues a paused run.
func (c *Controller) Resume(_ context.Context) (sequencer.RunState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.seq.Resume(c.clock())
	return c.seq.Snapshot(), err
}

// Abort stops the active run and returns once every channel has been driven
// to its default (or the attempt has timed out). With no run in progress it
// still restores the defaults and leaves an Aborted state to acknowledge.
func (c *Controller) Abort(ctx context.Context) (sequencer.RunState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.seq.Abort(context.WithoutCancel(ctx))
	return c.seq.Snapshot(), err
}

// Acknowledge archives a terminal run and returns the controller to Idle.
//
// A faulted run is only released once the board reads back successfully and
// sits at its default states; otherwise ErrDeviceUnreachable is returned and
// the run stays Faulted.
func (c *Controller) Acknowledge(ctx context.Context) (sequencer.RunState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.seq.Status()
	switch {
	case st.Active():
		return c.seq.Snapshot(), ErrBusy
	case !st.Terminal():
		return c.seq.Snapshot(), ErrNothingToAcknowledge
	}

	hwCtx := context.WithoutCancel(ctx)
	if st == sequencer.StatusFaulted {
		if err := c.confirmReachable(hwCtx); err != nil {
			c.logger.Warn("acknowledge refused", "error", err)
			return c.seq.Snapshot(), err
		}
	}

	finished := c.seq.Snapshot()
	now := c.clock()
	if c.record != nil {
		c.record.AcknowledgedAt = &now
		c.persist(false, c.record)
		c.record = nil
	}
	if err := c.seq.Reset(); err != nil {
		return finished, err
	}

	idle := c.seq.Snapshot()
	c.metrics.setStatus(idle.Status)
	c.logger.Info("run acknowledged", "run_id", finished.RunID, "status", string(finished.Status))
	c.publish(Event{Type: EventAcknowledged, Time: now, RunID: finished.RunID, Run: &idle})
	return idle, nil
}

// confirmReachable reads the board back and, if it is not at its defaults,
// makes one more restoration pass.
func (c *Controller) confirmReachable(ctx context.Context) error {
	states, err := c.relay.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnreachable, err)
	}
	defaults := c.relay.Bank().Defaults()
	if len(states.Diff(defaults)) == 0 {
		return nil
	}
	c.logger.Warn("board not at defaults after fault, restoring", "state", states.String())
	if errs := c.relay.RestoreDefaults(ctx); len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrDeviceUnreachable, errors.Join(errs...))
	}
	return nil
}

// HandleCommand executes a remote command.
func (c *Controller) HandleCommand(ctx context.Context, cmd Command) (sequencer.RunState, error) {
	switch cmd.Action {
	case "start":
		return c.StartByName(ctx, cmd.Recipe)
	case "pause":
		return c.Pause(ctx)
	case "resume":
		return c.Resume(ctx)
	case "abort":
		return c.Abort(ctx)
	case "acknowledge":
		return c.Acknowledge(ctx)
	default:
		return c.Status(), fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Action)
	}
}

// HandleMessage is an MQTT handler for the run command topic.
func (c *Controller) HandleMessage(topic string, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("parsing command on %s: %w", topic, err)
	}
	state, err := c.HandleCommand(context.Background(), cmd)
	if c.audit != nil {
		entry := audit.Command(cmd.Action, audit.SourceMQTT, cmd.Operator, state.RunID, err)
		if cmd.Recipe != "" {
			entry.Details = map[string]any{"recipe": cmd.Recipe}
		}
		actx, cancel := context.WithTimeout(context.Background(), repoTimeout)
		if aerr := c.audit.Create(actx, entry); aerr != nil {
			c.logger.Warn("recording audit entry", "action", cmd.Action, "error", aerr)
		}
		cancel()
	}
	if err != nil {
		c.logger.Warn("remote command rejected", "action", cmd.Action, "status", string(state.Status), "error", err)
		return err
	}
	c.logger.Info("remote command applied", "action", cmd.Action, "status", string(state.Status))
	return nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Status returns a snapshot of the current run.
func (c *Controller) Status() sequencer.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.Snapshot()
}

// ChannelView is one relay channel with its last written state. Known is
// false until the channel has been written or read back successfully.
type ChannelView struct {
	channel.Channel
	On    bool `json:"on"`
	Known bool `json:"known"`
}

// Channels returns every channel of the bank in ID order.
func (c *Controller) Channels() []ChannelView {
	mirror := c.relay.Snapshot()
	chans := c.relay.Bank().Channels()
	out := make([]ChannelView, len(chans))
	for i, ch := range chans {
		on, known := mirror[ch.ID]
		out[i] = ChannelView{Channel: ch, On: on, Known: known}
	}
	return out
}

// Table returns the interlock table runs are validated against.
func (c *Controller) Table() *interlock.Table { return c.table }

// Library returns the recipe library, which may be nil.
func (c *Controller) Library() *recipe.Library { return c.library }

// History returns the most recent archived runs.
func (c *Controller) History(ctx context.Context, limit int) ([]Record, error) {
	if c.repo == nil {
		return []Record{}, nil
	}
	return c.repo.ListRuns(ctx, limit)
}

// Record returns one run from the history.
func (c *Controller) Record(ctx context.Context, id string) (*Record, error) {
	if c.repo == nil {
		return nil, ErrRunNotFound
	}
	return c.repo.GetRun(ctx, id)
}

// Subscribe returns a channel of events and a cancel func. Slow subscribers
// miss events rather than blocking the controller.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, subscriberBuffer)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(ch)
		})
	}
}

// ─── Event fan-out ──────────────────────────────────────────────────────────

// onSequencerEvent runs with c.mu held.
func (c *Controller) onSequencerEvent(ev sequencer.Event) {
	c.metrics.observeEvent(ev)

	state := ev.State
	switch ev.Type {
	case sequencer.EventStarted:
		c.stepsApplied = 0
		c.record = recordFromState(state, 0)
		c.persist(true, c.record)
	case sequencer.EventStep:
		c.stepsApplied++
	case sequencer.EventCompleted, sequencer.EventAborted, sequencer.EventFaulted:
		c.record = recordFromState(state, c.stepsApplied)
		c.persist(false, c.record)
	}

	c.publish(Event{Type: string(ev.Type), Time: c.clock(), RunID: state.RunID, Run: &state})
}

// onRelayWrite is called from inside relay writes, which already run under
// c.mu; it must not take the controller lock.
func (c *Controller) onRelayWrite(id channel.ID, on bool, err error, took time.Duration) {
	c.metrics.observeWrite(id, on, err, took)

	change := &ChannelStateChange{ID: id, Label: c.relay.Bank().Label(id), On: on}
	if err != nil {
		change.Error = err.Error()
	}
	c.publish(Event{Type: EventChannelState, Time: c.clock(), Channel: change})
}

func (c *Controller) publish(ev Event) {
	c.subMu.Lock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	c.subMu.Unlock()

	if c.mqtt == nil && c.hub == nil && c.telemetry == nil {
		return
	}
	c.enqueue(func() { c.deliver(ev) })
}

// deliver runs on the dispatch goroutine.
func (c *Controller) deliver(ev Event) {
	switch {
	case ev.Channel != nil:
		c.deliverChannel(ev)
	case ev.Run != nil:
		c.deliverRun(ev)
	}
}

func (c *Controller) deliverRun(ev Event) {
	if c.hub != nil {
		c.hub.Broadcast(HubChannelRun, ev)
	}
	if c.telemetry != nil {
		c.telemetry.WriteRunEvent(ev.RunID, ev.Run.Recipe, ev.Type, string(ev.Run.Status), ev.Run.StepNumber, ev.Time)
	}
	if c.mqtt == nil {
		return
	}
	status, err := json.Marshal(ev.Run)
	if err != nil {
		c.logger.Error("marshalling run state", "error", err)
		return
	}
	if pubErr := c.mqtt.Publish(c.topics.RunStatus(), status, 1, true); pubErr != nil {
		c.logger.Warn("publishing run status", "error", pubErr)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("marshalling run event", "error", err)
		return
	}
	if pubErr := c.mqtt.Publish(c.topics.RunEvent(ev.Type), payload, 1, false); pubErr != nil {
		c.logger.Warn("publishing run event", "type", ev.Type, "error", pubErr)
	}
}

func (c *Controller) deliverChannel(ev Event) {
	if c.hub != nil {
		c.hub.Broadcast(HubChannelChannel, ev)
	}
	ch := ev.Channel
	if ch.Error != "" {
		return
	}
	if c.telemetry != nil {
		c.telemetry.WriteChannelState(int(ch.ID), ch.Label, ch.On, ev.Time)
	}
	if c.mqtt == nil {
		return
	}
	payload, err := json.Marshal(ch)
	if err != nil {
		c.logger.Error("marshalling channel state", "error", err)
		return
	}
	if pubErr := c.mqtt.Publish(c.topics.ChannelState(int(ch.ID)), payload, 1, true); pubErr != nil {
		c.logger.Warn("publishing channel state", "channel", ch.ID.String(), "error", pubErr)
	}
}

func (c *Controller) persist(create bool, rec *Record) {
	if c.repo == nil || rec == nil || rec.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()

	var err error
	if create {
		err = c.repo.CreateRun(ctx, rec)
	} else {
		err = c.repo.UpdateRun(ctx, rec)
	}
	if err != nil {
		c.logger.Error("persisting run record", "run_id", rec.ID, "error", err)
	}
}
