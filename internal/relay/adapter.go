// Package relay drives the digital outputs of a USB relay board.
//
// Device is the minimal capability a board driver provides. Adapter wraps
// a Device and owns the single authoritative mirror of the last logical
// state written to each channel. It translates logical states to coil
// states for normally-open wiring, bounds every call with an I/O timeout,
// and can reconcile its mirror by reading the board back.
//
// Two drivers are built in: an in-memory simulator with fault injection and
// an LCUS-style serial board. HID boards are not supported here.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aldcvd/deposition-core/internal/channel"
)

// DefaultIOTimeout bounds a single device call when no timeout is configured.
const DefaultIOTimeout = 500 * time.Millisecond

// Device is a relay board driver.
//
// SetChannel and ReadChannel take physical coil states: true means the coil
// is energised. Implementations need not be safe for concurrent use; the
// Adapter serialises access.
type Device interface {
	SetChannel(ctx context.Context, id channel.ID, on bool) error
	ReadChannel(ctx context.Context, id channel.ID) (bool, error)
	Close() error
}

// StatusReader is implemented by drivers that report every channel in one
// exchange. States are physical coil states; channels the board did not
// report are absent.
type StatusReader interface {
	ReadAll(ctx context.Context) (channel.States, error)
}

// Logger is the logging interface used by the adapter.
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

// WriteObserver is notified after every SetChannel attempt.
type WriteObserver func(id channel.ID, on bool, err error, took time.Duration)

// WriteOrder sequences a batch of writes so the board never passes through
// a forbidden state. *interlock.Table implements it.
type WriteOrder interface {
	Order(current, changes channel.States) []channel.ID
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the per-call I/O timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger sets the adapter logger.
func WithLogger(l Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithWriteOrder sets the ordering RestoreDefaults uses. Without one,
// OFF writes go before ON writes.
func WithWriteOrder(o WriteOrder) Option {
	return func(a *Adapter) { a.order = o }
}

// WithWriteObserver registers a callback for every write attempt.
func WithWriteObserver(fn WriteObserver) Option {
	return func(a *Adapter) { a.onWrite = fn }
}

// Adapter is the logical view of one relay board.
//
// Thread Safety: all methods are safe for concurrent use. Device calls are
// serialised.
type Adapter struct {
	dev     Device
	bank    *channel.Bank
	timeout time.Duration
	logger  Logger
	onWrite WriteObserver
	order   WriteOrder

	io sync.Mutex // serialises device calls

	mu     sync.RWMutex
	mirror channel.States
}

// NewAdapter wraps dev for the channels of bank. The mirror starts empty;
// call Reconcile to learn the board's state.
func NewAdapter(dev Device, bank *channel.Bank, opts ...Option) *Adapter {
	a := &Adapter{
		dev:     dev,
		bank:    bank,
		timeout: DefaultIOTimeout,
		logger:  noopLogger{},
		mirror:  make(channel.States),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetWriteObserver replaces the write observer. A nil fn removes it.
func (a *Adapter) SetWriteObserver(fn WriteObserver) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onWrite = fn
}

// Bank returns the channel bank.
func (a *Adapter) Bank() *channel.Bank { return a.bank }

// SetChannel writes a logical state. On success the mirror is updated. On
// failure the channel is dropped from the mirror since its real state is no
// longer known.
func (a *Adapter) SetChannel(ctx context.Context, id channel.ID, on bool) error {
	ch, ok := a.bank.Get(id)
	if !ok {
		return hwErr("set", id, ErrUnknownChannel)
	}
	coil := on != ch.Inverted

	start := time.Now()
	err := a.call(ctx, func(ctx context.Context) error {
		return a.dev.SetChannel(ctx, id, coil)
	})
	a.mu.RLock()
	onWrite := a.onWrite
	a.mu.RUnlock()
	if onWrite != nil {
		onWrite(id, on, err, time.Since(start))
	}

	a.mu.Lock()
	if err != nil {
		delete(a.mirror, id)
	} else {
		a.mirror[id] = on
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Error("relay write failed", "channel", int(id), "on", on, "error", err)
		return hwErr("set", id, err)
	}
	a.logger.Debug("relay write", "channel", int(id), "on", on)
	return nil
}

// ReadChannel reads the logical state of a channel from the board.
// The mirror is not modified.
func (a *Adapter) ReadChannel(ctx context.Context, id channel.ID) (bool, error) {
	ch, ok := a.bank.Get(id)
	if !ok {
		return false, hwErr("read", id, ErrUnknownChannel)
	}
	var coil bool
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		coil, err = a.dev.ReadChannel(ctx, id)
		return err
	})
	if err != nil {
		return false, hwErr("read", id, err)
	}
	return coil != ch.Inverted, nil
}

// Snapshot returns a copy of the mirror. Channels whose state is unknown
// are absent.
func (a *Adapter) Snapshot() channel.States {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mirror.Clone()
}

// Known reports whether every channel of the bank has a mirrored state.
func (a *Adapter) Known() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.mirror) == a.bank.Len()
}

// Reconcile reads every channel back and replaces the mirror with what the
// board reports. Channels that cannot be read are left out of the mirror.
// It returns the reconciled state and the joined read errors.
//
// Drivers implementing StatusReader are queried once for the whole board;
// others are read channel by channel.
func (a *Adapter) Reconcile(ctx context.Context) (channel.States, error) {
	var (
		read channel.States
		errs []error
	)
	if sr, ok := a.dev.(StatusReader); ok {
		read, errs = a.readAll(ctx, sr)
	} else {
		read = make(channel.States, a.bank.Len())
		for _, id := range a.bank.IDs() {
			on, err := a.ReadChannel(ctx, id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			read[id] = on
		}
	}

	a.mu.Lock()
	drift := a.mirror.Diff(read)
	a.mirror = read.Clone()
	a.mu.Unlock()

	if len(drift) > 0 {
		a.logger.Warn("relay mirror drift corrected", "channels", drift.String())
	}
	return read, errors.Join(errs...)
}

func (a *Adapter) readAll(ctx context.Context, sr StatusReader) (channel.States, []error) {
	var coils channel.States
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		coils, err = sr.ReadAll(ctx)
		return err
	})

	read := make(channel.States, a.bank.Len())
	var errs []error
	for _, ch := range a.bank.Channels() {
		if err != nil {
			errs = append(errs, hwErr("read", ch.ID, err))
			continue
		}
		coil, ok := coils[ch.ID]
		if !ok {
			errs = append(errs, hwErr("read", ch.ID, fmt.Errorf("%w: no status for %s", ErrProtocol, ch.ID)))
			continue
		}
		read[ch.ID] = coil != ch.Inverted
	}
	return read, errs
}

// RestoreDefaults drives every channel to its default state, attempting
// all of them even when some fail. Every channel is written, in the
// configured write order. It returns one error per failed channel.
func (a *Adapter) RestoreDefaults(ctx context.Context) []error {
	defaults := a.bank.Defaults()
	order := defaults.BreakBeforeMake()
	if a.order != nil {
		order = a.order.Order(a.Snapshot(), defaults)
	}

	var errs []error
	for _, id := range order {
		if err := a.SetChannel(ctx, id, defaults[id]); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Close closes the underlying device.
func (a *Adapter) Close() error {
	a.io.Lock()
	defer a.io.Unlock()
	return a.dev.Close()
}

// call runs fn with the I/O timeout. A driver that ignores its context is
// abandoned after the timeout and reported as ErrTimeout; it keeps the I/O
// lock until it returns, and calls queued behind it give up without touching
// the device once their own deadline has passed.
func (a *Adapter) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		a.io.Lock()
		defer a.io.Unlock()
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- fn(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
