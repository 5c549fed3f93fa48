// Package trigger runs decisions off the caller's goroutine. Platform events
// are queued, decided one at a time, journaled and then dispatched.
package trigger

//go:generate go run go.uber.org/mock/mockgen -package trigger -destination dispatcher_mock_test.go github.com/g960059/simslot/internal/trigger Dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/tomb.v2"

	"github.com/g960059/simslot/internal/model"
	"github.com/g960059/simslot/internal/platform"
	"github.com/g960059/simslot/internal/slotengine"
)

var logger = loggo.GetLogger("simslot.trigger")

const (
	ErrQueueFull = errors.ConstError("trigger queue full")
	ErrStopped   = errors.ConstError("trigger worker stopped")
)

const defaultQueueSize = 16

type Decider interface {
	Decide(ctx context.Context, trigger model.Trigger) model.Decision
}

// Journal records a decision before its action is dispatched.
type Journal interface {
	InsertDecision(ctx context.Context, d model.Decision) (string, error)
	MarkDispatched(ctx context.Context, decisionID string, at time.Time, dispatchErr error) error
}

// Dispatcher executes an action. The outcome is recorded but never fed back
// into a decision.
type Dispatcher interface {
	Dispatch(ctx context.Context, decisionID string, action model.Action) error
}

type Metrics interface {
	ObserveDecision(d model.Decision, took time.Duration)
	DispatchFailed(action model.Action)
	SetQueueDepth(n int)
}

type HealthRecorder interface {
	Record(success bool, now time.Time) platform.HealthState
}

type Config struct {
	Decider    Decider
	Journal    Journal
	Dispatcher Dispatcher
	Metrics    Metrics
	Health     HealthRecorder
	Clock      clock.Clock
	Logger     slotengine.Logger
	QueueSize  int
}

func (c Config) Validate() error {
	if c.Decider == nil {
		return errors.NotValidf("nil Decider")
	}
	if c.Journal == nil {
		return errors.NotValidf("nil Journal")
	}
	if c.Dispatcher == nil {
		return errors.NotValidf("nil Dispatcher")
	}
	if c.QueueSize < 0 {
		return errors.NotValidf("queue size %d", c.QueueSize)
	}
	return nil
}

// Worker owns the single goroutine that decides. Consecutive duplicate
// triggers collapse into one queue entry.
type Worker struct {
	tomb tomb.Tomb
	cfg  Config

	mu    sync.Mutex
	queue []model.Trigger
	wake  chan struct{}
}

func NewWorker(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}
	w := &Worker{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}
	w.tomb.Go(w.loop)
	return w, nil
}

func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

// Enqueue adds trigger unless it repeats the last queued entry.
func (w *Worker) Enqueue(trigger model.Trigger) error {
	select {
	case <-w.tomb.Dying():
		return ErrStopped
	default:
	}
	w.mu.Lock()
	n := len(w.queue)
	switch {
	case n > 0 && w.queue[n-1] == trigger:
		w.mu.Unlock()
		w.cfg.Logger.Debugf("coalesced %s trigger", trigger)
		return nil
	case n >= w.cfg.QueueSize:
		w.mu.Unlock()
		return errors.Annotatef(ErrQueueFull, "%d pending", n)
	}
	w.queue = append(w.queue, trigger)
	depth := len(w.queue)
	w.mu.Unlock()

	w.setQueueDepth(depth)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// NotifySlotStatusChanged is fire-and-forget; enqueue failures are logged.
func (w *Worker) NotifySlotStatusChanged() {
	if err := w.Enqueue(model.TriggerSlotStatusChanged); err != nil {
		w.cfg.Logger.Warningf("dropping slot status trigger: %v", err)
	}
}

func (w *Worker) NotifySetupWizardFinished() {
	if err := w.Enqueue(model.TriggerSetupWizardFinished); err != nil {
		w.cfg.Logger.Warningf("dropping setup wizard trigger: %v", err)
	}
}

func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Worker) pop() (model.Trigger, bool) {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return "", false
	}
	next := w.queue[0]
	w.queue = w.queue[1:]
	depth := len(w.queue)
	w.mu.Unlock()
	w.setQueueDepth(depth)
	return next, true
}

func (w *Worker) loop() error {
	ctx := w.tomb.Context(nil)
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-w.wake:
		}
		for {
			next, ok := w.pop()
			if !ok {
				break
			}
			w.handle(ctx, next)
			select {
			case <-w.tomb.Dying():
				return tomb.ErrDying
			default:
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, trigger model.Trigger) {
	start := w.cfg.Clock.Now()
	d := w.cfg.Decider.Decide(ctx, trigger)
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.ObserveDecision(d, w.cfg.Clock.Now().Sub(start))
	}
	if w.cfg.Health != nil {
		if success, counted := bridgeOutcome(d.ErrorKind); counted {
			w.cfg.Health.Record(success, w.cfg.Clock.Now().UTC())
		}
	}

	id, err := w.cfg.Journal.InsertDecision(ctx, d)
	if err != nil {
		w.cfg.Logger.Errorf("journal decision %s (%s -> %s): %v", d.DecisionID, trigger, d.Action, err)
		id = d.DecisionID
	}
	if d.Action.IsNoOp() {
		return
	}

	dispatchErr := w.cfg.Dispatcher.Dispatch(ctx, id, d.Action)
	if dispatchErr != nil {
		w.cfg.Logger.Errorf("dispatch %s for decision %s: %v", d.Action, id, dispatchErr)
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.DispatchFailed(d.Action)
		}
	}
	if err == nil {
		if err := w.cfg.Journal.MarkDispatched(ctx, id, w.cfg.Clock.Now().UTC(), dispatchErr); err != nil {
			w.cfg.Logger.Errorf("mark decision %s dispatched: %v", id, err)
		}
	}
}

// bridgeOutcome reports whether a decision's error kind says anything about
// the platform bridge. Store failures and onboarding lookup timeouts do not.
func bridgeOutcome(errorKind string) (success, counted bool) {
	switch slotengine.ErrorKind(errorKind) {
	case "":
		return true, true
	case slotengine.HardwareQueryUnavailable, slotengine.SlotSwitchFailed:
		return false, true
	default:
		return false, false
	}
}

func (w *Worker) setQueueDepth(n int) {
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.SetQueueDepth(n)
	}
}
