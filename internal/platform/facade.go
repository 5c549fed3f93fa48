package platform

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/g960059/simslot/internal/config"
	"github.com/g960059/simslot/internal/model"
)

// Facade answers capability queries from a fresh read of the hardware state
// document, so every query sees the latest published state.
type Facade struct {
	path      string
	exec      *Executor
	switchCmd []string
	retry     bool
	poll      time.Duration
	clock     clock.Clock
}

func NewFacade(cfg config.Config, exec *Executor, clk clock.Clock) *Facade {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Facade{
		path:      cfg.HardwareStatePath,
		exec:      exec,
		switchCmd: append([]string(nil), cfg.SwitchSlotCommand...),
		retry:     cfg.SwitchSlotRetry,
		poll:      cfg.SubscriptionPollInterval,
		clock:     clk,
	}
}

func (f *Facade) State(context.Context) (HardwareState, error) {
	return LoadHardwareState(f.path)
}

func (f *Facade) RemovableSlotSnapshot(ctx context.Context) (*model.SlotSnapshot, error) {
	hs, err := f.State(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return hs.Snapshot(), nil
}

func (f *Facade) ModemCount(ctx context.Context) (int, error) {
	hs, err := f.State(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return hs.ModemCount, nil
}

func (f *Facade) MultiSimSupported(ctx context.Context) (bool, error) {
	hs, err := f.State(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	return hs.MultiSimSupported, nil
}

func (f *Facade) EmbeddedProfiles(ctx context.Context) ([]model.EmbeddedProfile, error) {
	hs, err := f.State(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return hs.Profiles(), nil
}

func (f *Facade) ActiveSubscriptions(ctx context.Context) ([]model.ActiveSubscription, error) {
	hs, err := f.State(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return hs.Active(), nil
}

func (f *Facade) AvailableRemovableSubscriptionIDs(ctx context.Context) ([]int, error) {
	hs, err := f.State(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return append([]int(nil), hs.AvailableRemovable...), nil
}

func (f *Facade) SetupWizardFinished(ctx context.Context) (bool, error) {
	hs, err := f.State(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	return hs.SetupWizardFinished, nil
}

// SwitchToRemovableSlot runs the configured slot switch helper. A failed
// attempt is retried only when switch_slot_retry is set.
func (f *Facade) SwitchToRemovableSlot(ctx context.Context) error {
	if len(f.switchCmd) == 0 {
		return errors.NotSupportedf("slot switch without switch_slot_command")
	}
	res, err := f.exec.Run(ctx, Command{Argv: f.switchCmd, Retryable: f.retry})
	if err != nil {
		return errors.Annotate(err, "switch to removable slot")
	}
	logger.Infof("switched to removable slot in %v (%d attempt(s))", res.Duration, res.Attempts)
	return nil
}

// WatchEnabledRemovableSubscription polls the document until a removable
// subscription is active or ctx ends. Read errors are retried.
func (f *Facade) WatchEnabledRemovableSubscription(ctx context.Context) <-chan model.ActiveSubscription {
	ch := make(chan model.ActiveSubscription, 1)
	go func() {
		for {
			hs, err := f.State(ctx)
			if err != nil {
				logger.Debugf("watch enabled removable subscription: %v", err)
			} else if sub, ok := hs.EnabledRemovable(); ok {
				ch <- sub
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-f.clock.After(f.poll):
			}
		}
	}()
	return ch
}
