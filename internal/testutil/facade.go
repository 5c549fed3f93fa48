package testutil

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/g960059/simslot/internal/model"
)

// FakeFacade is an in-memory capability facade. A nil Slot means the device
// has no removable slot.
type FakeFacade struct {
	mu sync.Mutex

	Slot               *model.SlotSnapshot
	QueryErr           error
	MultiSim           bool
	Embedded           []model.EmbeddedProfile
	Active             []model.ActiveSubscription
	AvailableRemovable []int
	WizardFinished     bool
	SwitchErr          error
	// EnabledRemovable is delivered by WatchEnabledRemovableSubscription.
	// When nil the watch never yields.
	EnabledRemovable *model.ActiveSubscription
	PanicOnSnapshot  bool

	SwitchCalls  int
	WatchStarted chan struct{}
}

// NewFakeFacade returns a single-modem device with an empty removable slot
// and setup already finished.
func NewFakeFacade() *FakeFacade {
	return &FakeFacade{
		Slot: &model.SlotSnapshot{
			RemovablePresence: model.PresenceAbsent,
			ModemCount:        1,
		},
		WizardFinished: true,
		WatchStarted:   make(chan struct{}, 1),
	}
}

func (f *FakeFacade) SetPresence(p model.CardPresence, portActive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Slot.RemovablePresence = p
	f.Slot.RemovableSlotActive = portActive
}

func (f *FakeFacade) Update(fn func(f *FakeFacade)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *FakeFacade) RemovableSlotSnapshot(context.Context) (*model.SlotSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PanicOnSnapshot {
		panic("slot info binder died")
	}
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}
	if f.Slot == nil {
		return nil, nil
	}
	snap := *f.Slot
	return &snap, nil
}

func (f *FakeFacade) ModemCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.QueryErr != nil {
		return 0, f.QueryErr
	}
	if f.Slot == nil {
		return 1, nil
	}
	return f.Slot.ModemCount, nil
}

func (f *FakeFacade) MultiSimSupported(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.MultiSim, f.QueryErr
}

func (f *FakeFacade) EmbeddedProfiles(context.Context) ([]model.EmbeddedProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.EmbeddedProfile(nil), f.Embedded...), f.QueryErr
}

func (f *FakeFacade) ActiveSubscriptions(context.Context) ([]model.ActiveSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ActiveSubscription(nil), f.Active...), f.QueryErr
}

func (f *FakeFacade) AvailableRemovableSubscriptionIDs(context.Context) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.AvailableRemovable...), f.QueryErr
}

func (f *FakeFacade) SetupWizardFinished(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.WizardFinished, f.QueryErr
}

func (f *FakeFacade) SwitchToRemovableSlot(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SwitchCalls++
	if f.SwitchErr != nil {
		return errors.Annotate(f.SwitchErr, "switch to removable slot")
	}
	f.Slot.RemovableSlotActive = true
	return nil
}

func (f *FakeFacade) WatchEnabledRemovableSubscription(context.Context) <-chan model.ActiveSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan model.ActiveSubscription, 1)
	if f.EnabledRemovable != nil {
		ch <- *f.EnabledRemovable
	}
	if f.WatchStarted != nil {
		select {
		case f.WatchStarted <- struct{}{}:
		default:
		}
	}
	return ch
}

func (f *FakeFacade) Switches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SwitchCalls
}
