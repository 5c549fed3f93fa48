package slotengine

import (
	"context"

	"github.com/g960059/simslot/internal/model"
)

// CapabilityFacade is the read side of the platform: slot, modem and
// subscription inventory, plus the one mutating call the engine is allowed to
// make itself.
type CapabilityFacade interface {
	// RemovableSlotSnapshot returns nil with no error when the device has
	// no removable slot.
	RemovableSlotSnapshot(ctx context.Context) (*model.SlotSnapshot, error)
	ModemCount(ctx context.Context) (int, error)
	// MultiSimSupported reports whether the device can run more than one
	// modem at a time (DSDS).
	MultiSimSupported(ctx context.Context) (bool, error)
	EmbeddedProfiles(ctx context.Context) ([]model.EmbeddedProfile, error)
	ActiveSubscriptions(ctx context.Context) ([]model.ActiveSubscription, error)
	// AvailableRemovableSubscriptionIDs lists subscriptions on the removable
	// card that can be enabled. It must not block on a refresh.
	AvailableRemovableSubscriptionIDs(ctx context.Context) ([]int, error)
	SetupWizardFinished(ctx context.Context) (bool, error)
	SwitchToRemovableSlot(ctx context.Context) error
	// WatchEnabledRemovableSubscription delivers the enabled removable
	// subscription once the platform reports one. The channel may never
	// yield; callers bound the wait.
	WatchEnabledRemovableSubscription(ctx context.Context) <-chan model.ActiveSubscription
}

// SlotStateStore owns the persisted slot state.
type SlotStateStore interface {
	Get(ctx context.Context) (model.PersistedSlotState, error)
	SetLastPresence(ctx context.Context, presence model.CardPresence) error
	SetPendingSetupAction(ctx context.Context, action model.PendingSetupAction) error
	TakePendingSetupAction(ctx context.Context) (model.PendingSetupAction, error)
}

type Logger interface {
	Errorf(message string, args ...any)
	Warningf(message string, args ...any)
	Infof(message string, args ...any)
	Debugf(message string, args ...any)
}

// ErrorKind classifies a recovered failure on a decision. The engine never
// returns these to callers.
type ErrorKind string

const (
	HardwareQueryUnavailable ErrorKind = "hardware_query_unavailable"
	SlotSwitchFailed         ErrorKind = "slot_switch_failed"
	AsyncLookupTimeout       ErrorKind = "async_lookup_timeout"
	StateStoreUnavailable    ErrorKind = "state_store_unavailable"
)
