// Package slotstate persists the removable slot state the decision engine
// depends on across process restarts: the last observed card presence and a
// pending setup-wizard action.
//
// Values are stored as integers under the installation-scoped namespace
// euicc_prefs so an existing on-device record keeps its meaning.
package slotstate

import (
	"context"

	"github.com/juju/errors"

	"github.com/g960059/simslot/internal/model"
)

const (
	Namespace             = "euicc_prefs"
	KeyRemovableSlotState = "removable_slot_state"
	KeySetupWizardAction  = "suw_psim_action"
)

// PrefStore is a durable integer key/value store with per-key atomic writes.
type PrefStore interface {
	GetPref(ctx context.Context, namespace, key string) (int64, error)
	SetPref(ctx context.Context, namespace, key string, value int64) error
	SwapPref(ctx context.Context, namespace, key string, value int64) (old int64, found bool, err error)
}

// Store owns the PersistedSlotState record. The two keys are independent:
// no decision path needs them consistent with each other mid-write.
type Store struct {
	prefs PrefStore
}

func NewStore(prefs PrefStore) *Store {
	return &Store{prefs: prefs}
}

// Get returns the persisted state, substituting defaults for keys never
// written.
func (s *Store) Get(ctx context.Context) (model.PersistedSlotState, error) {
	state := model.DefaultPersistedSlotState()

	code, err := s.prefs.GetPref(ctx, Namespace, KeyRemovableSlotState)
	switch {
	case err == nil:
		state.LastRemovablePresence = model.PresenceFromCode(code)
	case !errors.Is(err, errors.NotFound):
		return model.PersistedSlotState{}, errors.Annotate(err, "read last removable presence")
	}

	code, err = s.prefs.GetPref(ctx, Namespace, KeySetupWizardAction)
	switch {
	case err == nil:
		state.PendingSetupAction = model.PendingFromCode(code)
	case !errors.Is(err, errors.NotFound):
		return model.PersistedSlotState{}, errors.Annotate(err, "read pending setup action")
	}
	return state, nil
}

func (s *Store) SetLastPresence(ctx context.Context, presence model.CardPresence) error {
	return errors.Annotate(
		s.prefs.SetPref(ctx, Namespace, KeyRemovableSlotState, presence.Code()),
		"write last removable presence",
	)
}

// SetPendingSetupAction overwrites any previously recorded action.
func (s *Store) SetPendingSetupAction(ctx context.Context, action model.PendingSetupAction) error {
	return errors.Annotate(
		s.prefs.SetPref(ctx, Namespace, KeySetupWizardAction, action.Code()),
		"write pending setup action",
	)
}

// TakePendingSetupAction returns the recorded action and resets it to NONE
// in a single store operation.
func (s *Store) TakePendingSetupAction(ctx context.Context) (model.PendingSetupAction, error) {
	old, found, err := s.prefs.SwapPref(ctx, Namespace, KeySetupWizardAction, model.PendingNone.Code())
	if err != nil {
		return model.PendingNone, errors.Annotate(err, "take pending setup action")
	}
	if !found {
		return model.PendingNone, nil
	}
	return model.PendingFromCode(old), nil
}
