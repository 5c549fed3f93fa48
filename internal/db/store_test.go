package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/simslot/internal/model"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, ApplyMigrations(ctx, store.DB()))
	return store, ctx
}

func TestPrefRoundTrip(t *testing.T) {
	store, ctx := newTestStore(t)

	_, err := store.GetPref(ctx, "euicc_prefs", "removable_slot_state")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotFound))

	require.NoError(t, store.SetPref(ctx, "euicc_prefs", "removable_slot_state", 2))
	v, err := store.GetPref(ctx, "euicc_prefs", "removable_slot_state")
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	require.NoError(t, store.SetPref(ctx, "euicc_prefs", "removable_slot_state", 1))
	v, err = store.GetPref(ctx, "euicc_prefs", "removable_slot_state")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	// namespaces are independent
	_, err = store.GetPref(ctx, "other", "removable_slot_state")
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestSwapPref(t *testing.T) {
	store, ctx := newTestStore(t)

	old, found, err := store.SwapPref(ctx, "euicc_prefs", "suw_psim_action", 0)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, old)

	require.NoError(t, store.SetPref(ctx, "euicc_prefs", "suw_psim_action", 1))
	old, found, err = store.SwapPref(ctx, "euicc_prefs", "suw_psim_action", 0)
	require.NoError(t, err)
	assert.True(t, found)
	assert.EqualValues(t, 1, old)

	v, err := store.GetPref(ctx, "euicc_prefs", "suw_psim_action")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestDecisionJournal(t *testing.T) {
	store, ctx := newTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	snap := model.SlotSnapshot{RemovablePresence: model.PresencePresent, ModemCount: 1}
	id, err := store.InsertDecision(ctx, model.Decision{
		Trigger:   model.TriggerSlotStatusChanged,
		Action:    model.ScheduleNotification(model.NotificationSwitchedToRemovable),
		Effects:   []model.Action{model.SwitchToRemovableSlot()},
		Branch:    "insert.switch",
		Snapshot:  &snap,
		DecidedAt: base,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = store.InsertDecision(ctx, model.Decision{
		DecisionID: "noop-1",
		Trigger:    model.TriggerSetupWizardFinished,
		Action:     model.NoOp(),
		Branch:     "suw.multi_modem",
		DecidedAt:  base.Add(time.Second),
	})
	require.NoError(t, err)

	got, err := store.GetDecision(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ActionScheduleNotification, got.Action.Kind)
	assert.Equal(t, model.NotificationSwitchedToRemovable, got.Action.Notification)
	assert.Equal(t, []model.Action{model.SwitchToRemovableSlot()}, got.Effects)
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, snap, *got.Snapshot)
	assert.True(t, base.Equal(got.DecidedAt))
	assert.Nil(t, got.DispatchedAt)

	list, err := store.ListDecisions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "noop-1", list[0].DecisionID)

	// NoOp rows are never reported as undispatched
	pending, err := store.ListUndispatched(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].DecisionID)

	require.NoError(t, store.MarkDispatched(ctx, id, base.Add(2*time.Second), errors.New("hook exited 1")))
	got, err = store.GetDecision(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.DispatchedAt)
	assert.Equal(t, "hook exited 1", got.DispatchErr)

	pending, err = store.ListUndispatched(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)

	// already dispatched rows cannot be marked missed
	err = store.MarkMissed(ctx, id, base.Add(time.Hour))
	assert.True(t, errors.Is(err, errors.NotFound))

	_, err = store.GetDecision(ctx, "missing")
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestDuplicateDecisionID(t *testing.T) {
	store, ctx := newTestStore(t)
	d := model.Decision{DecisionID: "d1", Trigger: model.TriggerSlotStatusChanged, Action: model.NoOp(), Branch: "x"}
	_, err := store.InsertDecision(ctx, d)
	require.NoError(t, err)
	_, err = store.InsertDecision(ctx, d)
	assert.True(t, errors.Is(err, errors.AlreadyExists))
}

func TestPurgeDecisions(t *testing.T) {
	store, ctx := newTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := store.InsertDecision(ctx, model.Decision{
			Trigger:   model.TriggerSlotStatusChanged,
			Action:    model.NoOp(),
			Branch:    "stable",
			DecidedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
	n, err := store.PurgeDecisions(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	list, err := store.ListDecisions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
