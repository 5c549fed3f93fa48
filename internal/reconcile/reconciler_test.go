package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/simslot/internal/config"
	"github.com/g960059/simslot/internal/model"
	"github.com/g960059/simslot/internal/testutil"
)

type countingNotifier struct{ n int }

func (c *countingNotifier) NotifySlotStatusChanged() { c.n++ }

func TestStartupMarksUndispatchedAsMissed(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	n := &countingNotifier{}
	r := NewReconciler(store, n, config.DefaultConfig())
	now := time.Now().UTC()

	crashed, err := store.InsertDecision(ctx, model.Decision{
		Trigger:   model.TriggerSlotStatusChanged,
		Action:    model.ShowDsdsUpsellDialog(),
		Branch:    "insert_dsds_upsell",
		DecidedAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)
	done, err := store.InsertDecision(ctx, model.Decision{
		Trigger:   model.TriggerSlotStatusChanged,
		Action:    model.ShowChooseSimFlow(false),
		Branch:    "remove_choose_sim",
		DecidedAt: now.Add(-2 * time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, store.MarkDispatched(ctx, done, now.Add(-2*time.Minute), nil))

	missed, err := r.Startup(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, missed)
	assert.Equal(t, 1, n.n, "a slot status resync is queued")

	row, err := store.GetDecision(ctx, crashed)
	require.NoError(t, err)
	assert.NotNil(t, row.MissedAt)
	assert.Nil(t, row.DispatchedAt, "missed actions are never dispatched")

	// a second startup finds nothing left to close out
	missed, err = r.Startup(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, missed)
}

func TestTickPurgesOldDecisions(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	cfg.DecisionRetention = time.Hour
	r := NewReconciler(store, nil, cfg)
	now := time.Now().UTC()

	old, err := store.InsertDecision(ctx, model.Decision{
		Trigger:   model.TriggerSetupWizardFinished,
		Action:    model.NoOp(),
		Branch:    "suw_nothing_pending",
		DecidedAt: now.Add(-2 * time.Hour),
	})
	require.NoError(t, err)
	fresh, err := store.InsertDecision(ctx, model.Decision{
		Trigger:   model.TriggerSetupWizardFinished,
		Action:    model.NoOp(),
		Branch:    "suw_nothing_pending",
		DecidedAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)

	require.NoError(t, r.Tick(ctx, now))
	_, err = store.GetDecision(ctx, old)
	assert.Error(t, err, "old decision purged")
	_, err = store.GetDecision(ctx, fresh)
	assert.NoError(t, err, "fresh decision survives")
}
