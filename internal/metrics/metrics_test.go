package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/simslot/internal/model"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	c.ObserveDecision(model.Decision{Trigger: model.TriggerSlotStatusChanged, Action: model.ShowDsdsUpsellDialog()}, 20*time.Millisecond)
	c.ObserveDecision(model.Decision{Trigger: model.TriggerSlotStatusChanged, Action: model.NoOp(), ErrorKind: "slot_switch_failed"}, time.Millisecond)
	c.DispatchFailed(model.ShowDsdsUpsellDialog())
	c.SetQueueDepth(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.decisions.WithLabelValues("slot_status_changed", "show_dsds_upsell_dialog")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.decisionErrors.WithLabelValues("slot_switch_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatchFailures.WithLabelValues("show_dsds_upsell_dialog")))

	expected := `
# HELP simslot_trigger_queue_depth Triggers waiting for the decision worker.
# TYPE simslot_trigger_queue_depth gauge
simslot_trigger_queue_depth 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "simslot_trigger_queue_depth"))
	count, err := testutil.GatherAndCount(reg, "simslot_decision_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
