package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/simslot/internal/config"
	"github.com/g960059/simslot/internal/model"
	"github.com/g960059/simslot/internal/platform"
)

type recordingRunner struct {
	cmds []platform.Command
	err  error
}

func (r *recordingRunner) Run(_ context.Context, cmd platform.Command) (platform.RunResult, error) {
	r.cmds = append(r.cmds, cmd)
	return platform.RunResult{Attempts: 1}, r.err
}

type switcher struct{ calls int }

func (s *switcher) SwitchToRemovableSlot(context.Context) error {
	s.calls++
	return nil
}

func newDispatcher(command ...string) (*CommandDispatcher, *recordingRunner, *switcher) {
	cfg := config.DefaultConfig()
	cfg.DispatchCommand = command
	r := &recordingRunner{}
	s := &switcher{}
	return NewCommandDispatcher(cfg, r, s), r, s
}

func TestDispatchRunsHelperWithPayload(t *testing.T) {
	d, r, _ := newDispatcher("simslot-ui", "--json")
	action := model.ShowSwitchToEmbeddedConfirm(model.EmbeddedProfile{SubscriptionID: 4, GroupID: "g"})

	require.NoError(t, d.Dispatch(context.Background(), "dec-1", action))
	require.Len(t, r.cmds, 1)
	assert.Equal(t, []string{"simslot-ui", "--json", RequestShowSwitchToEmbedded}, r.cmds[0].Argv)
	assert.False(t, r.cmds[0].Retryable)

	var p Payload
	require.NoError(t, json.Unmarshal(r.cmds[0].Stdin, &p))
	assert.Equal(t, "dec-1", p.DecisionID)
	assert.Equal(t, action, p.Action)
}

func TestToggleIsIdempotentEnable(t *testing.T) {
	d, r, _ := newDispatcher("simslot-ui")
	require.NoError(t, d.Dispatch(context.Background(), "dec-2", model.ToggleSubscription(9)))
	require.Len(t, r.cmds, 1)
	assert.Equal(t, RequestEnableSubscription, r.cmds[0].Argv[1])
	assert.True(t, r.cmds[0].Retryable)
}

func TestDispatchNoOpAndSwitch(t *testing.T) {
	d, r, s := newDispatcher("simslot-ui")
	require.NoError(t, d.Dispatch(context.Background(), "dec-3", model.NoOp()))
	require.NoError(t, d.Dispatch(context.Background(), "dec-4", model.SwitchToRemovableSlot()))
	assert.Empty(t, r.cmds)
	assert.Equal(t, 1, s.calls)
}

func TestDispatchWithoutCommandOnlyLogs(t *testing.T) {
	d, r, _ := newDispatcher()
	require.NoError(t, d.Dispatch(context.Background(), "dec-5", model.ShowDsdsUpsellDialog()))
	assert.Empty(t, r.cmds)
}

func TestDispatchErrors(t *testing.T) {
	d, r, _ := newDispatcher("simslot-ui")
	r.err = errors.New("exit status 2")
	err := d.Dispatch(context.Background(), "dec-6", model.ScheduleNotification(model.NotificationEnableDSDS))
	assert.ErrorContains(t, err, "dispatch schedule-notification")

	err = d.Dispatch(context.Background(), "dec-7", model.Action{Kind: model.ActionShowSwitchToEmbeddedConfirm})
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)

	err = d.Dispatch(context.Background(), "dec-8", model.Action{Kind: "reboot"})
	assert.True(t, errors.Is(err, errors.NotSupported), "got %v", err)
}

func TestRequestFor(t *testing.T) {
	tests := []struct {
		action model.Action
		want   string
	}{
		{model.ShowChooseSimFlow(true), RequestShowChooseSimFlow},
		{model.ShowDsdsUpsellDialog(), RequestShowDsdsUpsellDialog},
		{model.ScheduleNotification(model.NotificationSwitchedToRemovable), RequestScheduleNotification},
		{model.StartDualSimOnboarding(3), RequestStartDualSimOnboarding},
	}
	for _, tc := range tests {
		got, _, err := RequestFor(tc.action)
		require.NoError(t, err, tc.action.String())
		assert.Equal(t, tc.want, got)
	}
}
