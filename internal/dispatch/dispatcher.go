// Package dispatch hands decided actions to the platform helper that owns the
// UI flows, notifications and subscription toggles.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/g960059/simslot/internal/config"
	"github.com/g960059/simslot/internal/model"
	"github.com/g960059/simslot/internal/platform"
)

var logger = loggo.GetLogger("simslot.dispatch")

// Requests understood by the dispatch helper, passed as its last argument.
const (
	RequestShowChooseSimFlow      = "show-choose-sim-flow"
	RequestShowDsdsUpsellDialog   = "show-dsds-upsell-dialog"
	RequestShowSwitchToEmbedded   = "show-switch-to-embedded-confirm"
	RequestScheduleNotification   = "schedule-notification"
	RequestStartDualSimOnboarding = "start-dual-sim-onboarding"
	RequestEnableSubscription     = "enable-subscription"
)

type CommandRunner interface {
	Run(ctx context.Context, cmd platform.Command) (platform.RunResult, error)
}

type SlotSwitcher interface {
	SwitchToRemovableSlot(ctx context.Context) error
}

// Payload is written to the helper's stdin as JSON.
type Payload struct {
	DecisionID string       `json:"decision_id,omitempty"`
	Request    string       `json:"request"`
	Action     model.Action `json:"action"`
}

type CommandDispatcher struct {
	command  []string
	runner   CommandRunner
	switcher SlotSwitcher
}

func NewCommandDispatcher(cfg config.Config, runner CommandRunner, switcher SlotSwitcher) *CommandDispatcher {
	return &CommandDispatcher{
		command:  append([]string(nil), cfg.DispatchCommand...),
		runner:   runner,
		switcher: switcher,
	}
}

// RequestFor maps an action to its helper request. SwitchToRemovableSlot and
// NoOp have no helper request.
func RequestFor(action model.Action) (request string, retryable bool, err error) {
	switch action.Kind {
	case model.ActionShowChooseSimFlow:
		return RequestShowChooseSimFlow, false, nil
	case model.ActionShowDsdsUpsellDialog:
		return RequestShowDsdsUpsellDialog, false, nil
	case model.ActionShowSwitchToEmbeddedConfirm:
		if action.Profile == nil {
			return "", false, errors.NotValidf("%s without profile", action.Kind)
		}
		return RequestShowSwitchToEmbedded, false, nil
	case model.ActionScheduleNotification:
		if action.Notification == "" {
			return "", false, errors.NotValidf("%s without kind", action.Kind)
		}
		return RequestScheduleNotification, false, nil
	case model.ActionStartDualSimOnboarding:
		return RequestStartDualSimOnboarding, false, nil
	case model.ActionToggleSubscription:
		// Enabling an already enabled subscription leaves it enabled.
		return RequestEnableSubscription, true, nil
	default:
		return "", false, errors.NotSupportedf("helper request for %q", action.Kind)
	}
}

func (d *CommandDispatcher) Dispatch(ctx context.Context, decisionID string, action model.Action) error {
	switch {
	case action.IsNoOp():
		return nil
	case action.Kind == model.ActionSwitchToRemovableSlot:
		if d.switcher == nil {
			return errors.NotSupportedf("slot switch dispatch")
		}
		return errors.Trace(d.switcher.SwitchToRemovableSlot(ctx))
	}

	request, retryable, err := RequestFor(action)
	if err != nil {
		return errors.Trace(err)
	}
	if len(d.command) == 0 {
		logger.Infof("decision %s: %s (%s); no dispatch_command configured", decisionID, action, request)
		return nil
	}
	stdin, err := json.Marshal(Payload{DecisionID: decisionID, Request: request, Action: action})
	if err != nil {
		return errors.Annotate(err, "encode dispatch payload")
	}
	argv := append(append([]string(nil), d.command...), request)
	res, err := d.runner.Run(ctx, platform.Command{Argv: argv, Stdin: stdin, Retryable: retryable})
	if err != nil {
		return errors.Annotatef(err, "dispatch %s", request)
	}
	logger.Debugf("decision %s: dispatched %s in %v", decisionID, request, res.Duration)
	return nil
}
