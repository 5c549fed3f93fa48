package model

import (
	"fmt"
	"time"
)

// CardPresence is the observed physical state of the removable slot.
type CardPresence string

const (
	PresenceAbsent  CardPresence = "absent"
	PresencePresent CardPresence = "present"
)

// On-device integer codes for removable_slot_state. Cards reported in an
// error or restricted state are treated as absent.
const (
	cardStateAbsent  int64 = 1
	cardStatePresent int64 = 2
)

func (p CardPresence) Code() int64 {
	if p == PresencePresent {
		return cardStatePresent
	}
	return cardStateAbsent
}

func PresenceFromCode(code int64) CardPresence {
	if code == cardStatePresent {
		return PresencePresent
	}
	return PresenceAbsent
}

type SetupWizardState string

const (
	SetupWizardInProgress SetupWizardState = "in_progress"
	SetupWizardFinished   SetupWizardState = "finished"
)

// PendingSetupAction records the last removable-card event seen while the
// setup wizard was running. Only one value is kept; a new write replaces it.
type PendingSetupAction string

const (
	PendingNone              PendingSetupAction = "none"
	PendingRemovableInserted PendingSetupAction = "removable_inserted"
	PendingRemovableRemoved  PendingSetupAction = "removable_removed"
)

func (a PendingSetupAction) Code() int64 {
	switch a {
	case PendingRemovableInserted:
		return 1
	case PendingRemovableRemoved:
		return 2
	default:
		return 0
	}
}

func PendingFromCode(code int64) PendingSetupAction {
	switch code {
	case 1:
		return PendingRemovableInserted
	case 2:
		return PendingRemovableRemoved
	default:
		return PendingNone
	}
}

// SlotSnapshot is captured once per decision and never mutated.
type SlotSnapshot struct {
	RemovablePresence   CardPresence `json:"removable_presence"`
	RemovableSlotActive bool         `json:"removable_slot_active"`
	ModemCount          int          `json:"modem_count"`
	MEPSupported        bool         `json:"mep_supported"`
}

func (s SlotSnapshot) String() string {
	return fmt.Sprintf("presence=%s port_active=%t modems=%d mep=%t",
		s.RemovablePresence, s.RemovableSlotActive, s.ModemCount, s.MEPSupported)
}

type EmbeddedProfile struct {
	SubscriptionID int    `json:"subscription_id"`
	GroupID        string `json:"group_id,omitempty"`
}

type ActiveSubscription struct {
	SubscriptionID int  `json:"subscription_id"`
	IsEmbedded     bool `json:"is_embedded"`
}

type PersistedSlotState struct {
	LastRemovablePresence CardPresence       `json:"last_removable_presence"`
	PendingSetupAction    PendingSetupAction `json:"pending_setup_action"`
}

func DefaultPersistedSlotState() PersistedSlotState {
	return PersistedSlotState{
		LastRemovablePresence: PresenceAbsent,
		PendingSetupAction:    PendingNone,
	}
}

type NotificationKind string

const (
	NotificationSwitchedToRemovable NotificationKind = "switched_to_removable"
	NotificationEnableDSDS          NotificationKind = "enable_dsds"
)

type ActionKind string

const (
	ActionNoOp                        ActionKind = "noop"
	ActionSwitchToRemovableSlot       ActionKind = "switch_to_removable_slot"
	ActionShowChooseSimFlow           ActionKind = "show_choose_sim_flow"
	ActionShowDsdsUpsellDialog        ActionKind = "show_dsds_upsell_dialog"
	ActionShowSwitchToEmbeddedConfirm ActionKind = "show_switch_to_embedded_confirm"
	ActionScheduleNotification        ActionKind = "schedule_notification"
	ActionStartDualSimOnboarding      ActionKind = "start_dual_sim_onboarding"
	ActionToggleSubscription          ActionKind = "toggle_subscription"
)

// Action is the single outcome of a decision. Only the fields that belong to
// Kind are set.
type Action struct {
	Kind           ActionKind       `json:"kind"`
	HasRemovable   bool             `json:"has_removable,omitempty"`
	Profile        *EmbeddedProfile `json:"profile,omitempty"`
	Notification   NotificationKind `json:"notification,omitempty"`
	SubscriptionID int              `json:"subscription_id,omitempty"`
}

func NoOp() Action { return Action{Kind: ActionNoOp} }

func SwitchToRemovableSlot() Action { return Action{Kind: ActionSwitchToRemovableSlot} }

func ShowChooseSimFlow(hasRemovable bool) Action {
	return Action{Kind: ActionShowChooseSimFlow, HasRemovable: hasRemovable}
}

func ShowDsdsUpsellDialog() Action { return Action{Kind: ActionShowDsdsUpsellDialog} }

func ShowSwitchToEmbeddedConfirm(profile EmbeddedProfile) Action {
	return Action{Kind: ActionShowSwitchToEmbeddedConfirm, Profile: &profile}
}

func ScheduleNotification(kind NotificationKind) Action {
	return Action{Kind: ActionScheduleNotification, Notification: kind}
}

func StartDualSimOnboarding(targetSubscriptionID int) Action {
	return Action{Kind: ActionStartDualSimOnboarding, SubscriptionID: targetSubscriptionID}
}

func ToggleSubscription(subscriptionID int) Action {
	return Action{Kind: ActionToggleSubscription, SubscriptionID: subscriptionID}
}

func (a Action) IsNoOp() bool {
	return a.Kind == "" || a.Kind == ActionNoOp
}

func (a Action) String() string {
	switch a.Kind {
	case ActionShowChooseSimFlow:
		return fmt.Sprintf("%s(has_removable=%t)", a.Kind, a.HasRemovable)
	case ActionShowSwitchToEmbeddedConfirm:
		if a.Profile != nil {
			return fmt.Sprintf("%s(sub=%d group=%q)", a.Kind, a.Profile.SubscriptionID, a.Profile.GroupID)
		}
	case ActionScheduleNotification:
		return fmt.Sprintf("%s(%s)", a.Kind, a.Notification)
	case ActionStartDualSimOnboarding, ActionToggleSubscription:
		return fmt.Sprintf("%s(sub=%d)", a.Kind, a.SubscriptionID)
	case "":
		return string(ActionNoOp)
	}
	return string(a.Kind)
}

// Trigger names the event that caused a decision.
type Trigger string

const (
	TriggerSlotStatusChanged   Trigger = "slot_status_changed"
	TriggerSetupWizardFinished Trigger = "setup_wizard_finished"
)

// Decision is the full record of one engine invocation, journaled before the
// action is dispatched.
type Decision struct {
	DecisionID   string
	Trigger      Trigger
	Action       Action
	Effects      []Action
	Branch       string
	ErrorKind    string
	Snapshot     *SlotSnapshot
	DecidedAt    time.Time
	DispatchedAt *time.Time
	DispatchErr  string
	MissedAt     *time.Time
}

// Error codes defined by the daemon API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrQueueUnavailable   = "E_QUEUE_UNAVAILABLE"
)
