package api

import (
	"time"

	"github.com/g960059/simslot/internal/model"
)

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type TriggerAccepted struct {
	SchemaVersion   string    `json:"schema_version"`
	GeneratedAt     time.Time `json:"generated_at"`
	Trigger         string    `json:"trigger"`
	PendingTriggers int       `json:"pending_triggers"`
}

type StateResponse struct {
	SchemaVersion         string    `json:"schema_version"`
	GeneratedAt           time.Time `json:"generated_at"`
	LastRemovablePresence string    `json:"last_removable_presence"`
	PendingSetupAction    string    `json:"pending_setup_action"`
}

type DecisionItem struct {
	DecisionID    string              `json:"decision_id"`
	Trigger       string              `json:"trigger"`
	Action        model.Action        `json:"action"`
	Effects       []model.Action      `json:"effects,omitempty"`
	Branch        string              `json:"branch"`
	ErrorKind     string              `json:"error_kind,omitempty"`
	Snapshot      *model.SlotSnapshot `json:"snapshot,omitempty"`
	DecidedAt     time.Time           `json:"decided_at"`
	DispatchedAt  *time.Time          `json:"dispatched_at,omitempty"`
	DispatchError string              `json:"dispatch_error,omitempty"`
	MissedAt      *time.Time          `json:"missed_at,omitempty"`
}

type DecisionsEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Decisions     []DecisionItem `json:"decisions"`
}

func ToDecisionItem(d model.Decision) DecisionItem {
	return DecisionItem{
		DecisionID:    d.DecisionID,
		Trigger:       string(d.Trigger),
		Action:        d.Action,
		Effects:       d.Effects,
		Branch:        d.Branch,
		ErrorKind:     d.ErrorKind,
		Snapshot:      d.Snapshot,
		DecidedAt:     d.DecidedAt,
		DispatchedAt:  d.DispatchedAt,
		DispatchError: d.DispatchErr,
		MissedAt:      d.MissedAt,
	}
}
