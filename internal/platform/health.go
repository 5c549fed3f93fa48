package platform

import (
	"sync"
	"time"

	"github.com/g960059/simslot/internal/config"
)

// BridgeHealth summarizes whether hardware queries have been succeeding.
type BridgeHealth string

const (
	BridgeHealthOK       BridgeHealth = "ok"
	BridgeHealthDegraded BridgeHealth = "degraded"
	BridgeHealthDown     BridgeHealth = "down"
)

type HealthState struct {
	Current              BridgeHealth `json:"current"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	LastTransitionAt     time.Time    `json:"last_transition_at"`
}

func NextHealth(cfg config.Config, state HealthState, success bool, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = BridgeHealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.Current != BridgeHealthOK && state.ConsecutiveSuccesses >= cfg.BridgeRecoverSuccesses {
			state.Current = BridgeHealthOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case BridgeHealthOK:
		state.Current = BridgeHealthDegraded
		state.LastTransitionAt = now
	case BridgeHealthDegraded:
		if now.Sub(state.LastTransitionAt) > cfg.BridgeDownWindow {
			// window expired; this failure opens a new one
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= cfg.BridgeDownFailures {
			state.Current = BridgeHealthDown
			state.LastTransitionAt = now
		}
	case BridgeHealthDown:
		// stays down until enough queries succeed
	}
	return state
}

// HealthTracker is the concurrency-safe holder the trigger worker reports
// into and the health endpoint reads from.
type HealthTracker struct {
	cfg   config.Config
	mu    sync.Mutex
	state HealthState
}

func NewHealthTracker(cfg config.Config) *HealthTracker {
	return &HealthTracker{cfg: cfg}
}

func (h *HealthTracker) Record(success bool, now time.Time) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = NextHealth(h.cfg, h.state, success, now)
	return h.state
}

func (h *HealthTracker) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Current == "" {
		return HealthState{Current: BridgeHealthOK}
	}
	return h.state
}
