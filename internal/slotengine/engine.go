// Package slotengine decides what to do after the removable SIM slot changes
// state or the setup wizard completes. Every invocation produces exactly one
// action; failures degrade to a no-op and are never returned to the caller.
package slotengine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/g960059/simslot/internal/model"
)

var logger = loggo.GetLogger("simslot.slotengine")

// OnboardingLookupTimeout bounds the wait for the enabled removable
// subscription in the dual-SIM onboarding branch.
const OnboardingLookupTimeout = 25 * time.Second

type Config struct {
	Facade CapabilityFacade
	Store  SlotStateStore
	Clock  clock.Clock
	Logger Logger
	// DualSimOnboarding routes eligible inserts to the dual-SIM onboarding
	// flow instead of the DSDS upsell dialog.
	DualSimOnboarding bool
}

func (c Config) Validate() error {
	if c.Facade == nil {
		return errors.NotValidf("nil Facade")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	return nil
}

// Engine serializes decisions; at most one is in flight at a time. It keeps
// no state of its own beyond what Store persists.
type Engine struct {
	cfg Config
	mu  sync.Mutex
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	return &Engine{cfg: cfg}, nil
}

func (e *Engine) OnSlotStatusChanged(ctx context.Context) model.Action {
	return e.Decide(ctx, model.TriggerSlotStatusChanged).Action
}

func (e *Engine) OnSetupWizardFinished(ctx context.Context) model.Action {
	return e.Decide(ctx, model.TriggerSetupWizardFinished).Action
}

// Decide runs one decision for trigger and returns its full record. The
// returned Action is NoOp whenever a collaborator failed or panicked.
func (e *Engine) Decide(ctx context.Context, trigger model.Trigger) (d model.Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := &run{engine: e, id: uuid.NewString(), trigger: trigger}
	defer func() {
		if rec := recover(); rec != nil {
			r.errKind = HardwareQueryUnavailable
			e.cfg.Logger.Errorf("decision %s (%s): recovered panic in branch %q: %v; snapshot %s",
				r.id, trigger, r.branch, rec, r.snapshotString())
			d.Action = model.NoOp()
			r.effects = nil
		}
		d.DecisionID = r.id
		d.Trigger = trigger
		d.Effects = r.effects
		d.Branch = r.branch
		d.ErrorKind = string(r.errKind)
		d.Snapshot = r.snapshot
		d.DecidedAt = e.cfg.Clock.Now().UTC()
	}()

	switch trigger {
	case model.TriggerSlotStatusChanged:
		d.Action = r.slotStatusChanged(ctx)
	case model.TriggerSetupWizardFinished:
		d.Action = r.setupWizardFinished(ctx)
	default:
		e.cfg.Logger.Warningf("decision %s: unknown trigger %q", r.id, trigger)
		d.Action = r.noop("unknown_trigger")
	}
	return d
}

// run carries the bookkeeping for a single decision.
type run struct {
	engine   *Engine
	id       string
	trigger  model.Trigger
	branch   string
	errKind  ErrorKind
	snapshot *model.SlotSnapshot
	effects  []model.Action
}

func (r *run) facade() CapabilityFacade { return r.engine.cfg.Facade }
func (r *run) store() SlotStateStore    { return r.engine.cfg.Store }
func (r *run) log() Logger              { return r.engine.cfg.Logger }

func (r *run) snapshotString() string {
	if r.snapshot == nil {
		return "<none>"
	}
	return r.snapshot.String()
}

func (r *run) noop(branch string) model.Action {
	r.branch = branch
	r.log().Debugf("decision %s (%s): no action in branch %q; snapshot %s", r.id, r.trigger, branch, r.snapshotString())
	return model.NoOp()
}

func (r *run) fail(kind ErrorKind, branch string, err error) model.Action {
	r.branch = branch
	r.errKind = kind
	r.log().Errorf("decision %s (%s): %s in branch %q: %v; snapshot %s",
		r.id, r.trigger, kind, branch, err, r.snapshotString())
	return model.NoOp()
}

func (r *run) emit(branch string, action model.Action) model.Action {
	r.branch = branch
	r.log().Infof("decision %s (%s): %s in branch %q", r.id, r.trigger, action, branch)
	return action
}

func (r *run) captureSnapshot(ctx context.Context, branch string) (model.SlotSnapshot, model.Action, bool) {
	snap, err := r.facade().RemovableSlotSnapshot(ctx)
	if err != nil {
		return model.SlotSnapshot{}, r.fail(HardwareQueryUnavailable, branch, errors.Annotate(err, "read removable slot")), false
	}
	if snap == nil {
		return model.SlotSnapshot{}, r.fail(HardwareQueryUnavailable, branch, errors.NotFoundf("removable slot")), false
	}
	captured := *snap
	r.snapshot = &captured
	return captured, model.Action{}, true
}

func (r *run) slotStatusChanged(ctx context.Context) model.Action {
	snap, failed, ok := r.captureSnapshot(ctx, "slot_snapshot")
	if !ok {
		return failed
	}
	state, err := r.store().Get(ctx)
	if err != nil {
		return r.fail(StateStoreUnavailable, "read_state", err)
	}
	inserted := state.LastRemovablePresence == model.PresenceAbsent && snap.RemovablePresence == model.PresencePresent
	removed := state.LastRemovablePresence == model.PresencePresent && snap.RemovablePresence == model.PresenceAbsent

	// Must land before any action is requested.
	if err := r.store().SetLastPresence(ctx, snap.RemovablePresence); err != nil {
		return r.fail(StateStoreUnavailable, "write_last_presence", err)
	}

	if snap.ModemCount > 1 {
		switch {
		case !inserted:
			return r.noop("multi_modem_no_insert")
		case r.engine.cfg.DualSimOnboarding:
			return r.dualSimOnboarding(ctx, snap, "multi_modem_insert_onboarding")
		case !snap.MEPSupported:
			return r.noop("multi_modem_insert_no_mep")
		default:
			return r.mepInsert(ctx, snap)
		}
	}

	switch {
	case inserted:
		return r.handleInsert(ctx, snap)
	case removed:
		return r.handleRemove(ctx, snap, true)
	default:
		return r.noop("no_transition")
	}
}

func (r *run) handleInsert(ctx context.Context, snap model.SlotSnapshot) model.Action {
	finished, err := r.facade().SetupWizardFinished(ctx)
	if err != nil {
		return r.fail(HardwareQueryUnavailable, "insert_setup_wizard", err)
	}
	if !finished {
		if err := r.store().SetPendingSetupAction(ctx, model.PendingRemovableInserted); err != nil {
			return r.fail(StateStoreUnavailable, "insert_deferred", err)
		}
		return r.noop("insert_deferred")
	}
	if snap.RemovableSlotActive {
		return r.noop("insert_port_active")
	}

	active, err := r.facade().ActiveSubscriptions(ctx)
	if err != nil {
		return r.fail(HardwareQueryUnavailable, "insert_active_subscriptions", err)
	}
	if hasActiveEmbedded(active) {
		multiSim, err := r.facade().MultiSimSupported(ctx)
		if err != nil {
			return r.fail(HardwareQueryUnavailable, "insert_multi_sim", err)
		}
		switch {
		case !multiSim:
			return r.emit("insert_choose_sim", model.ShowChooseSimFlow(true))
		case r.engine.cfg.DualSimOnboarding:
			return r.dualSimOnboarding(ctx, snap, "insert_onboarding")
		default:
			return r.emit("insert_dsds_upsell", model.ShowDsdsUpsellDialog())
		}
	}

	if err := r.facade().SwitchToRemovableSlot(ctx); err != nil {
		return r.fail(SlotSwitchFailed, "insert_switch", err)
	}
	r.effects = append(r.effects, model.SwitchToRemovableSlot())
	return r.emit("insert_switch", model.ScheduleNotification(model.NotificationSwitchedToRemovable))
}

// handleRemove offers the embedded profiles left behind by a removed card.
// gated is false when replaying a removal recorded during setup.
func (r *run) handleRemove(ctx context.Context, snap model.SlotSnapshot, gated bool) model.Action {
	if gated {
		finished, err := r.facade().SetupWizardFinished(ctx)
		if err != nil {
			return r.fail(HardwareQueryUnavailable, "remove_setup_wizard", err)
		}
		if !finished {
			if err := r.store().SetPendingSetupAction(ctx, model.PendingRemovableRemoved); err != nil {
				return r.fail(StateStoreUnavailable, "remove_deferred", err)
			}
			return r.noop("remove_deferred")
		}
	}

	profiles, err := r.facade().EmbeddedProfiles(ctx)
	if err != nil {
		return r.fail(HardwareQueryUnavailable, "remove_embedded_profiles", err)
	}
	embedded := SelectableProfiles(profiles)
	if len(embedded) == 0 || !snap.RemovableSlotActive {
		return r.noop("remove_nothing_to_offer")
	}
	if len(embedded) == 1 {
		return r.emit("remove_confirm_embedded", model.ShowSwitchToEmbeddedConfirm(embedded[0]))
	}
	return r.emit("remove_choose_sim", model.ShowChooseSimFlow(false))
}

func (r *run) setupWizardFinished(ctx context.Context) model.Action {
	modems, err := r.facade().ModemCount(ctx)
	if err != nil {
		return r.fail(HardwareQueryUnavailable, "suw_modem_count", err)
	}
	if modems > 1 {
		return r.noop("suw_multi_modem")
	}
	snap, failed, ok := r.captureSnapshot(ctx, "suw_snapshot")
	if !ok {
		return failed
	}
	pending, err := r.store().TakePendingSetupAction(ctx)
	if err != nil {
		return r.fail(StateStoreUnavailable, "suw_take_pending", err)
	}

	profiles, err := r.facade().EmbeddedProfiles(ctx)
	if err != nil {
		return r.fail(HardwareQueryUnavailable, "suw_embedded_profiles", err)
	}
	if len(SelectableProfiles(profiles)) > 0 && snap.RemovablePresence == model.PresencePresent {
		multiSim, err := r.facade().MultiSimSupported(ctx)
		if err != nil {
			return r.fail(HardwareQueryUnavailable, "suw_multi_sim", err)
		}
		switch {
		case multiSim:
			return r.emit("suw_enable_dsds", model.ScheduleNotification(model.NotificationEnableDSDS))
		case pending == model.PendingRemovableInserted:
			return r.emit("suw_choose_sim", model.ShowChooseSimFlow(true))
		default:
			return r.noop("suw_card_present")
		}
	}
	if pending == model.PendingRemovableRemoved {
		return r.handleRemove(ctx, snap, false)
	}
	return r.noop("suw_nothing_pending")
}

func (r *run) dualSimOnboarding(ctx context.Context, snap model.SlotSnapshot, branch string) model.Action {
	sub, err := r.awaitEnabledRemovableSubscription(ctx)
	if err != nil {
		kind := AsyncLookupTimeout
		if errors.Is(err, errors.NotFound) {
			kind = HardwareQueryUnavailable
		}
		return r.fail(kind, branch, err)
	}
	active, err := r.facade().ActiveSubscriptions(ctx)
	if err != nil {
		return r.fail(HardwareQueryUnavailable, branch, err)
	}
	otherActive := false
	for _, a := range active {
		if a.SubscriptionID != sub.SubscriptionID {
			otherActive = true
			break
		}
	}
	if !snap.RemovableSlotActive || otherActive {
		return r.emit(branch, model.StartDualSimOnboarding(sub.SubscriptionID))
	}
	return r.noop(branch + "_sole_active")
}

func (r *run) awaitEnabledRemovableSubscription(ctx context.Context) (model.ActiveSubscription, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := r.facade().WatchEnabledRemovableSubscription(watchCtx)
	select {
	case sub, ok := <-ch:
		if !ok {
			return model.ActiveSubscription{}, errors.NotFoundf("enabled removable subscription")
		}
		return sub, nil
	case <-r.engine.cfg.Clock.After(OnboardingLookupTimeout):
		return model.ActiveSubscription{}, errors.Timeoutf("enabled removable subscription lookup after %v", OnboardingLookupTimeout)
	case <-ctx.Done():
		return model.ActiveSubscription{}, errors.Annotate(ctx.Err(), "enabled removable subscription lookup")
	}
}

func (r *run) mepInsert(ctx context.Context, snap model.SlotSnapshot) model.Action {
	if snap.RemovableSlotActive {
		return r.noop("mep_insert_port_active")
	}
	ids, err := r.facade().AvailableRemovableSubscriptionIDs(ctx)
	if err != nil {
		return r.fail(HardwareQueryUnavailable, "mep_insert", err)
	}
	if len(ids) == 0 {
		r.log().Warningf("decision %s (%s): no removable subscription available to enable; snapshot %s",
			r.id, r.trigger, r.snapshotString())
		return r.noop("mep_insert_no_subscription")
	}
	return r.emit("mep_insert_toggle", model.ToggleSubscription(ids[0]))
}

func hasActiveEmbedded(active []model.ActiveSubscription) bool {
	for _, a := range active {
		if a.IsEmbedded {
			return true
		}
	}
	return false
}

// SelectableProfiles collapses profiles that share a group to the first one
// seen. Ungrouped profiles are kept individually.
func SelectableProfiles(profiles []model.EmbeddedProfile) []model.EmbeddedProfile {
	out := make([]model.EmbeddedProfile, 0, len(profiles))
	seen := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		if p.GroupID != "" {
			if _, dup := seen[p.GroupID]; dup {
				continue
			}
			seen[p.GroupID] = struct{}{}
		}
		out = append(out, p)
	}
	return out
}
