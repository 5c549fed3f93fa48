package reconcile

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/g960059/simslot/internal/config"
	"github.com/g960059/simslot/internal/model"
)

var logger = loggo.GetLogger("simslot.reconcile")

type Journal interface {
	ListUndispatched(ctx context.Context, before time.Time) ([]model.Decision, error)
	MarkMissed(ctx context.Context, decisionID string, at time.Time) error
	PurgeDecisions(ctx context.Context, cutoff time.Time) (int64, error)
}

type Notifier interface {
	NotifySlotStatusChanged()
}

type Reconciler struct {
	journal  Journal
	notifier Notifier
	cfg      config.Config
}

func NewReconciler(journal Journal, notifier Notifier, cfg config.Config) *Reconciler {
	return &Reconciler{journal: journal, notifier: notifier, cfg: cfg}
}

// Startup closes out decisions a previous process journaled but never
// dispatched. Those actions are logged as missed and not retried. A slot
// status trigger is then queued so a change that happened while the daemon
// was down is picked up; a repeat of an already recorded presence is a no-op.
func (r *Reconciler) Startup(ctx context.Context, now time.Time) (int, error) {
	pending, err := r.journal.ListUndispatched(ctx, now)
	if err != nil {
		return 0, errors.Annotate(err, "list undispatched decisions")
	}
	missed := 0
	for _, d := range pending {
		logger.Warningf("missed action %s from decision %s (%s, branch %q, decided %s); not retrying",
			d.Action, d.DecisionID, d.Trigger, d.Branch, d.DecidedAt.Format(time.RFC3339))
		if err := r.journal.MarkMissed(ctx, d.DecisionID, now); err != nil {
			if errors.Is(err, errors.NotFound) {
				continue
			}
			return missed, errors.Annotatef(err, "mark decision %s missed", d.DecisionID)
		}
		missed++
	}
	if r.notifier != nil {
		r.notifier.NotifySlotStatusChanged()
	}
	return missed, nil
}

// Tick drops journal rows older than the retention window.
func (r *Reconciler) Tick(ctx context.Context, now time.Time) error {
	if r.cfg.DecisionRetention <= 0 {
		return nil
	}
	purged, err := r.journal.PurgeDecisions(ctx, now.Add(-r.cfg.DecisionRetention))
	if err != nil {
		return errors.Annotate(err, "purge decisions")
	}
	if purged > 0 {
		logger.Infof("purged %d decision(s) older than %v", purged, r.cfg.DecisionRetention)
	}
	return nil
}
