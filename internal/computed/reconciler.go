package computed

import (
	"github.com/robfig/cron/v3"

	"github.com/popemkt/nxus/internal/logger"
)

// PeriodicReconciler re-evaluates every registered computed field on a cron
// schedule. It exists as a defense against missed or duplicate event
// delivery from the store's change feed (a concern relevant to a Postgres
// store fed by an external mutation path, §pgnotify) — recompute already
// de-duplicates against the last known value, so a spurious tick is a no-op.
// The subscription-driven recompute path (Create, recompute) remains the
// primary mechanism; this is additive, not a replacement.
type PeriodicReconciler struct {
	svc  *Service
	cron *cron.Cron
	log  *logger.Logger
}

// NewPeriodicReconciler builds a reconciler that runs on schedule (standard
// five-field cron syntax). It does not start the schedule; call Start.
func NewPeriodicReconciler(svc *Service, schedule string, log *logger.Logger) (*PeriodicReconciler, error) {
	if log == nil {
		log = logger.NewDefault("computed.reconciler")
	}
	c := cron.New()
	r := &PeriodicReconciler{svc: svc, cron: c, log: log}

	if _, err := c.AddFunc(schedule, r.sweep); err != nil {
		return nil, err
	}
	return r, nil
}

// Start begins running the configured schedule in the background.
func (r *PeriodicReconciler) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for any in-flight sweep to finish.
func (r *PeriodicReconciler) Stop() {
	<-r.cron.Stop().Done()
}

func (r *PeriodicReconciler) sweep() {
	r.svc.mu.Lock()
	ids := make([]string, 0, len(r.svc.fields))
	for id := range r.svc.fields {
		ids = append(ids, id)
	}
	r.svc.mu.Unlock()

	for _, id := range ids {
		r.svc.recompute(id)
	}
	r.log.WithField("field_count", len(ids)).Debug("periodic reconciliation sweep complete")
}
