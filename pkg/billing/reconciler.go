package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReconcilerConfig controls the recovery sweep
type ReconcilerConfig struct {
	// StaleAfter is how long a transition may stay open before it is
	// considered abandoned
	StaleAfter  time.Duration
	Concurrency int
}

// DefaultReconcilerConfig returns the default sweep settings
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		StaleAfter:  15 * time.Minute,
		Concurrency: 4,
	}
}

// ReconcileReport summarizes one sweep
type ReconcileReport struct {
	Examined    int `json:"examined"`
	Finalized   int `json:"finalized"`
	Compensated int `json:"compensated"`
	Failed      int `json:"failed"`
}

// Reconciler settles transitions abandoned by a crash or a lost response by
// asking the provider what actually happened
type Reconciler struct {
	saga *Saga
	cfg  ReconcilerConfig
}

// NewReconciler creates a new reconciler
func NewReconciler(saga *Saga, cfg ReconcilerConfig) *Reconciler {
	d := DefaultReconcilerConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = d.StaleAfter
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	return &Reconciler{saga: saga, cfg: cfg}
}

// Run examines every stale transition once. A failure on one subscription
// does not stop the others; all failures are returned joined.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	subs, err := r.saga.ListInTransition(ctx, r.cfg.StaleAfter)
	if err != nil {
		return report, err
	}
	report.Examined = len(subs)
	if len(subs) == 0 {
		return report, nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			outcome, err := r.reconcile(gctx, sub)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				errs = append(errs, fmt.Errorf("tenant %s: %w", sub.TenantID, err))
			case outcome == phaseFinalize:
				report.Finalized++
			case outcome == phaseCompensate:
				report.Compensated++
			}
			r.record(outcome, err)
			return nil
		})
	}
	_ = g.Wait()

	r.saga.logger.WithFields(map[string]interface{}{
		"examined":    report.Examined,
		"finalized":   report.Finalized,
		"compensated": report.Compensated,
		"failed":      report.Failed,
	}).Info("Saga reconciliation complete")
	return report, errors.Join(errs...)
}

func (r *Reconciler) record(outcome string, err error) {
	if r.saga.metrics == nil {
		return
	}
	result := outcome
	switch {
	case err != nil:
		result = "error"
	case outcome == "":
		result = "skipped"
	}
	r.saga.metrics.ReconciledTotal.WithLabelValues("saga", result).Inc()
}

// reconcile returns phaseFinalize or phaseCompensate, or "" when another
// writer settled the record first
func (r *Reconciler) reconcile(ctx context.Context, sub *Subscription) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.saga.cfg.ProviderTimeout)
	ps, err := r.saga.provider.GetSubscription(callCtx, sub.ProviderRef)
	cancel()
	if err != nil {
		return "", &ExternalProviderError{Op: "get_subscription", Err: err}
	}

	log := r.saga.logger.WithFields(map[string]interface{}{
		"tenant_id":       sub.TenantID,
		"operation":       string(sub.PendingOperation),
		"provider_status": ps.Status,
	})

	var settled bool
	outcome := phaseCompensate
	switch sub.PendingOperation {
	case OperationUpdateSeats:
		if sub.TargetSeatsTotal != nil && ps.Quantity == int64(*sub.TargetSeatsTotal) {
			outcome = phaseFinalize
			settled, err = r.saga.finalizeSeats(ctx, sub.TenantID)
		} else {
			settled, err = r.saga.compensateRow(ctx, sub.TenantID, sub.PendingOperation)
		}
	case OperationCancel:
		switch {
		case ps.Canceled():
			outcome = phaseFinalize
			settled, err = r.saga.finalizeCancel(ctx, sub.TenantID, false)
		case ps.CancelAtPeriodEnd:
			outcome = phaseFinalize
			settled, err = r.saga.finalizeCancel(ctx, sub.TenantID, true)
		default:
			settled, err = r.saga.compensateRow(ctx, sub.TenantID, sub.PendingOperation)
		}
	default:
		return "", fmt.Errorf("unknown pending operation %q", sub.PendingOperation)
	}
	if err != nil {
		return "", err
	}
	if !settled {
		return "", nil
	}
	log.WithField("outcome", outcome).Info("Reconciled abandoned transition")
	return outcome, nil
}
