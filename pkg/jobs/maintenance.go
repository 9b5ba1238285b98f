package jobs

import (
	"context"

	"github.com/platinummonkey/seatkeeper/pkg/billing"
	"github.com/platinummonkey/seatkeeper/pkg/observability"
	"github.com/platinummonkey/seatkeeper/pkg/seats"
)

const (
	JobSagaReconcile      = "saga_reconcile"
	JobInvitationExpiry   = "invitation_expiry"
	JobSeatCountReconcile = "seat_count_reconcile"
)

// Schedules holds cron specs for the maintenance jobs. An empty spec
// disables the job.
type Schedules struct {
	SagaReconcile      string `yaml:"saga_reconcile"`
	InvitationExpiry   string `yaml:"invitation_expiry"`
	SeatCountReconcile string `yaml:"seat_count_reconcile"`
}

// DefaultSchedules returns the default maintenance schedules
func DefaultSchedules() Schedules {
	return Schedules{
		SagaReconcile:      "@every 5m",
		InvitationExpiry:   "@every 15m",
		SeatCountReconcile: "0 * * * *",
	}
}

// Maintenance returns the maintenance jobs bound to their collaborators
func Maintenance(schedules Schedules, reconciler *billing.Reconciler, alloc *seats.Allocator, logger *observability.Logger) []Job {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return []Job{
		{
			Name: JobSagaReconcile,
			Spec: schedules.SagaReconcile,
			Run: func(ctx context.Context) error {
				report, err := reconciler.Run(ctx)
				if report.Examined > 0 {
					logger.WithFields(map[string]interface{}{
						"examined":    report.Examined,
						"finalized":   report.Finalized,
						"compensated": report.Compensated,
						"failed":      report.Failed,
					}).Info("Reconciled stale subscription changes")
				}
				return err
			},
		},
		{
			Name: JobInvitationExpiry,
			Spec: schedules.InvitationExpiry,
			Run: func(ctx context.Context) error {
				_, err := alloc.ExpireInvitations(ctx)
				return err
			},
		},
		{
			Name: JobSeatCountReconcile,
			Spec: schedules.SeatCountReconcile,
			Run: func(ctx context.Context) error {
				_, err := alloc.ReconcileSeatCounts(ctx)
				return err
			},
		},
	}
}
