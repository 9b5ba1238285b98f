package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/seatkeeper/pkg/txn"
)

const subscriptionColumns = `id, tenant_id, seats_total, seats_used, status, provider_ref,
	cancel_at_period_end, canceled_at, pending_operation, prior_status, prior_seats_total,
	target_seats_total, transition_started_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub        Subscription
		canceledAt sql.NullTime
		pendingOp  sql.NullString
		prior      sql.NullString
		priorSeats sql.NullInt64
		target     sql.NullInt64
		startedAt  sql.NullTime
	)
	if err := row.Scan(&sub.ID, &sub.TenantID, &sub.SeatsTotal, &sub.SeatsUsed, &sub.Status, &sub.ProviderRef,
		&sub.CancelAtPeriodEnd, &canceledAt, &pendingOp, &prior, &priorSeats,
		&target, &startedAt, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	if canceledAt.Valid {
		t := canceledAt.Time
		sub.CanceledAt = &t
	}
	sub.PendingOperation = Operation(pendingOp.String)
	sub.PriorStatus = Status(prior.String)
	if priorSeats.Valid {
		n := int(priorSeats.Int64)
		sub.PriorSeatsTotal = &n
	}
	if target.Valid {
		n := int(target.Int64)
		sub.TargetSeatsTotal = &n
	}
	if startedAt.Valid {
		t := startedAt.Time
		sub.TransitionStartedAt = &t
	}
	return &sub, nil
}

// loadSubscription reads the tenant's row; pass tx.ForUpdate() as suffix to
// take the per-tenant lock on Postgres
func loadSubscription(ctx context.Context, tx *txn.Tx, tenantID, suffix string) (*Subscription, error) {
	sub, err := scanSubscription(tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = ?`+suffix,
		tenantID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func listInTransition(ctx context.Context, tx *txn.Tx, startedBefore time.Time) ([]*Subscription, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE pending_operation IS NOT NULL AND transition_started_at <= ?
		 ORDER BY transition_started_at, tenant_id`,
		startedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitional subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// clearMarker is the SET fragment that ends a transition
const clearMarker = `pending_operation = NULL, prior_status = NULL, prior_seats_total = NULL,
	target_seats_total = NULL, transition_started_at = NULL`

// settleRow applies set to the tenant's row only while op is still pending.
// It reports whether the row was settled by this call.
func settleRow(ctx context.Context, tx *txn.Tx, tenantID string, op Operation, set string, args ...any) (bool, error) {
	all := append(append([]any{}, args...), tenantID, string(op))
	res, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET `+set+`, `+clearMarker+` WHERE tenant_id = ? AND pending_operation = ?`,
		all...,
	)
	if err != nil {
		return false, fmt.Errorf("failed to settle subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
