package seats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/seatkeeper/pkg/txn"
)

const statusCanceled = "canceled"

type subscriptionRow struct {
	ID         string
	SeatsTotal int
	SeatsUsed  int
	Status     string
}

// lockSubscription reads the tenant's subscription. Under immediate
// isolation on Postgres the ForUpdate suffix makes this the per-tenant lock.
func lockSubscription(ctx context.Context, tx *txn.Tx, tenantID string) (*subscriptionRow, error) {
	return readSubscription(ctx, tx, tenantID, tx.ForUpdate())
}

func readSubscription(ctx context.Context, tx *txn.Tx, tenantID, suffix string) (*subscriptionRow, error) {
	var sub subscriptionRow
	err := tx.QueryRowContext(ctx,
		`SELECT id, seats_total, seats_used, status FROM subscriptions WHERE tenant_id = ?`+suffix,
		tenantID,
	).Scan(&sub.ID, &sub.SeatsTotal, &sub.SeatsUsed, &sub.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read subscription: %w", err)
	}
	return &sub, nil
}

func countActive(ctx context.Context, tx *txn.Tx, tenantID string) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seat_assignments WHERE tenant_id = ? AND is_active = ?`,
		tenantID, true,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active seats: %w", err)
	}
	return n, nil
}

func countLivePending(ctx context.Context, tx *txn.Tx, tenantID string, now time.Time) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_invitations WHERE tenant_id = ? AND status = ? AND expires_at > ?`,
		tenantID, string(InvitationPending), now,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending invitations: %w", err)
	}
	return n, nil
}

// countHeldByOthers counts live pending invitations of the tenant except the
// one held for email, which a seat for that email would consume.
func countHeldByOthers(ctx context.Context, tx *txn.Tx, tenantID, email string, now time.Time) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_invitations WHERE tenant_id = ? AND status = ? AND expires_at > ? AND email <> ?`,
		tenantID, string(InvitationPending), now, email,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending invitations: %w", err)
	}
	return n, nil
}

// CommittedSeats returns the active assignments and live pending invitations
// of a tenant as seen by tx. Callers resizing capacity must not drop below
// their sum.
func CommittedSeats(ctx context.Context, tx *txn.Tx, tenantID string, now time.Time) (active, pending int, err error) {
	if active, err = countActive(ctx, tx, tenantID); err != nil {
		return 0, 0, err
	}
	if pending, err = countLivePending(ctx, tx, tenantID, now); err != nil {
		return 0, 0, err
	}
	return active, pending, nil
}

func writeSeatsUsed(ctx context.Context, tx *txn.Tx, tenantID string, used int, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET seats_used = ?, updated_at = ? WHERE tenant_id = ?`,
		used, now, tenantID,
	); err != nil {
		return fmt.Errorf("failed to update seats_used: %w", err)
	}
	return nil
}

const seatColumns = `id, tenant_id, subscription_id, user_id, email, is_active, assigned_at, deactivated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSeat(row rowScanner) (*SeatAssignment, error) {
	var (
		seat        SeatAssignment
		deactivated sql.NullTime
	)
	if err := row.Scan(&seat.ID, &seat.TenantID, &seat.SubscriptionID, &seat.UserID, &seat.Email,
		&seat.IsActive, &seat.AssignedAt, &deactivated); err != nil {
		return nil, err
	}
	if deactivated.Valid {
		t := deactivated.Time
		seat.DeactivatedAt = &t
	}
	return &seat, nil
}

func findActiveSeat(ctx context.Context, tx *txn.Tx, tenantID, email string) (*SeatAssignment, error) {
	seat, err := scanSeat(tx.QueryRowContext(ctx,
		`SELECT `+seatColumns+` FROM seat_assignments WHERE tenant_id = ? AND email = ? AND is_active = ?`,
		tenantID, email, true,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up seat: %w", err)
	}
	return seat, nil
}

func insertSeat(ctx context.Context, tx *txn.Tx, seat *SeatAssignment) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO seat_assignments (`+seatColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		seat.ID, seat.TenantID, seat.SubscriptionID, seat.UserID, seat.Email, seat.IsActive, seat.AssignedAt, nil,
	); err != nil {
		return fmt.Errorf("failed to insert seat: %w", err)
	}
	return nil
}

const invitationColumns = `id, tenant_id, email, role, token, status, invited_by, expires_at, created_at, accepted_at`

func scanInvitation(row rowScanner) (*PendingInvitation, error) {
	var (
		inv      PendingInvitation
		accepted sql.NullTime
	)
	if err := row.Scan(&inv.ID, &inv.TenantID, &inv.Email, &inv.Role, &inv.Token, &inv.Status,
		&inv.InvitedBy, &inv.ExpiresAt, &inv.CreatedAt, &accepted); err != nil {
		return nil, err
	}
	if accepted.Valid {
		t := accepted.Time
		inv.AcceptedAt = &t
	}
	return &inv, nil
}
