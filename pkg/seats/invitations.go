package seats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/platinummonkey/seatkeeper/pkg/txn"
)

// ReserveOption adjusts a reservation
type ReserveOption func(*PendingInvitation)

// InvitedBy records who issued the invitation
func InvitedBy(userID string) ReserveOption {
	return func(p *PendingInvitation) { p.InvitedBy = userID }
}

// ReserveInvitation holds one seat for email until the invitation is
// accepted, canceled or expires. Active seats plus live reservations never
// exceed seats_total, and a tenant never holds more than
// MaxPendingPerTenant live reservations. Reserving again for an email with
// a live invitation returns that invitation.
func (a *Allocator) ReserveInvitation(ctx context.Context, tenantID, email string, role Role, opts ...ReserveOption) (*PendingInvitation, error) {
	email = NormalizeEmail(email)
	if tenantID == "" || !validEmail(email) {
		return nil, ErrInvalidIdentity
	}
	if role == "" {
		role = RoleMember
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidIdentity, role)
	}

	token, err := a.newToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	existing := false
	inv, err := txn.Query(ctx, a.exec, a.immediate("reserve_invitation"), func(ctx context.Context, tx *txn.Tx) (*PendingInvitation, error) {
		existing = false
		now := a.clock()

		sub, err := lockSubscription(ctx, tx, tenantID)
		if err != nil {
			return nil, err
		}
		if sub.Status == statusCanceled {
			return nil, ErrSubscriptionInactive
		}

		seat, err := findActiveSeat(ctx, tx, tenantID, email)
		if err != nil {
			return nil, err
		}
		if seat != nil {
			return nil, ErrAlreadySeated
		}

		live, err := scanInvitation(tx.QueryRowContext(ctx,
			`SELECT `+invitationColumns+` FROM pending_invitations
			 WHERE tenant_id = ? AND email = ? AND status = ? AND expires_at > ?
			 ORDER BY created_at DESC LIMIT 1`,
			tenantID, email, string(InvitationPending), now,
		))
		switch {
		case err == nil:
			existing = true
			return live, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("failed to look up invitation: %w", err)
		}

		active, pending, err := CommittedSeats(ctx, tx, tenantID, now)
		if err != nil {
			return nil, err
		}
		if active+pending >= sub.SeatsTotal {
			return nil, &QuotaExceededError{Resource: "seats", Current: active + pending, Limit: sub.SeatsTotal}
		}
		if pending >= a.cfg.MaxPendingPerTenant {
			return nil, ErrTooManyPending
		}

		inv := &PendingInvitation{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			Email:     email,
			Role:      role,
			Token:     token,
			Status:    InvitationPending,
			ExpiresAt: now.Add(a.cfg.InvitationTTL),
			CreatedAt: now,
		}
		for _, opt := range opts {
			opt(inv)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_invitations (id, tenant_id, subscription_id, email, role, token, status, invited_by, expires_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inv.ID, inv.TenantID, sub.ID, inv.Email, string(inv.Role), inv.Token, string(inv.Status),
			inv.InvitedBy, inv.ExpiresAt, inv.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to create invitation: %w", err)
		}
		return inv, nil
	})

	log := a.logger.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"email":     email,
	})
	if err != nil {
		a.decision("invitation", decisionOf(err))
		if IsQuotaExceeded(err) || errors.Is(err, ErrTooManyPending) {
			log.WithError(err).Info("Invitation refused")
		}
		return nil, err
	}

	if existing {
		a.decision("invitation", "existing")
		return inv, nil
	}
	a.decision("invitation", "granted")
	log.WithField("invitation_id", inv.ID).Info("Invitation reserved")
	return inv, nil
}

// AcceptInvitation converts a live reservation into an active seat for
// userID. Accepting for an email that already holds a seat settles the
// invitation and returns the existing seat.
func (a *Allocator) AcceptInvitation(ctx context.Context, token, userID string) (*SeatAssignment, error) {
	if token == "" {
		return nil, ErrInvitationNotFound
	}

	return txn.Query(ctx, a.exec, a.immediate("accept_invitation"), func(ctx context.Context, tx *txn.Tx) (*SeatAssignment, error) {
		now := a.clock()

		inv, err := scanInvitation(tx.QueryRowContext(ctx,
			`SELECT `+invitationColumns+` FROM pending_invitations WHERE token = ?`,
			token,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvitationNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get invitation: %w", err)
		}
		if inv.Status != InvitationPending {
			return nil, ErrInvitationNotPending
		}
		if !inv.ExpiresAt.After(now) {
			return nil, ErrInvitationExpired
		}

		// The subscription row is always locked before invitation rows.
		sub, err := lockSubscription(ctx, tx, inv.TenantID)
		if err != nil {
			return nil, err
		}

		settle := func() error {
			res, err := tx.ExecContext(ctx,
				`UPDATE pending_invitations SET status = ?, accepted_at = ? WHERE id = ? AND status = ?`,
				string(InvitationAccepted), now, inv.ID, string(InvitationPending),
			)
			if err != nil {
				return fmt.Errorf("failed to update invitation: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			if n == 0 {
				return ErrInvitationNotPending
			}
			return nil
		}

		current, err := findActiveSeat(ctx, tx, inv.TenantID, inv.Email)
		if err != nil {
			return nil, err
		}
		if current != nil {
			return current, settle()
		}

		if sub.Status == statusCanceled {
			return nil, ErrSubscriptionInactive
		}
		active, err := countActive(ctx, tx, inv.TenantID)
		if err != nil {
			return nil, err
		}
		held, err := countHeldByOthers(ctx, tx, inv.TenantID, inv.Email, now)
		if err != nil {
			return nil, err
		}
		if active+held >= sub.SeatsTotal {
			return nil, &QuotaExceededError{Resource: "seats", Current: active + held, Limit: sub.SeatsTotal}
		}

		seat := &SeatAssignment{
			ID:             uuid.NewString(),
			TenantID:       inv.TenantID,
			SubscriptionID: sub.ID,
			UserID:         userID,
			Email:          inv.Email,
			IsActive:       true,
			AssignedAt:     now,
		}
		if err := insertSeat(ctx, tx, seat); err != nil {
			return nil, err
		}
		if err := settle(); err != nil {
			return nil, err
		}
		if err := writeSeatsUsed(ctx, tx, inv.TenantID, active+1, now); err != nil {
			return nil, err
		}
		return seat, nil
	})
}

// CancelInvitation releases a pending reservation
func (a *Allocator) CancelInvitation(ctx context.Context, tenantID, invitationID string) error {
	return a.exec.Run(ctx, a.deferred("cancel_invitation"), func(ctx context.Context, tx *txn.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pending_invitations SET status = ? WHERE id = ? AND tenant_id = ? AND status = ?`,
			string(InvitationCanceled), invitationID, tenantID, string(InvitationPending),
		)
		if err != nil {
			return fmt.Errorf("failed to cancel invitation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return ErrInvitationNotFound
		}
		return nil
	})
}

// ExpireInvitations marks pending invitations past their expiry as expired.
// Capacity is already released at expiry; this only tidies the status.
func (a *Allocator) ExpireInvitations(ctx context.Context) (int64, error) {
	n, err := txn.Query(ctx, a.exec, a.deferred("expire_invitations"), func(ctx context.Context, tx *txn.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE pending_invitations SET status = ? WHERE status = ? AND expires_at <= ?`,
			string(InvitationExpired), string(InvitationPending), a.clock(),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to expire invitations: %w", err)
		}
		return res.RowsAffected()
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.logger.WithField("count", n).Info("Expired stale invitations")
		if a.metrics != nil {
			a.metrics.ReconciledTotal.WithLabelValues("invitation_expiry", "fixed").Add(float64(n))
		}
	}
	return n, nil
}

// ListInvitations lists a tenant's invitations, newest first. An empty
// status lists all of them.
func (a *Allocator) ListInvitations(ctx context.Context, tenantID string, status InvitationStatus) ([]*PendingInvitation, error) {
	return txn.Query(ctx, a.exec, a.deferred("list_invitations"), func(ctx context.Context, tx *txn.Tx) ([]*PendingInvitation, error) {
		query := `SELECT ` + invitationColumns + ` FROM pending_invitations WHERE tenant_id = ?`
		args := []any{tenantID}
		if status != "" {
			query += ` AND status = ?`
			args = append(args, string(status))
		}
		query += ` ORDER BY created_at DESC, id`

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to list invitations: %w", err)
		}
		defer rows.Close()

		var invitations []*PendingInvitation
		for rows.Next() {
			inv, err := scanInvitation(rows)
			if err != nil {
				return nil, fmt.Errorf("failed to scan invitation: %w", err)
			}
			inv.Token = ""
			invitations = append(invitations, inv)
		}
		return invitations, rows.Err()
	})
}
