package seats

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/seatkeeper/pkg/observability"
	"github.com/platinummonkey/seatkeeper/pkg/txn"
)

// Config holds allocator limits
type Config struct {
	// MaxPendingPerTenant caps outstanding invitations regardless of seat count
	MaxPendingPerTenant int
	InvitationTTL       time.Duration
	// RetryAttempts and LockTimeout bound each transaction's lock waits
	RetryAttempts int
	LockTimeout   time.Duration
}

// DefaultConfig returns the default allocator limits
func DefaultConfig() Config {
	return Config{
		MaxPendingPerTenant: 50,
		InvitationTTL:       7 * 24 * time.Hour,
		RetryAttempts:       txn.DefaultMaxAttempts,
		LockTimeout:         txn.DefaultTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPendingPerTenant <= 0 {
		c.MaxPendingPerTenant = d.MaxPendingPerTenant
	}
	if c.InvitationTTL <= 0 {
		c.InvitationTTL = d.InvitationTTL
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	return c
}

// Allocator grants and releases seats and invitation reservations
type Allocator struct {
	exec     *txn.Executor
	cfg      Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	newToken func() (string, error)
}

// Option configures an Allocator
type Option func(*Allocator)

func WithLogger(logger *observability.Logger) Option {
	return func(a *Allocator) { a.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(a *Allocator) { a.metrics = metrics }
}

// WithClock replaces time.Now, for tests that move time forward
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

// NewAllocator creates a new allocator
func NewAllocator(exec *txn.Executor, cfg Config, opts ...Option) *Allocator {
	a := &Allocator{
		exec:     exec,
		cfg:      cfg.withDefaults(),
		logger:   observability.NopLogger(),
		now:      time.Now,
		newToken: generateToken,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = observability.NopLogger()
	}
	return a
}

func (a *Allocator) clock() time.Time {
	return a.now().UTC()
}

func (a *Allocator) immediate(name string) txn.Options {
	return txn.ImmediateOptions(name).WithRetry(a.cfg.RetryAttempts, a.cfg.LockTimeout)
}

func (a *Allocator) deferred(name string) txn.Options {
	return txn.Named(name).WithRetry(a.cfg.RetryAttempts, a.cfg.LockTimeout)
}

func (a *Allocator) decision(resource, decision string) {
	if a.metrics != nil {
		a.metrics.QuotaDecisionsTotal.WithLabelValues(resource, decision).Inc()
	}
}

func decisionOf(err error) string {
	switch {
	case err == nil:
		return "granted"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrTooManyPending):
		return "too_many_pending"
	case txn.IsRetryable(err):
		return "contended"
	default:
		return "error"
	}
}

// AssignSeat gives identity an active seat in tenantID. An identity that
// already holds a seat gets the existing assignment back. When every seat is
// taken the result is a *QuotaExceededError.
func (a *Allocator) AssignSeat(ctx context.Context, tenantID string, identity Identity) (*SeatAssignment, error) {
	identity = identity.Normalize()
	if tenantID == "" || !validEmail(identity.Email) {
		return nil, ErrInvalidIdentity
	}

	existing := false
	seat, err := txn.Query(ctx, a.exec, a.immediate("assign_seat"), func(ctx context.Context, tx *txn.Tx) (*SeatAssignment, error) {
		existing = false
		now := a.clock()

		sub, err := lockSubscription(ctx, tx, tenantID)
		if err != nil {
			return nil, err
		}

		active, err := countActive(ctx, tx, tenantID)
		if err != nil {
			return nil, err
		}

		current, err := findActiveSeat(ctx, tx, tenantID, identity.Email)
		if err != nil {
			return nil, err
		}
		if current != nil {
			existing = true
			return current, nil
		}

		if sub.Status == statusCanceled {
			return nil, ErrSubscriptionInactive
		}
		held, err := countHeldByOthers(ctx, tx, tenantID, identity.Email, now)
		if err != nil {
			return nil, err
		}
		if active+held >= sub.SeatsTotal {
			return nil, &QuotaExceededError{Resource: "seats", Current: active + held, Limit: sub.SeatsTotal}
		}

		seat := &SeatAssignment{
			ID:             uuid.NewString(),
			TenantID:       tenantID,
			SubscriptionID: sub.ID,
			UserID:         identity.UserID,
			Email:          identity.Email,
			IsActive:       true,
			AssignedAt:     now,
		}
		if err := insertSeat(ctx, tx, seat); err != nil {
			return nil, err
		}

		// A direct assignment consumes any reservation held for the same email.
		if _, err := tx.ExecContext(ctx,
			`UPDATE pending_invitations SET status = ?, accepted_at = ? WHERE tenant_id = ? AND email = ? AND status = ?`,
			string(InvitationAccepted), now, tenantID, identity.Email, string(InvitationPending),
		); err != nil {
			return nil, fmt.Errorf("failed to settle invitation: %w", err)
		}

		if err := writeSeatsUsed(ctx, tx, tenantID, active+1, now); err != nil {
			return nil, err
		}
		return seat, nil
	})

	log := a.logger.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"email":     identity.Email,
	})
	if err != nil {
		a.decision("seat", decisionOf(err))
		if IsQuotaExceeded(err) {
			log.WithError(err).Info("Seat refused")
		}
		return nil, err
	}

	if existing {
		a.decision("seat", "existing")
		return seat, nil
	}
	a.decision("seat", "granted")
	log.WithField("seat_id", seat.ID).Info("Seat assigned")
	return seat, nil
}

// RemoveSeat deactivates an assignment. It reports false when no active
// assignment with that id exists in the tenant.
func (a *Allocator) RemoveSeat(ctx context.Context, tenantID, assignmentID string) (bool, error) {
	removed, err := txn.Query(ctx, a.exec, a.deferred("remove_seat"), func(ctx context.Context, tx *txn.Tx) (bool, error) {
		now := a.clock()

		res, err := tx.ExecContext(ctx,
			`UPDATE seat_assignments SET is_active = ?, deactivated_at = ? WHERE id = ? AND tenant_id = ? AND is_active = ?`,
			false, now, assignmentID, tenantID, true,
		)
		if err != nil {
			return false, fmt.Errorf("failed to deactivate seat: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return false, nil
		}

		active, err := countActive(ctx, tx, tenantID)
		if err != nil {
			return false, err
		}
		if err := writeSeatsUsed(ctx, tx, tenantID, active, now); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}

	if removed {
		a.logger.WithFields(map[string]interface{}{
			"tenant_id": tenantID,
			"seat_id":   assignmentID,
		}).Info("Seat removed")
	}
	return removed, nil
}

// GetSeat returns one assignment, active or not
func (a *Allocator) GetSeat(ctx context.Context, tenantID, assignmentID string) (*SeatAssignment, error) {
	return txn.Query(ctx, a.exec, a.deferred("get_seat"), func(ctx context.Context, tx *txn.Tx) (*SeatAssignment, error) {
		seat, err := scanSeat(tx.QueryRowContext(ctx,
			`SELECT `+seatColumns+` FROM seat_assignments WHERE id = ? AND tenant_id = ?`,
			assignmentID, tenantID,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAssignmentNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get seat: %w", err)
		}
		return seat, nil
	})
}

// ListSeats lists a tenant's assignments, newest first
func (a *Allocator) ListSeats(ctx context.Context, tenantID string, includeInactive bool) ([]*SeatAssignment, error) {
	return txn.Query(ctx, a.exec, a.deferred("list_seats"), func(ctx context.Context, tx *txn.Tx) ([]*SeatAssignment, error) {
		query := `SELECT ` + seatColumns + ` FROM seat_assignments WHERE tenant_id = ?`
		args := []any{tenantID}
		if !includeInactive {
			query += ` AND is_active = ?`
			args = append(args, true)
		}
		query += ` ORDER BY assigned_at DESC, id`

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to list seats: %w", err)
		}
		defer rows.Close()

		var seats []*SeatAssignment
		for rows.Next() {
			seat, err := scanSeat(rows)
			if err != nil {
				return nil, fmt.Errorf("failed to scan seat: %w", err)
			}
			seats = append(seats, seat)
		}
		return seats, rows.Err()
	})
}

// GetUsage reports capacity and consumption for a tenant
func (a *Allocator) GetUsage(ctx context.Context, tenantID string) (*Usage, error) {
	return txn.Query(ctx, a.exec, a.deferred("get_usage"), func(ctx context.Context, tx *txn.Tx) (*Usage, error) {
		sub, err := readSubscription(ctx, tx, tenantID, "")
		if err != nil {
			return nil, err
		}
		active, pending, err := CommittedSeats(ctx, tx, tenantID, a.clock())
		if err != nil {
			return nil, err
		}

		available := sub.SeatsTotal - active - pending
		if available < 0 {
			available = 0
		}
		return &Usage{
			TenantID:           tenantID,
			SeatsTotal:         sub.SeatsTotal,
			SeatsUsed:          sub.SeatsUsed,
			ActiveSeats:        active,
			PendingInvitations: pending,
			Available:          available,
		}, nil
	})
}

// ReconcileSeatCounts rewrites every seats_used cache that drifted from the
// live count of active assignments and returns how many were repaired.
func (a *Allocator) ReconcileSeatCounts(ctx context.Context) (int, error) {
	drifted, err := txn.Query(ctx, a.exec, a.deferred("find_seat_drift"), func(ctx context.Context, tx *txn.Tx) ([]string, error) {
		rows, err := tx.QueryContext(ctx, `
			SELECT s.tenant_id FROM subscriptions s
			WHERE s.seats_used <> (
				SELECT COUNT(*) FROM seat_assignments a
				WHERE a.tenant_id = s.tenant_id AND a.is_active = ?
			)
			ORDER BY s.tenant_id`, true)
		if err != nil {
			return nil, fmt.Errorf("failed to find drifted tenants: %w", err)
		}
		defer rows.Close()

		var tenants []string
		for rows.Next() {
			var tenantID string
			if err := rows.Scan(&tenantID); err != nil {
				return nil, fmt.Errorf("failed to scan tenant: %w", err)
			}
			tenants = append(tenants, tenantID)
		}
		return tenants, rows.Err()
	})
	if err != nil {
		return 0, err
	}

	fixed := 0
	for _, tenantID := range drifted {
		if err := ctx.Err(); err != nil {
			return fixed, err
		}

		changed, err := txn.Query(ctx, a.exec, a.immediate("reconcile_seats_used"), func(ctx context.Context, tx *txn.Tx) (bool, error) {
			sub, err := lockSubscription(ctx, tx, tenantID)
			if err != nil {
				return false, err
			}
			active, err := countActive(ctx, tx, tenantID)
			if err != nil {
				return false, err
			}
			if sub.SeatsUsed == active {
				return false, nil
			}
			return true, writeSeatsUsed(ctx, tx, tenantID, active, a.clock())
		})
		if err != nil {
			a.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to reconcile seats_used")
			if a.metrics != nil {
				a.metrics.ReconciledTotal.WithLabelValues("seats_used", "error").Inc()
			}
			continue
		}
		if changed {
			fixed++
			if a.metrics != nil {
				a.metrics.ReconciledTotal.WithLabelValues("seats_used", "fixed").Inc()
			}
		}
	}

	if fixed > 0 {
		a.logger.WithField("tenants", fixed).Info("Repaired seats_used drift")
	}
	return fixed, nil
}

// generateToken returns 32 random bytes, hex encoded
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
