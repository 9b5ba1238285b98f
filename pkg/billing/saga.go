package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/seatkeeper/pkg/observability"
	"github.com/platinummonkey/seatkeeper/pkg/seats"
	"github.com/platinummonkey/seatkeeper/pkg/txn"
)

const (
	phaseIntent     = "intent"
	phaseProvider   = "provider"
	phaseFinalize   = "finalize"
	phaseCompensate = "compensate"
)

// SagaConfig bounds the external call and the local steps around it
type SagaConfig struct {
	// ProviderTimeout caps each call to the payment provider
	ProviderTimeout time.Duration
	// SettleTimeout caps finalize and compensate, which run even after the
	// caller's context is done
	SettleTimeout time.Duration
	RetryAttempts int
	LockTimeout   time.Duration
}

// DefaultSagaConfig returns the default saga timeouts
func DefaultSagaConfig() SagaConfig {
	return SagaConfig{
		ProviderTimeout: 10 * time.Second,
		SettleTimeout:   30 * time.Second,
		RetryAttempts:   txn.DefaultMaxAttempts,
		LockTimeout:     txn.DefaultTimeout,
	}
}

func (c SagaConfig) withDefaults() SagaConfig {
	d := DefaultSagaConfig()
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = d.ProviderTimeout
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = d.SettleTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	return c
}

// Saga coordinates subscription changes between the database and the
// payment provider
type Saga struct {
	exec     *txn.Executor
	provider Provider
	cfg      SagaConfig
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Saga
type Option func(*Saga)

func WithLogger(logger *observability.Logger) Option {
	return func(s *Saga) { s.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Saga) { s.metrics = metrics }
}

func WithClock(now func() time.Time) Option {
	return func(s *Saga) { s.now = now }
}

// NewSaga creates a new saga coordinator
func NewSaga(exec *txn.Executor, provider Provider, cfg SagaConfig, opts ...Option) *Saga {
	s := &Saga{
		exec:     exec,
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   observability.NopLogger(),
		tracer:   observability.Tracer(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.NopLogger()
	}
	return s
}

// Provider returns the payment provider the saga calls
func (s *Saga) Provider() Provider { return s.provider }

func (s *Saga) clock() time.Time {
	return s.now().UTC()
}

func (s *Saga) immediate(name string) txn.Options {
	return txn.ImmediateOptions(name).WithRetry(s.cfg.RetryAttempts, s.cfg.LockTimeout)
}

func (s *Saga) deferred(name string) txn.Options {
	return txn.Named(name).WithRetry(s.cfg.RetryAttempts, s.cfg.LockTimeout)
}

// detached keeps ctx's values but not its cancellation, so local state is
// settled even when the caller gave up during the provider call
func (s *Saga) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SettleTimeout)
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrOperationInProgress),
		errors.Is(err, ErrSeatsInUse),
		errors.Is(err, ErrAlreadyCanceled),
		errors.Is(err, ErrSubscriptionNotFound):
		return "rejected"
	default:
		return "error"
	}
}

func (s *Saga) transition(op Operation, phase string, err error) {
	if s.metrics != nil {
		s.metrics.SagaTransitionsTotal.WithLabelValues(string(op), phase, resultOf(err)).Inc()
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateSubscription records a tenant's subscription. An existing row for
// the tenant is returned unchanged.
func (s *Saga) CreateSubscription(ctx context.Context, tenantID, providerRef string, seatsTotal int, status Status) (*Subscription, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if seatsTotal < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSeatCount, seatsTotal)
	}
	if status == "" {
		status = StatusActive
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	return txn.Query(ctx, s.exec, s.deferred("create_subscription"), func(ctx context.Context, tx *txn.Tx) (*Subscription, error) {
		now := s.clock()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscriptions (id, tenant_id, provider_ref, seats_total, seats_used, status, cancel_at_period_end, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
			 ON CONFLICT (tenant_id) DO NOTHING`,
			uuid.NewString(), tenantID, providerRef, seatsTotal, string(status), false, now, now,
		); err != nil {
			return nil, fmt.Errorf("failed to create subscription: %w", err)
		}
		return loadSubscription(ctx, tx, tenantID, "")
	})
}

// GetSubscription returns the tenant's subscription
func (s *Saga) GetSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	return txn.Query(ctx, s.exec, s.deferred("get_subscription"), func(ctx context.Context, tx *txn.Tx) (*Subscription, error) {
		return loadSubscription(ctx, tx, tenantID, "")
	})
}

// ListInTransition returns subscriptions whose saga started at least
// olderThan ago and has not settled
func (s *Saga) ListInTransition(ctx context.Context, olderThan time.Duration) ([]*Subscription, error) {
	cutoff := s.clock().Add(-olderThan)
	return txn.Query(ctx, s.exec, s.deferred("list_in_transition"), func(ctx context.Context, tx *txn.Tx) ([]*Subscription, error) {
		return listInTransition(ctx, tx, cutoff)
	})
}

// UpdateSeatCount changes purchased capacity. The new total may not drop
// below active seats plus live invitations. While the provider call is in
// flight the tenant's capacity is the lower of the old and new totals.
func (s *Saga) UpdateSeatCount(ctx context.Context, tenantID string, newTotal int) (err error) {
	if newTotal < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSeatCount, newTotal)
	}

	ctx, span := s.tracer.Start(ctx, "saga.update_seats", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Int("seats.target", newTotal),
	))
	defer func() { endSpan(span, err) }()

	log := observability.LoggerWithTrace(ctx, s.logger).WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"operation": string(OperationUpdateSeats),
	})

	sub, err := txn.Query(ctx, s.exec, s.immediate("saga_update_seats_intent"), func(ctx context.Context, tx *txn.Tx) (*Subscription, error) {
		now := s.clock()

		sub, err := loadSubscription(ctx, tx, tenantID, tx.ForUpdate())
		if err != nil {
			return nil, err
		}
		if sub.InTransition() {
			return nil, ErrOperationInProgress
		}
		if sub.Status == StatusCanceled {
			return nil, ErrAlreadyCanceled
		}
		if sub.SeatsTotal == newTotal {
			return nil, nil
		}

		active, pending, err := seats.CommittedSeats(ctx, tx, tenantID, now)
		if err != nil {
			return nil, err
		}
		if newTotal < active+pending {
			return nil, &SeatsInUseError{Requested: newTotal, Active: active, Pending: pending}
		}

		prior := sub.SeatsTotal
		floor := min(prior, newTotal)
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET seats_total = ?, pending_operation = ?, prior_status = ?, prior_seats_total = ?,
			 target_seats_total = ?, transition_started_at = ?, updated_at = ? WHERE tenant_id = ?`,
			floor, string(OperationUpdateSeats), string(sub.Status), prior, newTotal, now, now, tenantID,
		); err != nil {
			return nil, fmt.Errorf("failed to record intent: %w", err)
		}

		sub.SeatsTotal = floor
		sub.PendingOperation = OperationUpdateSeats
		sub.PriorStatus = sub.Status
		sub.PriorSeatsTotal = &prior
		sub.TargetSeatsTotal = &newTotal
		sub.TransitionStartedAt = &now
		return sub, nil
	})
	s.transition(OperationUpdateSeats, phaseIntent, err)
	if err != nil {
		return err
	}
	if sub == nil {
		log.Debug("Seat count unchanged")
		return nil
	}

	callErr := s.callProvider(ctx, sub, func(ctx context.Context) error {
		return s.provider.SetSeatQuantity(ctx, sub.ProviderRef, int64(newTotal))
	})
	if callErr != nil {
		return s.compensate(ctx, log, sub, &ExternalProviderError{Op: "set_seat_quantity", Err: callErr})
	}

	if _, err := s.finalizeSeats(ctx, tenantID); err != nil {
		log.WithError(err).Error("Failed to finalize seat change, left for reconciliation")
		return err
	}
	log.WithFields(map[string]interface{}{
		"seats_prior":  *sub.PriorSeatsTotal,
		"seats_target": newTotal,
	}).Info("Seat count updated")
	return nil
}

// CancelSubscription cancels the tenant's subscription, immediately or at
// the end of the billing period. Status is cancellation_pending while the
// provider call is in flight.
func (s *Saga) CancelSubscription(ctx context.Context, tenantID string, atPeriodEnd bool) (err error) {
	ctx, span := s.tracer.Start(ctx, "saga.cancel", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Bool("cancel.at_period_end", atPeriodEnd),
	))
	defer func() { endSpan(span, err) }()

	log := observability.LoggerWithTrace(ctx, s.logger).WithFields(map[string]interface{}{
		"tenant_id":     tenantID,
		"operation":     string(OperationCancel),
		"at_period_end": atPeriodEnd,
	})

	sub, err := txn.Query(ctx, s.exec, s.immediate("saga_cancel_intent"), func(ctx context.Context, tx *txn.Tx) (*Subscription, error) {
		now := s.clock()

		sub, err := loadSubscription(ctx, tx, tenantID, tx.ForUpdate())
		if err != nil {
			return nil, err
		}
		if sub.InTransition() {
			return nil, ErrOperationInProgress
		}
		if sub.Status == StatusCanceled {
			return nil, ErrAlreadyCanceled
		}
		if atPeriodEnd && sub.Status == StatusCancellationPending && sub.CancelAtPeriodEnd {
			return nil, nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET status = ?, pending_operation = ?, prior_status = ?, prior_seats_total = ?,
			 transition_started_at = ?, updated_at = ? WHERE tenant_id = ?`,
			string(StatusCancellationPending), string(OperationCancel), string(sub.Status), sub.SeatsTotal, now, now, tenantID,
		); err != nil {
			return nil, fmt.Errorf("failed to record intent: %w", err)
		}

		prior := sub.SeatsTotal
		sub.PriorStatus = sub.Status
		sub.Status = StatusCancellationPending
		sub.PendingOperation = OperationCancel
		sub.PriorSeatsTotal = &prior
		sub.TransitionStartedAt = &now
		return sub, nil
	})
	s.transition(OperationCancel, phaseIntent, err)
	if err != nil {
		return err
	}
	if sub == nil {
		log.Debug("Cancellation already scheduled")
		return nil
	}

	callErr := s.callProvider(ctx, sub, func(ctx context.Context) error {
		return s.provider.CancelSubscription(ctx, sub.ProviderRef, atPeriodEnd)
	})
	if callErr != nil {
		return s.compensate(ctx, log, sub, &ExternalProviderError{Op: "cancel_subscription", Err: callErr})
	}

	if _, err := s.finalizeCancel(ctx, tenantID, atPeriodEnd); err != nil {
		log.WithError(err).Error("Failed to finalize cancellation, left for reconciliation")
		return err
	}
	log.Info("Subscription canceled")
	return nil
}

func (s *Saga) callProvider(ctx context.Context, sub *Subscription, call func(context.Context) error) error {
	op := sub.PendingOperation
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	ctx = WithIdempotencyKey(ctx, idempotencyKey(sub))

	ctx, span := s.tracer.Start(ctx, "provider."+string(op), trace.WithAttributes(
		attribute.String("provider.ref", sub.ProviderRef),
	))
	start := time.Now()
	err := call(ctx)
	if s.metrics != nil {
		s.metrics.ProviderCallDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	}
	endSpan(span, err)
	s.transition(op, phaseProvider, err)
	return err
}

// idempotencyKey is stable for one transition of one subscription
func idempotencyKey(sub *Subscription) string {
	var started int64
	if sub.TransitionStartedAt != nil {
		started = sub.TransitionStartedAt.UnixNano()
	}
	return fmt.Sprintf("%s-%s-%d", sub.ID, sub.PendingOperation, started)
}

// compensate restores the snapshot taken at intent. cause is returned,
// joined with the compensation failure if there was one.
func (s *Saga) compensate(ctx context.Context, log *observability.Logger, sub *Subscription, cause error) error {
	if _, err := s.compensateRow(ctx, sub.TenantID, sub.PendingOperation); err != nil {
		log.WithError(err).WithField("cause", cause.Error()).Error("Compensation failed, left for reconciliation")
		return errors.Join(cause, fmt.Errorf("failed to compensate %s: %w", sub.PendingOperation, err))
	}
	log.WithError(cause).Warn("Provider call failed, local state restored")
	return cause
}

func (s *Saga) settle(ctx context.Context, tenantID string, op Operation, phase, set string, args ...any) (bool, error) {
	ctx, cancel := s.detached(ctx)
	defer cancel()

	settled, err := txn.Query(ctx, s.exec, s.immediate("saga_"+string(op)+"_"+phase), func(ctx context.Context, tx *txn.Tx) (bool, error) {
		return settleRow(ctx, tx, tenantID, op, set, args...)
	})
	s.transition(op, phase, err)
	if err == nil && !settled {
		s.logger.WithFields(map[string]interface{}{
			"tenant_id": tenantID,
			"operation": string(op),
			"phase":     phase,
		}).Warn("Transition already settled elsewhere")
	}
	return settled, err
}

func (s *Saga) finalizeSeats(ctx context.Context, tenantID string) (bool, error) {
	return s.settle(ctx, tenantID, OperationUpdateSeats, phaseFinalize,
		`seats_total = target_seats_total, updated_at = ?`, s.clock())
}

func (s *Saga) finalizeCancel(ctx context.Context, tenantID string, atPeriodEnd bool) (bool, error) {
	now := s.clock()
	if atPeriodEnd {
		return s.settle(ctx, tenantID, OperationCancel, phaseFinalize,
			`status = ?, cancel_at_period_end = ?, updated_at = ?`,
			string(StatusCancellationPending), true, now)
	}
	return s.settle(ctx, tenantID, OperationCancel, phaseFinalize,
		`status = ?, cancel_at_period_end = ?, canceled_at = ?, updated_at = ?`,
		string(StatusCanceled), false, now, now)
}

func (s *Saga) compensateRow(ctx context.Context, tenantID string, op Operation) (bool, error) {
	return s.settle(ctx, tenantID, op, phaseCompensate,
		`status = prior_status, seats_total = COALESCE(prior_seats_total, seats_total), updated_at = ?`, s.clock())
}

// statusFromProvider maps a provider status onto ours. Unknown statuses
// report false.
func statusFromProvider(ps *ProviderSubscription) (Status, bool) {
	switch ps.Status {
	case "active":
		if ps.CancelAtPeriodEnd {
			return StatusCancellationPending, true
		}
		return StatusActive, true
	case "trialing":
		if ps.CancelAtPeriodEnd {
			return StatusCancellationPending, true
		}
		return StatusTrial, true
	case "past_due", "unpaid":
		return StatusPastDue, true
	case "canceled", "incomplete_expired":
		return StatusCanceled, true
	}
	return "", false
}

// SyncProviderStatus records a change the provider made on its own, such as
// a failed renewal, the end of a period or a seat quantity edited in the
// provider's dashboard. Subscriptions with a saga in flight are skipped; the
// reconciler settles those. A quantity below the seats already committed
// (active plus live pending) is not applied.
func (s *Saga) SyncProviderStatus(ctx context.Context, ps *ProviderSubscription) (bool, error) {
	status, ok := statusFromProvider(ps)
	if !ok {
		return false, nil
	}

	var (
		tenantID  string
		seatsFrom int
		seatsTo   int
		committed int
	)
	updated, err := txn.Query(ctx, s.exec, s.immediate("sync_provider_status"), func(ctx context.Context, tx *txn.Tx) (bool, error) {
		now := s.clock()
		committed = -1

		var pendingOp sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT tenant_id, seats_total, pending_operation FROM subscriptions WHERE provider_ref = ?`+tx.ForUpdate(),
			ps.Ref,
		).Scan(&tenantID, &seatsFrom, &pendingOp)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to get subscription: %w", err)
		}
		if pendingOp.Valid && pendingOp.String != "" {
			return false, nil
		}

		seatsTo = seatsFrom
		if quantity := int(ps.Quantity); quantity > 0 && quantity != seatsFrom {
			active, pending, err := seats.CommittedSeats(ctx, tx, tenantID, now)
			if err != nil {
				return false, err
			}
			if quantity >= active+pending {
				seatsTo = quantity
			} else {
				committed = active + pending
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET status = ?, seats_total = ?, cancel_at_period_end = ?,
			 canceled_at = CASE WHEN ? THEN COALESCE(canceled_at, ?) ELSE canceled_at END, updated_at = ?
			 WHERE tenant_id = ?`,
			string(status), seatsTo, ps.CancelAtPeriodEnd, status == StatusCanceled, now, now, tenantID,
		); err != nil {
			return false, fmt.Errorf("failed to sync subscription status: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if !updated {
		return false, nil
	}

	log := s.logger.WithFields(map[string]interface{}{
		"tenant_id":    tenantID,
		"provider_ref": ps.Ref,
		"status":       string(status),
	})
	if committed >= 0 {
		log.WithFields(map[string]interface{}{
			"provider_quantity": ps.Quantity,
			"committed":         committed,
			"seats_total":       seatsFrom,
		}).Warn("Provider seat quantity is below committed seats, keeping local seat count")
	}
	if seatsTo != seatsFrom {
		log = log.WithFields(map[string]interface{}{"seats_from": seatsFrom, "seats_to": seatsTo})
	}
	log.Info("Subscription synced from provider")
	return true, nil
}
