package txn

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/seatkeeper/pkg/observability"
)

// Func is a unit of work. Returning an error rolls the transaction back.
type Func func(ctx context.Context, tx *Tx) error

// Tx is the handle a unit of work uses to talk to the database. Queries use
// ? placeholders; Tx rebinds them for the active dialect.
type Tx struct {
	session   Session
	dialect   Dialect
	isolation Isolation
	attempt   int
}

// ExecContext executes a statement inside the transaction
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.session.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

// QueryContext runs a query inside the transaction
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.session.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

// QueryRowContext runs a query expected to return at most one row
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.session.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// ForUpdate is the row-lock suffix to append to SELECTs that guard a write
func (t *Tx) ForUpdate() string { return t.dialect.ForUpdate() }

// Isolation is the lock strength the transaction began with
func (t *Tx) Isolation() Isolation { return t.isolation }

// Attempt is the 1-based attempt number of the running transaction
func (t *Tx) Attempt() int { return t.attempt }

// Dialect exposes the dialect for engine-specific statements
func (t *Tx) Dialect() Dialect { return t.dialect }

// Executor runs units of work in transactions
type Executor struct {
	db      *sql.DB
	dialect Dialect
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithLogger sets the logger for retries and fatal errors
func WithLogger(logger *observability.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithMetrics enables Prometheus transaction metrics
func WithMetrics(metrics *observability.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = metrics }
}

// WithTracer sets the tracer used for per-transaction spans
func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = tracer }
}

// NewExecutor creates an executor over db
func NewExecutor(db *sql.DB, dialect Dialect, opts ...ExecutorOption) *Executor {
	e := &Executor{
		db:      db,
		dialect: dialect,
		logger:  observability.NopLogger(),
		tracer:  observability.Tracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = observability.NopLogger()
	}
	if e.tracer == nil {
		e.tracer = observability.Tracer()
	}
	return e
}

// DB returns the underlying pool
func (e *Executor) DB() *sql.DB { return e.db }

// Dialect returns the dialect transactions are begun with
func (e *Executor) Dialect() Dialect { return e.dialect }

// lockContention carries a lock-timeout class error between attempts
type lockContention struct {
	err error
}

func (l *lockContention) Error() string { return l.err.Error() }

func (l *lockContention) Unwrap() error { return l.err }

// Run executes fn in a transaction described by opts. See the package
// documentation for the error contract.
func (e *Executor) Run(ctx context.Context, opts Options, fn Func) error {
	opts = opts.withDefaults()
	isolation := opts.Isolation.String()

	ctx, span := e.tracer.Start(ctx, "txn."+opts.Name, trace.WithAttributes(
		attribute.String("db.system", e.dialect.Name()),
		attribute.String("txn.isolation", isolation),
		attribute.Int("txn.max_attempts", opts.MaxAttempts),
	))
	defer span.End()

	log := observability.LoggerWithTrace(ctx, e.logger).WithFields(map[string]interface{}{
		"tx":        opts.Name,
		"isolation": isolation,
	})

	start := time.Now()
	attempts := 0

	operation := func() error {
		attempts++
		if e.metrics != nil {
			e.metrics.TxAttemptsTotal.WithLabelValues(opts.Name, isolation).Inc()
		}
		err := e.attempt(ctx, opts, attempts, fn)
		if err == nil {
			return nil
		}
		return e.classifyAttempt(ctx, err)
	}

	notify := func(err error, wait time.Duration) {
		if e.metrics != nil {
			e.metrics.TxRetriesTotal.WithLabelValues(opts.Name, isolation).Inc()
		}
		log.WithError(err).WithFields(map[string]interface{}{
			"attempt": attempts,
			"wait_ms": wait.Milliseconds(),
		}).Warn("Lock contention, retrying transaction")
	}

	err := backoff.RetryNotify(operation, retryPolicy(ctx, opts), notify)

	var contention *lockContention
	if errors.As(err, &contention) {
		err = &LockTimeoutError{Attempts: attempts, Err: contention.err}
	}

	outcome := outcomeOf(err)
	span.SetAttributes(
		attribute.Int("txn.attempts", attempts),
		attribute.String("txn.outcome", outcome),
	)
	if e.metrics != nil {
		e.metrics.TxOutcomesTotal.WithLabelValues(opts.Name, outcome).Inc()
		e.metrics.TxDuration.WithLabelValues(opts.Name, isolation).Observe(time.Since(start).Seconds())
	}

	switch outcome {
	case "committed", "rejected":
		return err
	case "fatal":
		log.WithError(err).WithField("attempts", attempts).Error("Transaction failed with non-retryable database error")
	default:
		log.WithError(err).WithField("attempts", attempts).Warn("Transaction aborted")
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	return err
}

// classifyAttempt decides whether a failed attempt is retried
func (e *Executor) classifyAttempt(ctx context.Context, err error) error {
	var step *stepError
	isStep := errors.As(err, &step)

	if !isStep && !isDatabaseError(err) && Classify(err) == ClassFatal {
		// business decision from the unit of work
		return backoff.Permanent(err)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return backoff.Permanent(ctxErr)
	}

	switch Classify(err) {
	case ClassLockTimeout:
		return &lockContention{err: err}
	case ClassDeadlock:
		return backoff.Permanent(&DeadlockError{Err: err})
	}

	op := "exec"
	if isStep {
		op = step.op
		err = step.err
	}
	return backoff.Permanent(&TransactionError{Op: op, Err: err})
}

// attempt runs one begin/work/commit cycle on a dedicated connection and
// guarantees exactly one commit or rollback once begin succeeded.
func (e *Executor) attempt(ctx context.Context, opts Options, n int, fn Func) (err error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return &stepError{op: "connect", err: err}
	}
	defer conn.Close()

	session, err := e.dialect.Begin(ctx, conn, opts)
	if err != nil {
		return &stepError{op: "begin", err: err}
	}

	tx := &Tx{session: session, dialect: e.dialect, isolation: opts.Isolation, attempt: n}

	defer func() {
		if r := recover(); r != nil {
			e.rollback(ctx, session, opts)
			panic(r)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		e.rollback(ctx, session, opts)
		return err
	}

	if err := session.Commit(ctx); err != nil {
		e.rollback(ctx, session, opts)
		return &stepError{op: "commit", err: err}
	}
	return nil
}

// rollback runs even when the caller's context is already canceled
func (e *Executor) rollback(ctx context.Context, session Session, opts Options) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.Timeout)
	defer cancel()
	if err := session.Rollback(ctx); err != nil {
		e.logger.WithError(err).WithField("tx", opts.Name).Error("Rollback failed, connection discarded")
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "committed"
	case IsLockTimeout(err):
		return "lock_timeout"
	case IsDeadlock(err):
		return "deadlock"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		var txErr *TransactionError
		if errors.As(err, &txErr) {
			return "fatal"
		}
		return "rejected"
	}
}

// Query runs fn like Run and returns its value
func Query[T any](ctx context.Context, e *Executor, opts Options, fn func(ctx context.Context, tx *Tx) (T, error)) (T, error) {
	var out T
	err := e.Run(ctx, opts, func(ctx context.Context, tx *Tx) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
