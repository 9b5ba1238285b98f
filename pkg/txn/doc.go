// Package txn runs units of work inside database transactions with an
// explicit lock strength and a bounded retry policy for lock contention.
//
// A unit of work receives a *Tx and may issue any number of statements.
// All of its writes commit together or not at all:
//
//	err := exec.Run(ctx, txn.ImmediateOptions("assign_seat"), func(ctx context.Context, tx *txn.Tx) error {
//		var total int
//		if err := tx.QueryRowContext(ctx, "SELECT seats_total FROM subscriptions WHERE tenant_id = ?"+tx.ForUpdate(), tenant).Scan(&total); err != nil {
//			return err
//		}
//		...
//	})
//
// Errors returned by the unit of work are classified with Classify. Lock
// timeouts are retried with exponential backoff and jitter until the attempt
// budget runs out (*LockTimeoutError). Deadlocks surface immediately as
// *DeadlockError. Other database failures become *TransactionError. Any
// other error is treated as a business decision: the transaction is rolled
// back and the error returned unchanged.
package txn
