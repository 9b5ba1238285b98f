// Package seats allocates paid seat capacity to identities within a tenant.
//
// Every capacity decision is a single read-decide-write transaction taken
// with immediate isolation: the subscription's seats_total, the live count
// of active assignments and the live count of unexpired pending invitations
// are read under the tenant's write lock, and the insert happens in the
// same transaction. Concurrent callers for one tenant are therefore totally
// ordered and can never oversell.
//
// The seats_used column on subscriptions is a display cache. It is written
// after each decision and repaired by ReconcileSeatCounts, but it is never
// read to decide whether capacity remains.
//
//	alloc := seats.NewAllocator(exec, seats.DefaultConfig(), seats.WithLogger(logger))
//	seat, err := alloc.AssignSeat(ctx, "org-1", seats.Identity{Email: "a@x.com"})
//	if errors.Is(err, seats.ErrQuotaExceeded) {
//		// render "no seats available, upgrade your plan"
//	}
package seats
