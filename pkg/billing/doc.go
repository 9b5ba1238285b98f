// Package billing keeps a tenant's subscription in step with an external
// payment provider.
//
// A change that touches both the local database and the provider runs as a
// three step saga:
//
//  1. Intent: the subscription row is moved to a transitional state and a
//     snapshot of the prior state is stored beside it, in one immediate
//     transaction.
//  2. The provider is called outside any transaction.
//  3. The row is finalized when the provider accepted the change and
//     compensated back to the snapshot when it did not.
//
// A record left transitional by a crash between steps is picked up by the
// Reconciler, which asks the provider what actually happened.
//
//	saga := billing.NewSaga(exec, billing.NewStripeProvider(cfg), billing.SagaConfig{})
//	if err := saga.UpdateSeatCount(ctx, "org-1", 10); err != nil {
//		var perr *billing.ExternalProviderError
//		if errors.As(err, &perr) {
//			// local state was restored
//		}
//	}
package billing
