// Package async runs background goroutines with panic recovery and error
// logging.
//
//	done := async.SafeGo(ctx, logger, "api server", func(ctx context.Context) error {
//		return serve(ctx)
//	})
//	if err := <-done; err != nil {
//		// the task failed or panicked
//	}
package async
