package async

import (
	"context"

	"github.com/platinummonkey/seatkeeper/pkg/observability"
)

// SafeGo runs fn in a goroutine. A panic is recovered, logged with its
// stack and reported as an error. The returned channel receives fn's
// result once, then is closed.
func SafeGo(ctx context.Context, logger *observability.Logger, taskName string, fn func(context.Context) error) <-chan error {
	if logger == nil {
		logger = observability.NopLogger()
	}
	done := make(chan error, 1)

	go func() {
		defer close(done)

		var err error
		func() {
			defer observability.RecoverPanicWithCallback(logger, taskName, func(r interface{}) {
				err = observability.PanicError(r)
			})
			err = fn(ctx)
		}()

		if err != nil && ctx.Err() == nil {
			logger.WithError(err).WithField("task", taskName).Error("Background task failed")
		}
		done <- err
	}()

	return done
}

// SafeGoNoError is SafeGo for functions that cannot fail
func SafeGoNoError(ctx context.Context, logger *observability.Logger, taskName string, fn func(context.Context)) <-chan error {
	return SafeGo(ctx, logger, taskName, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}
