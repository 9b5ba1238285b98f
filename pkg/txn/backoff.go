package txn

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// jitterBackOff yields base*2^n + rand[0, jitter) for the n-th retry.
// It implements backoff.BackOff.
type jitterBackOff struct {
	base   time.Duration
	jitter time.Duration
	n      int
	rand   func(n int64) int64
}

var _ backoff.BackOff = (*jitterBackOff)(nil)

func newJitterBackOff(base, jitter time.Duration) *jitterBackOff {
	return &jitterBackOff{base: base, jitter: jitter, rand: rand.Int64N}
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	d := b.base << uint(b.n)
	if b.jitter > 0 {
		d += time.Duration(b.rand(int64(b.jitter)))
	}
	b.n++
	return d
}

func (b *jitterBackOff) Reset() {
	b.n = 0
}

// retryPolicy bounds jitterBackOff by the attempt budget and ctx
func retryPolicy(ctx context.Context, opts Options) backoff.BackOff {
	return backoff.WithContext(
		backoff.WithMaxRetries(newJitterBackOff(opts.BaseDelay, opts.MaxJitter), uint64(opts.MaxAttempts-1)),
		ctx,
	)
}
