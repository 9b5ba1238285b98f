// Package ratelimit provides fixed-window counters for capping how often a
// tenant may perform an action, such as sending invitations.
//
// The counter is injectable: MemoryCounter keeps state in process and
// RedisCounter shares it across instances.
//
//	limiter := ratelimit.NewLimiter(ratelimit.NewRedisCounter(client, "seatkeeper"), 20, time.Hour)
//	ok, err := limiter.Allow(ctx, "invite:"+tenantID)
package ratelimit
