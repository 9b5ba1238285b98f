package txn

import (
	"fmt"
	"time"
)

// Isolation is the lock strength a transaction starts with
type Isolation int

const (
	// Deferred acquires locks lazily, on first read or write
	Deferred Isolation = iota
	// Immediate takes the write lock when the transaction begins. Use it for
	// every check-then-act sequence.
	Immediate
	// Exclusive blocks all other readers and writers
	Exclusive
)

func (i Isolation) String() string {
	switch i {
	case Deferred:
		return "deferred"
	case Immediate:
		return "immediate"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("isolation(%d)", int(i))
	}
}

const (
	DefaultTimeout     = 5 * time.Second
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 25 * time.Millisecond
)

// Options controls one logical transaction
type Options struct {
	// Name labels spans, metrics and log lines
	Name      string
	Isolation Isolation
	// Timeout is the longest a single attempt waits to acquire a lock
	Timeout time.Duration
	// MaxAttempts bounds the attempts made on lock contention, first included
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxJitter is the upper bound of the random delay added to each backoff.
	// Zero means BaseDelay; negative disables jitter.
	MaxJitter time.Duration
}

// DefaultOptions returns deferred isolation with the default retry budget
func DefaultOptions() Options {
	return Options{
		Name:        "tx",
		Isolation:   Deferred,
		Timeout:     DefaultTimeout,
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
	}
}

// Named returns default deferred options labelled name
func Named(name string) Options {
	o := DefaultOptions()
	o.Name = name
	return o
}

// ImmediateOptions returns default options with immediate isolation
func ImmediateOptions(name string) Options {
	o := Named(name)
	o.Isolation = Immediate
	return o
}

// ExclusiveOptions returns default options with exclusive isolation
func ExclusiveOptions(name string) Options {
	o := Named(name)
	o.Isolation = Exclusive
	return o
}

// WithRetry returns a copy with the given attempt budget and lock timeout.
// Zero values keep the current setting.
func (o Options) WithRetry(maxAttempts int, timeout time.Duration) Options {
	if maxAttempts > 0 {
		o.MaxAttempts = maxAttempts
	}
	if timeout > 0 {
		o.Timeout = timeout
	}
	return o
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "tx"
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	switch {
	case o.MaxJitter == 0:
		o.MaxJitter = o.BaseDelay
	case o.MaxJitter < 0:
		o.MaxJitter = 0
	}
	return o
}
