package billing

import (
	"errors"
	"fmt"

	"github.com/platinummonkey/seatkeeper/pkg/seats"
)

var (
	// ErrSubscriptionNotFound is shared with the seats package so callers
	// can test for either with one errors.Is
	ErrSubscriptionNotFound = seats.ErrSubscriptionNotFound
	ErrOperationInProgress  = errors.New("another subscription change is in progress")
	ErrSeatsInUse           = errors.New("seat count below seats in use")
	ErrAlreadyCanceled      = errors.New("subscription already canceled")
	ErrInvalidSeatCount     = errors.New("invalid seat count")
	ErrInvalidStatus        = errors.New("invalid subscription status")
	ErrInvalidTenant        = errors.New("tenant id is required")
)

// ExternalProviderError is returned when the payment provider rejected or
// failed a change. Local state has been compensated unless the error is
// joined with a compensation failure.
type ExternalProviderError struct {
	Op  string
	Err error
}

func (e *ExternalProviderError) Error() string {
	return fmt.Sprintf("payment provider %s failed: %v", e.Op, e.Err)
}

func (e *ExternalProviderError) Unwrap() error {
	return e.Err
}

// SeatsInUseError is a refused shrink. It matches ErrSeatsInUse.
type SeatsInUseError struct {
	Requested int
	Active    int
	Pending   int
}

func (e *SeatsInUseError) Error() string {
	return fmt.Sprintf("cannot reduce to %d seats: %d active and %d pending invitations", e.Requested, e.Active, e.Pending)
}

func (e *SeatsInUseError) Is(target error) bool {
	return target == ErrSeatsInUse
}

// IsProviderError reports whether err came from the payment provider
func IsProviderError(err error) bool {
	var perr *ExternalProviderError
	return errors.As(err, &perr)
}
