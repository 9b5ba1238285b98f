package seats

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded means the tenant has no seat capacity left
	ErrQuotaExceeded        = errors.New("no seats available")
	// ErrTooManyPending means the tenant hit the cap on outstanding invitations
	ErrTooManyPending       = errors.New("too many pending invitations")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionInactive = errors.New("subscription is canceled")
	ErrAssignmentNotFound   = errors.New("seat assignment not found")
	ErrInvitationNotFound   = errors.New("invitation not found")
	ErrInvitationExpired    = errors.New("invitation expired")
	ErrInvitationNotPending = errors.New("invitation is no longer pending")
	ErrAlreadySeated        = errors.New("email already holds an active seat")
	ErrInvalidIdentity      = errors.New("invalid identity")
)

// QuotaExceededError carries the numbers behind a capacity refusal. It
// matches ErrQuotaExceeded with errors.Is.
type QuotaExceededError struct {
	Resource string
	Current  int
	Limit    int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d of %d in use", e.Resource, e.Current, e.Limit)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// IsQuotaExceeded reports whether err is a capacity refusal
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}
