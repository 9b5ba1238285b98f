package seats

import (
	"strings"
	"time"
)

// Identity is the person a seat is assigned to
type Identity struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email"`
}

// Normalize returns the identity with a trimmed, lower-cased email
func (i Identity) Normalize() Identity {
	return Identity{
		UserID: strings.TrimSpace(i.UserID),
		Email:  NormalizeEmail(i.Email),
	}
}

// NormalizeEmail trims and lower-cases an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	local, domain, ok := strings.Cut(email, "@")
	return ok && local != "" && domain != "" &&
		!strings.ContainsAny(email, " \t\r\n") &&
		!strings.Contains(domain, "@")
}

// SeatAssignment grants one identity active access within a tenant
type SeatAssignment struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	SubscriptionID string     `json:"subscription_id"`
	UserID         string     `json:"user_id,omitempty"`
	Email          string     `json:"email"`
	IsActive       bool       `json:"is_active"`
	AssignedAt     time.Time  `json:"assigned_at"`
	DeactivatedAt  *time.Time `json:"deactivated_at,omitempty"`
}

// Role is the role granted when an invitation is accepted
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleMember    Role = "member"
	RoleDeveloper Role = "developer"
	RoleViewer    Role = "viewer"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleMember, RoleDeveloper, RoleViewer:
		return true
	}
	return false
}

// InvitationStatus represents the lifecycle of a pending invitation
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationExpired  InvitationStatus = "expired"
	InvitationCanceled InvitationStatus = "canceled"
)

// PendingInvitation reserves one seat until it is accepted, canceled or expires
type PendingInvitation struct {
	ID         string           `json:"id"`
	TenantID   string           `json:"tenant_id"`
	Email      string           `json:"email"`
	Role       Role             `json:"role"`
	Token      string           `json:"token,omitempty"`
	Status     InvitationStatus `json:"status"`
	InvitedBy  string           `json:"invited_by,omitempty"`
	ExpiresAt  time.Time        `json:"expires_at"`
	CreatedAt  time.Time        `json:"created_at"`
	AcceptedAt *time.Time       `json:"accepted_at,omitempty"`
}

// Live reports whether the invitation still holds capacity at now
func (p *PendingInvitation) Live(now time.Time) bool {
	return p.Status == InvitationPending && p.ExpiresAt.After(now)
}

// Usage summarizes a tenant's seat consumption
type Usage struct {
	TenantID           string `json:"tenant_id"`
	SeatsTotal         int    `json:"seats_total"`
	SeatsUsed          int    `json:"seats_used"`
	ActiveSeats        int    `json:"active_seats"`
	PendingInvitations int    `json:"pending_invitations"`
	Available          int    `json:"available"`
}
