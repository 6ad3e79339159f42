// Package auth defines the identity-provider signal the cart engine consumes.
// The provider itself (session cookie, JWT refresh, OAuth flow) is outside the
// engine; the engine only reacts to status transitions.
package auth

// Status is the authentication state reported by the identity provider.
type Status int

const (
	Unauthenticated Status = iota
	Pending
	Authenticated
)

func (s Status) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Pending:
		return "pending"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// State is a point-in-time identity snapshot. UserID is set only when Status
// is Authenticated.
type State struct {
	Status Status
	UserID string
}
