package core

import "time"

// Permission is the capability level carried by a grant.
type Permission int

const (
	// PermissionRead allows reading slices within the granted scope.
	PermissionRead Permission = iota
	// PermissionWrite allows creating and updating slices; it implies read.
	PermissionWrite
	// PermissionAdmin additionally allows tombstone and purge operations.
	PermissionAdmin
)

// String returns the string representation of the permission.
func (p Permission) String() string {
	switch p {
	case PermissionRead:
		return "read"
	case PermissionWrite:
		return "write"
	case PermissionAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Satisfies reports whether holding p satisfies a requirement of need.
// Write implies read; admin implies everything.
func (p Permission) Satisfies(need Permission) bool { return p >= need }

// Grant is a time-bounded capability: subject may exercise Permission over
// Scope until ExpiresAt. Grants are never ambient; every vault operation
// presents one and expired grants are rejected, not silently ignored.
// SessionID records the issuing session for communal grants and is empty
// for private default and administrative grants.
type Grant struct {
	ID         string     `json:"id"`
	Subject    AgentID    `json:"subject"`
	Scope      Scope      `json:"scope"`
	Permission Permission `json:"permission"`
	ExpiresAt  time.Time  `json:"expires_at"`
	SessionID  string     `json:"session_id,omitempty"`
}

// Expired reports whether the grant is outside its validity window.
func (g Grant) Expired(now time.Time) bool { return !now.Before(g.ExpiresAt) }

// Covers reports whether the grant is usable for the given scope and
// permission, ignoring expiry (expiry is checked against a clock by the
// access controller).
func (g Grant) Covers(scope Scope, need Permission) bool {
	return g.Scope == scope && g.Permission.Satisfies(need)
}
