package token

import (
	"time"

	"github.com/google/uuid"
)

// DeviceInfo is the client metadata captured at issuance and carried through
// rotation to every successor token.
type DeviceInfo struct {
	Name      string `json:"name,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// State classifies a token for audit purposes.
type State string

const (
	// StateActive means the token validates: not revoked, not expired.
	StateActive State = "active"
	// StateRotatedOut means the token was superseded by a successor.
	StateRotatedOut State = "rotated_out"
	// StateRevoked means the token was explicitly revoked.
	StateRevoked State = "revoked"
	// StateExpired means the token passed its expiry without being revoked.
	StateExpired State = "expired"
)

// Record is one refresh-token row. TokenHash is the only persisted derivative
// of the secret; the raw secret is never stored.
type Record struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	TokenHash    string
	Device       DeviceInfo
	CreatedAt    time.Time
	ExpiresAt    time.Time
	RevokedAt    *time.Time
	SupersededBy *uuid.UUID
}

// Valid reports whether the token validates at the given instant:
// revoked_at IS NULL AND expires_at > now.
func (r *Record) Valid(now time.Time) bool {
	return r.RevokedAt == nil && r.ExpiresAt.After(now)
}

// State returns the lifecycle state at the given instant. A revoked token
// with a recorded successor is reported as rotated out.
func (r *Record) State(now time.Time) State {
	switch {
	case r.RevokedAt != nil && r.SupersededBy != nil:
		return StateRotatedOut
	case r.RevokedAt != nil:
		return StateRevoked
	case !r.ExpiresAt.After(now):
		return StateExpired
	default:
		return StateActive
	}
}
