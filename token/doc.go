// Package token implements the refresh-token lifecycle: issuance, single-use
// rotation, individual and bulk revocation, and retention cleanup.
//
// Tokens move through a one-way state machine:
//
//	ACTIVE -> ROTATED_OUT  (revoked_at set, superseded by a successor)
//	ACTIVE -> REVOKED      (explicit revoke, individual or bulk)
//	ACTIVE -> EXPIRED      (passive, time-based)
//
// All three terminal states reject validation equally; they are distinguished
// only for audit and analytics. Once revoked_at is set it is never cleared.
//
// Validity is always decided against the backing Store, never against a
// cache: a stale "still valid" answer for a revoked token is a security
// failure, not a performance problem.
package token
