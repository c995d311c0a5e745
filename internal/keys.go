package internal

import "strings"

// Cache keys follow the <domain>:<entity>:<id>[:<suffix>] convention, e.g.
// "permissions:user:123".

// CacheKey joins key parts with the namespace separator.
func CacheKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// PermissionsKey is the cache key holding a user's permission snapshot.
func PermissionsKey(userID string) string {
	return CacheKey("permissions", "user", userID)
}

// RateKey is the counter key for a rate-limited action. Empty segments are
// kept so that (identity, ip) pairs never collide with identity-only keys.
func RateKey(action, identity, ip string) string {
	return CacheKey("ratelimit", action, identity, ip)
}
