// Package authvault is an embeddable authentication core built around
// refresh-token rotation with exactly-once semantics.
//
// The Engine coordinates four subsystems:
//
//   - token lifecycle: issue, validate, rotate, and revoke opaque refresh
//     tokens whose validity is always decided by the relational store
//   - a two-tier cache (Redis fast tier, Postgres durable tier) for
//     staleness-tolerant derived data such as permission snapshots
//   - asynchronous audit recording that never blocks or fails the operation
//     that produced the event, with a one-shot retry for security-critical
//     events
//   - fixed-window rate limiting over Redis, failing open by default with
//     every degraded admission audited
//
// Construction goes through the Builder:
//
//	engine, err := authvault.New().
//		WithConfig(cfg).
//		WithPool(pool).
//		WithRedis(rdb).
//		WithLogger(log).
//		Build()
//
// Every collaborator has a default implementation backed by the shared
// Postgres pool and Redis client, and every one can be swapped through the
// Builder, which is how the tests run against in-memory fakes.
package authvault
