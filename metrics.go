package authvault

import "sync/atomic"

// Metrics holds in-process counters for the Engine's hot paths. Counters are
// lock-free and safe for concurrent use; read them through Snapshot.
type Metrics struct {
	loginSuccess    atomic.Uint64
	loginFailure    atomic.Uint64
	tokensIssued    atomic.Uint64
	rotateSuccess   atomic.Uint64
	rotateFailure   atomic.Uint64
	reuseDetected   atomic.Uint64
	tokensRevoked   atomic.Uint64
	revokeAllCalls  atomic.Uint64
	cacheHits       atomic.Uint64
	cacheMisses     atomic.Uint64
	rateDenied      atomic.Uint64
	rateFailOpen    atomic.Uint64
	passwordChanges atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	LoginSuccess    uint64
	LoginFailure    uint64
	TokensIssued    uint64
	RotateSuccess   uint64
	RotateFailure   uint64
	ReuseDetected   uint64
	TokensRevoked   uint64
	RevokeAllCalls  uint64
	CacheHits       uint64
	CacheMisses     uint64
	RateDenied      uint64
	RateFailOpen    uint64
	PasswordChanges uint64
	// AuditDropped / AuditLost come from the dispatcher.
	AuditDropped uint64
	AuditLost    uint64
}

func newMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		LoginSuccess:    m.loginSuccess.Load(),
		LoginFailure:    m.loginFailure.Load(),
		TokensIssued:    m.tokensIssued.Load(),
		RotateSuccess:   m.rotateSuccess.Load(),
		RotateFailure:   m.rotateFailure.Load(),
		ReuseDetected:   m.reuseDetected.Load(),
		TokensRevoked:   m.tokensRevoked.Load(),
		RevokeAllCalls:  m.revokeAllCalls.Load(),
		CacheHits:       m.cacheHits.Load(),
		CacheMisses:     m.cacheMisses.Load(),
		RateDenied:      m.rateDenied.Load(),
		RateFailOpen:    m.rateFailOpen.Load(),
		PasswordChanges: m.passwordChanges.Load(),
	}
}

// Metrics returns a snapshot of the Engine's counters, including the audit
// dispatcher's drop and loss counts.
func (e *Engine) Metrics() MetricsSnapshot {
	snap := e.metrics.snapshot()
	snap.AuditDropped = e.audit.Dropped()
	snap.AuditLost = e.audit.Lost()
	return snap
}
