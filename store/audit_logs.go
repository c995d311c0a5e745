package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authvault/authvault/audit"
)

// AuditLogStore appends audit events to the audit_logs table. It is the
// durable audit.Sink behind the dispatcher; a returned error triggers the
// dispatcher's critical-event retry.
type AuditLogStore struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
}

func NewAuditLogStore(pool *pgxpool.Pool, opTimeout time.Duration) *AuditLogStore {
	return &AuditLogStore{
		pool:      pool,
		opTimeout: opTimeout,
	}
}

func (s *AuditLogStore) Emit(ctx context.Context, event audit.Event) error {
	ctx, cancel := opCtx(ctx, s.opTimeout)
	defer cancel()

	var metadata []byte
	if len(event.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (
			id, created_at, event_type, event_action, resource_type, resource_id,
			actor_id, target_id, ip_address, user_agent, status, error_message, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	if _, err := s.pool.Exec(ctx, query,
		event.ID, event.Timestamp, event.EventType, event.Action,
		event.ResourceType, event.ResourceID,
		event.ActorID, event.TargetID,
		nullIfEmpty(event.IP), nullIfEmpty(event.UserAgent),
		string(event.Status), nullIfEmpty(event.ErrorMessage), metadata,
	); err != nil {
		return fmt.Errorf("insert audit log: %w: %v", ErrUnavailable, err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ audit.Sink = (*AuditLogStore)(nil)
