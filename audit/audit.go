// Package audit records structured security events. Delivery is asynchronous
// and must never fail or block the operation that triggered the event;
// security-critical events are retried once before being counted as lost.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome recorded with an event.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPartial Status = "partial"
)

// Event is the canonical audit event model, mirroring the audit_logs schema.
// Events are append-only: once emitted they are never updated or deleted by
// application logic.
type Event struct {
	ID           uuid.UUID         `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	EventType    string            `json:"event_type"`
	Action       string            `json:"event_action,omitempty"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	ActorID      *uuid.UUID        `json:"actor_id,omitempty"`
	TargetID     *uuid.UUID        `json:"target_id,omitempty"`
	IP           string            `json:"ip_address,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	Status       Status            `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// criticalPrefixes marks event families whose audit completeness is the
// primary compliance requirement: privilege changes and bulk revocation.
var criticalPrefixes = []string{"role.", "token.revoked_all", "user.password_changed"}

// Critical reports whether a failed write of this event must be retried
// before being downgraded to best-effort lost.
func (e Event) Critical() bool {
	for _, p := range criticalPrefixes {
		if strings.HasPrefix(e.EventType, p) {
			return true
		}
	}
	return false
}

// Sink receives emitted audit events. A non-nil error signals that the event
// was not durably recorded.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) error { return nil }

// ChannelSink writes audit events into a buffered channel. Test helper.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan Event, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) error {
	select {
	case s.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) error {
	if s == nil || s.writer == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	_, err = s.writer.Write([]byte("\n"))
	return err
}
