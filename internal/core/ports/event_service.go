package ports

import (
	"context"

	"github.com/99minutos/auth-service/internal/core/domain"
)

// EventPublisher receives audit events after the unit of work that produced
// them has committed. It must not block the caller and cannot fail the
// operation.
type EventPublisher interface {
	Publish(events ...domain.AuditLog)
}

// EventSink consumes published events one at a time.
type EventSink interface {
	Handle(ctx context.Context, event domain.AuditLog) error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(...domain.AuditLog) {}
