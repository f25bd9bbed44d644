package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/99minutos/auth-service/internal/core/domain"
)

// auditRepository persists audit events to the audit_logs collection. It
// only ever inserts.
type auditRepository struct {
	coll *mongo.Collection
}

func (r *auditRepository) Append(ctx context.Context, event *domain.AuditLog) error {
	doc := bson.M{
		"_id":         event.ID,
		"event_type":  string(event.EventType),
		"description": event.Description,
		"ip_address":  event.IPAddress,
		"user_agent":  event.UserAgent,
		"created_at":  event.CreatedAt.UTC(),
		"recorded_at": time.Now().UTC(),
	}
	if event.UserID != nil {
		doc["user_id"] = *event.UserID
	}
	if len(event.AdditionalData) > 0 {
		doc["additional_data"] = event.AdditionalData
	}

	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
