package domain

import (
	"context"
	"time"
)

// Auditable is implemented by entities that record who created and last
// changed them. Repositories call it directly on write.
type Auditable interface {
	SetCreatedBy(actor string, at time.Time)
	SetUpdatedBy(actor string, at time.Time)
}

// SoftDeletable is implemented by entities that are hidden instead of removed.
type SoftDeletable interface {
	SoftDelete(at time.Time)
	Restore()
	Deleted() bool
}

// AuditFields is embedded into entities to satisfy Auditable.
type AuditFields struct {
	CreatedAt time.Time  `json:"createdAt"`
	CreatedBy string     `json:"-"`
	UpdatedAt *time.Time `json:"-"`
	UpdatedBy string     `json:"-"`
}

func (a *AuditFields) SetCreatedBy(actor string, at time.Time) {
	a.CreatedAt = at.UTC()
	a.CreatedBy = actor
}

func (a *AuditFields) SetUpdatedBy(actor string, at time.Time) {
	t := at.UTC()
	a.UpdatedAt = &t
	a.UpdatedBy = actor
}

// SoftDeleteFields is embedded into entities to satisfy SoftDeletable.
type SoftDeleteFields struct {
	IsDeleted bool       `json:"-"`
	DeletedAt *time.Time `json:"-"`
}

func (s *SoftDeleteFields) SoftDelete(at time.Time) {
	t := at.UTC()
	s.IsDeleted = true
	s.DeletedAt = &t
}

func (s *SoftDeleteFields) Restore() {
	s.IsDeleted = false
	s.DeletedAt = nil
}

func (s *SoftDeleteFields) Deleted() bool { return s.IsDeleted }

var (
	_ Auditable     = (*User)(nil)
	_ SoftDeletable = (*User)(nil)
)

// SystemActor is recorded when no authenticated caller is attached to ctx.
const SystemActor = "system"

type actorKey struct{}

// WithActor attaches the id of the authenticated caller to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the caller id stored by WithActor, or SystemActor.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return SystemActor
}
