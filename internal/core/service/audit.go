package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
)

// newEvent builds an audit record stamped at now.
func newEvent(kind domain.AuditEventType, userID string, meta ports.RequestMeta, now time.Time, desc string, extra map[string]any) *domain.AuditLog {
	return &domain.AuditLog{
		ID:             uuid.NewString(),
		EventType:      kind,
		Description:    desc,
		UserID:         domain.UserRef(userID),
		IPAddress:      meta.IPAddress,
		UserAgent:      meta.UserAgent,
		AdditionalData: extra,
		CreatedAt:      now.UTC(),
	}
}

// recordingAudit forwards appends to the store and remembers them so they can
// be published once the unit of work commits.
type recordingAudit struct {
	inner  ports.AuditRecorder
	events []domain.AuditLog
}

func (a *recordingAudit) Append(ctx context.Context, e *domain.AuditLog) error {
	if err := a.inner.Append(ctx, e); err != nil {
		return err
	}
	a.events = append(a.events, *e)
	return nil
}

type recordingTx struct {
	ports.Tx
	audit *recordingAudit
}

func (t recordingTx) Audit() ports.AuditRecorder { return t.audit }

// runUnit executes fn as one unit of work and publishes the audit events it
// appended, but only after a successful commit.
func runUnit(ctx context.Context, uow ports.UnitOfWork, pub ports.EventPublisher, fn func(ctx context.Context, tx ports.Tx) error) error {
	var rec *recordingAudit
	err := uow.Do(ctx, func(ctx context.Context, tx ports.Tx) error {
		rec = &recordingAudit{inner: tx.Audit()}
		return fn(ctx, recordingTx{Tx: tx, audit: rec})
	})
	if err != nil {
		return err
	}
	if rec != nil && len(rec.events) > 0 && pub != nil {
		pub.Publish(rec.events...)
	}
	return nil
}
