package ports

import (
	"context"

	"github.com/99minutos/auth-service/internal/core/domain"
)

// AuditRecorder appends security events inside a unit of work. There is no
// update or delete.
type AuditRecorder interface {
	Append(ctx context.Context, event *domain.AuditLog) error
}
