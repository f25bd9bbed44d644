package metrics

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
)

// SecuritySink turns committed audit events into Prometheus counters and a
// structured security log line.
type SecuritySink struct {
	log zerolog.Logger
}

var _ ports.EventSink = (*SecuritySink)(nil)

func NewSecuritySink(log zerolog.Logger) *SecuritySink {
	return &SecuritySink{log: log.With().Str("component", "security").Logger()}
}

func (s *SecuritySink) Handle(_ context.Context, e domain.AuditLog) error {
	AuthEventsTotal.WithLabelValues(string(e.EventType)).Inc()

	level := zerolog.InfoLevel
	switch e.EventType {
	case domain.EventLoginFailed:
		LoginFailuresTotal.WithLabelValues(loginFailureReason(e)).Inc()
	case domain.EventAccountLocked:
		AccountLockoutsTotal.Inc()
		level = zerolog.WarnLevel
	case domain.EventTokenReused:
		TokenReuseDetectedTotal.Inc()
		level = zerolog.WarnLevel
	}

	ev := s.log.WithLevel(level).
		Str("event_id", e.ID).
		Str("event_type", string(e.EventType)).
		Str("ip", e.IPAddress).
		Time("at", e.CreatedAt)
	if e.UserID != nil {
		ev = ev.Str("user_id", *e.UserID)
	}
	if sid, ok := e.AdditionalData["sessionId"].(string); ok {
		ev = ev.Str("session_id", sid)
	}
	ev.Msg(e.Description)
	return nil
}

func loginFailureReason(e domain.AuditLog) string {
	switch {
	case e.UserID == nil:
		return "unknown_email"
	case e.AdditionalData["attempts"] != nil:
		return "bad_password"
	default:
		return "locked"
	}
}

// CountDropped is an OnDrop callback for the audit dispatcher.
func CountDropped(domain.AuditLog) {
	AuditEventsDroppedTotal.Inc()
}
