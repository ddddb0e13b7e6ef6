package infra

import (
	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/domain"
)

// ZapAuditLogger implements domain.AuditLogger over a zap logger.
// Records carry a stable "code" field so the audit trail is greppable
// regardless of the human-readable message.
type ZapAuditLogger struct {
	logger *zap.Logger
}

// NewZapAuditLogger creates an audit logger writing through the given
// zap logger.
func NewZapAuditLogger(logger *zap.Logger) *ZapAuditLogger {
	return &ZapAuditLogger{logger: logger.With(zap.String("channel", "audit"))}
}

// Write appends one audit record. Fire-and-forget: failures surface
// through zap's own error output, never to the caller.
func (a *ZapAuditLogger) Write(code string, level domain.AuditLevel, payload map[string]any) {
	fields := make([]zap.Field, 0, len(payload)+1)
	fields = append(fields, zap.String("code", code))
	for k, v := range payload {
		fields = append(fields, zap.Any(k, v))
	}

	switch level {
	case domain.AuditError:
		a.logger.Error(code, fields...)
	case domain.AuditWarn:
		a.logger.Warn(code, fields...)
	default:
		a.logger.Info(code, fields...)
	}
}

// Ensure ZapAuditLogger implements domain.AuditLogger.
var _ domain.AuditLogger = (*ZapAuditLogger)(nil)
