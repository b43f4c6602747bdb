package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCAInitialized    AuditEvent = "ca_initialized"
	AuditRootExported     AuditEvent = "root_exported"
	AuditClientRegistered AuditEvent = "client_registered"
	AuditCertIssued       AuditEvent = "cert_issued"
	AuditCertRevoked      AuditEvent = "cert_revoked"
	AuditCertExported     AuditEvent = "cert_exported"
	AuditDocumentIngested AuditEvent = "document_ingested"
	AuditDocumentSigned   AuditEvent = "document_signed"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Only stable identifiers go into
// attributes; never key material or export passwords.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}
