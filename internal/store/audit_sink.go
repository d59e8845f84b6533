package store

import (
	"context"

	"github.com/tessaro/chainkit/internal/safety"
)

// AuditSink adapts a LibSQLStore to the safety gate's sink interface so that
// every allow/deny decision lands in the audit_log table.
type AuditSink struct {
	store *LibSQLStore
}

// NewAuditSink returns a persistent audit sink backed by the given store.
func NewAuditSink(s *LibSQLStore) *AuditSink {
	return &AuditSink{store: s}
}

// Append implements safety.Sink.
func (a *AuditSink) Append(ctx context.Context, rec safety.Record) error {
	return a.store.AppendAudit(ctx, rec)
}
