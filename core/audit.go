package core

import (
	"context"
	"time"
)

// AuditResult classifies the outcome recorded by an audit entry.
type AuditResult string

const (
	// AuditAllowed records a successful authorization or check.
	AuditAllowed AuditResult = "allowed"
	// AuditDenied records a rejected authorization or check.
	AuditDenied AuditResult = "denied"
	// AuditFailure records an operation that was authorized but failed.
	AuditFailure AuditResult = "failure"
)

// AuditRecord is one immutable, append-only entry in the audit trail.
// Exactly one record exists per attempted operation, denials included.
// Records are keyed (Subject, Timestamp, Sequence); Sequence is assigned by
// the sink per subject-scope shard and is strictly increasing within it.
type AuditRecord struct {
	Timestamp time.Time   `json:"timestamp"`
	Subject   AgentID     `json:"subject"`
	Scope     Scope       `json:"scope"`
	Operation string      `json:"operation"`
	SliceID   string      `json:"slice_id,omitempty"`
	GrantID   string      `json:"grant_id,omitempty"`
	Result    AuditResult `json:"result"`
	Detail    string      `json:"detail,omitempty"`
	Sequence  uint64      `json:"sequence"`
}

// AuditSink persists audit records. Append assigns the record's Sequence
// within its subject-scope shard and must complete before the audited
// action's result is released to the caller (audit-then-permit ordering).
// Appends for distinct subject-scope pairs must not contend.
type AuditSink interface {
	Append(ctx context.Context, rec AuditRecord) (AuditRecord, error)
	Export(ctx context.Context, scope Scope, from, to time.Time) ([]AuditRecord, error)
}
