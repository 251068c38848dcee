// Package sqlite provides a durable AuditSink backed by SQLite. Records are
// stored append-only keyed (subject, scope, sequence); nothing ever updates
// or deletes a row.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/roundtable/core"
	_ "github.com/mattn/go-sqlite3"
)

// Sink implements core.AuditSink using SQLite.
type Sink struct {
	db *sql.DB

	mu   sync.Mutex
	seqs map[string]uint64 // subject|scope -> last sequence
}

// NewSink opens (or creates) the audit database at dsn.
func NewSink(dsn string) (*Sink, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Sink{db: db, seqs: make(map[string]uint64)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Sink) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS audit_records (
			subject TEXT NOT NULL,
			scope TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			ts DATETIME NOT NULL,
			operation TEXT NOT NULL,
			slice_id TEXT,
			grant_id TEXT,
			result TEXT NOT NULL,
			detail TEXT,
			PRIMARY KEY (subject, scope, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_scope_ts ON audit_records(scope, ts)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Sink) Close() error { return s.db.Close() }

// nextSeq hands out the next sequence for a subject-scope shard, loading
// the high-water mark from the table on first use.
func (s *Sink) nextSeq(ctx context.Context, subject core.AgentID, scope core.Scope) (uint64, error) {
	key := string(subject) + "|" + string(scope)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seqs[key]; !ok {
		var max sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			`SELECT MAX(sequence) FROM audit_records WHERE subject = ? AND scope = ?`,
			string(subject), string(scope)).Scan(&max)
		if err != nil {
			return 0, err
		}
		if max.Valid {
			s.seqs[key] = uint64(max.Int64)
		}
	}
	s.seqs[key]++
	return s.seqs[key], nil
}

// Append stores the record with the next per-shard sequence number.
func (s *Sink) Append(ctx context.Context, rec core.AuditRecord) (core.AuditRecord, error) {
	seq, err := s.nextSeq(ctx, rec.Subject, rec.Scope)
	if err != nil {
		return core.AuditRecord{}, core.TimeoutErr(fmt.Errorf("audit sequence: %w", err))
	}
	rec.Sequence = seq
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_records (subject, scope, sequence, ts, operation, slice_id, grant_id, result, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Subject), string(rec.Scope), rec.Sequence, rec.Timestamp.UTC(),
		rec.Operation, rec.SliceID, rec.GrantID, string(rec.Result), rec.Detail)
	if err != nil {
		return core.AuditRecord{}, core.TimeoutErr(fmt.Errorf("audit append: %w", err))
	}
	return rec, nil
}

// Export returns the scope's records within [from, to] ordered by timestamp
// then sequence.
func (s *Sink) Export(ctx context.Context, scope core.Scope, from, to time.Time) ([]core.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject, scope, sequence, ts, operation, slice_id, grant_id, result, detail
		 FROM audit_records WHERE scope = ? AND ts >= ? AND ts <= ?
		 ORDER BY ts, sequence`,
		string(scope), from.UTC(), to.UTC())
	if err != nil {
		return nil, core.TimeoutErr(fmt.Errorf("audit export: %w", err))
	}
	defer rows.Close()

	var out []core.AuditRecord
	for rows.Next() {
		var rec core.AuditRecord
		var subject, sc, result string
		var sliceID, grantID, detail sql.NullString
		if err := rows.Scan(&subject, &sc, &rec.Sequence, &rec.Timestamp, &rec.Operation, &sliceID, &grantID, &result, &detail); err != nil {
			return nil, fmt.Errorf("audit export scan: %w", err)
		}
		rec.Subject = core.AgentID(subject)
		rec.Scope = core.Scope(sc)
		rec.Result = core.AuditResult(result)
		rec.SliceID = sliceID.String
		rec.GrantID = grantID.String
		rec.Detail = detail.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
