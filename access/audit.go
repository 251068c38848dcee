package access

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/roundtable/core"
)

// shardKey identifies one subject-scope partition of the audit log.
type shardKey struct {
	subject core.AgentID
	scope   core.Scope
}

// auditShard is one append-only partition. Sequence numbers are strictly
// increasing within a shard; the log as a whole only guarantees order per
// subject-scope pair.
type auditShard struct {
	mu      sync.Mutex
	seq     uint64
	records []core.AuditRecord
}

// InMemorySink is a volatile AuditSink partitioned by subject-scope pair.
// Appends to different shards proceed fully in parallel; within a shard
// appends serialize on the shard mutex, which is what makes the
// authorize+record pair atomic for concurrent callers of the same grant.
type InMemorySink struct {
	mu     sync.RWMutex
	shards map[shardKey]*auditShard
}

// NewInMemorySink constructs an empty in-memory audit sink.
func NewInMemorySink() *InMemorySink {
	return &InMemorySink{shards: make(map[shardKey]*auditShard)}
}

func (s *InMemorySink) shard(k shardKey) *auditShard {
	s.mu.RLock()
	sh, ok := s.shards[k]
	s.mu.RUnlock()
	if ok {
		return sh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.shards[k]; ok {
		return sh
	}
	sh = &auditShard{}
	s.shards[k] = sh
	return sh
}

// Append assigns the next per-shard sequence number and stores the record.
func (s *InMemorySink) Append(ctx context.Context, rec core.AuditRecord) (core.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return core.AuditRecord{}, core.TimeoutErr(err)
	}
	sh := s.shard(shardKey{subject: rec.Subject, scope: rec.Scope})
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.seq++
	rec.Sequence = sh.seq
	sh.records = append(sh.records, rec)
	return rec, nil
}

// Export returns all records for the scope within [from, to], across every
// subject, ordered by timestamp then sequence. The result is a copy.
func (s *InMemorySink) Export(ctx context.Context, scope core.Scope, from, to time.Time) ([]core.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.TimeoutErr(err)
	}
	s.mu.RLock()
	shards := make([]*auditShard, 0, len(s.shards))
	for k, sh := range s.shards {
		if k.scope == scope {
			shards = append(shards, sh)
		}
	}
	s.mu.RUnlock()

	var out []core.AuditRecord
	for _, sh := range shards {
		sh.mu.Lock()
		for _, rec := range sh.records {
			if rec.Timestamp.Before(from) || rec.Timestamp.After(to) {
				continue
			}
			out = append(out, rec)
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}
