package core

import (
	"context"
	"time"
)

// Conventional slice categories. Category is free-form; these cover the
// kinds of memory the built-in components write.
const (
	CategoryEpisodic   = "episodic"
	CategorySemantic   = "semantic"
	CategoryProcedural = "procedural"
	CategoryTranscript = "transcript"
	CategoryInsight    = "insight"
)

// Slice is the atomic unit of persisted memory as seen by callers: payload
// decrypted, one concrete version of one slice id. OwnerScope never changes
// after creation; mutation always produces a new version of the same id.
type Slice struct {
	ID         string    `json:"id"`
	OwnerScope Scope     `json:"owner_scope"`
	Category   string    `json:"category"`
	Version    uint64    `json:"version"`
	Payload    []byte    `json:"payload"`
	Tombstoned bool      `json:"tombstoned,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe for caller mutation.
func (s Slice) Clone() Slice {
	cp := s
	cp.Payload = make([]byte, len(s.Payload))
	copy(cp.Payload, s.Payload)
	return cp
}

// SealedSlice is a slice version as handed to durable storage: payload
// sealed, never plaintext. Backends treat Sealed as opaque bytes.
type SealedSlice struct {
	ID         string
	OwnerScope Scope
	Category   string
	Version    uint64
	Sealed     []byte
	Tombstoned bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SliceBackend is the durable store for sealed slice versions. The scope is
// an explicit argument on every method so implementations can partition
// their keyspace by scope; a backend must be structurally incapable of
// returning data for a scope other than the one asked for.
//
// Put appends exactly one new version and must reject a duplicate
// (scope, id, version) triple with ErrStaleVersion, which is the
// compare-and-swap point for concurrent writers.
type SliceBackend interface {
	Put(ctx context.Context, scope Scope, rec SealedSlice) error
	Latest(ctx context.Context, scope Scope, sliceID string) (SealedSlice, error)
	LatestByCategory(ctx context.Context, scope Scope, category string) (SealedSlice, error)
	Scan(ctx context.Context, scope Scope) ([]SealedSlice, error)
	Purge(ctx context.Context, scope Scope) (int, error)
}
