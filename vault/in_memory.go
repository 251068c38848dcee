package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/roundtable/core"
)

// InMemoryBackend is a volatile SliceBackend keeping sealed versions in a
// process local map. The top-level map is keyed by scope, so a lookup for
// one scope can never traverse another scope's data. Stored and returned
// records copy their sealed bytes to prevent external mutation.
type InMemoryBackend struct {
	mu     sync.RWMutex
	scopes map[core.Scope]map[string][]core.SealedSlice // scope -> sliceID -> versions in order
}

// NewInMemoryBackend constructs an empty in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{scopes: make(map[core.Scope]map[string][]core.SealedSlice)}
}

func copySealed(rec core.SealedSlice) core.SealedSlice {
	cp := rec
	cp.Sealed = make([]byte, len(rec.Sealed))
	copy(cp.Sealed, rec.Sealed)
	return cp
}

// Put appends one new version, rejecting duplicates of (scope, id, version).
func (b *InMemoryBackend) Put(ctx context.Context, scope core.Scope, rec core.SealedSlice) error {
	if err := ctx.Err(); err != nil {
		return core.TimeoutErr(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	part, ok := b.scopes[scope]
	if !ok {
		part = make(map[string][]core.SealedSlice)
		b.scopes[scope] = part
	}
	versions := part[rec.ID]
	if len(versions) > 0 && versions[len(versions)-1].Version >= rec.Version {
		return fmt.Errorf("put %s v%d: %w", rec.ID, rec.Version, core.ErrStaleVersion)
	}
	part[rec.ID] = append(versions, copySealed(rec))
	return nil
}

// Latest returns the newest version of the slice within the scope.
func (b *InMemoryBackend) Latest(ctx context.Context, scope core.Scope, sliceID string) (core.SealedSlice, error) {
	if err := ctx.Err(); err != nil {
		return core.SealedSlice{}, core.TimeoutErr(err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	versions := b.scopes[scope][sliceID]
	if len(versions) == 0 {
		return core.SealedSlice{}, fmt.Errorf("slice %s: %w", sliceID, core.ErrNotFound)
	}
	return copySealed(versions[len(versions)-1]), nil
}

// LatestByCategory returns the newest version of the most recently updated
// non-tombstoned slice with the given category.
func (b *InMemoryBackend) LatestByCategory(ctx context.Context, scope core.Scope, category string) (core.SealedSlice, error) {
	if err := ctx.Err(); err != nil {
		return core.SealedSlice{}, core.TimeoutErr(err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var best core.SealedSlice
	found := false
	for _, versions := range b.scopes[scope] {
		latest := versions[len(versions)-1]
		if latest.Category != category || latest.Tombstoned {
			continue
		}
		if !found || latest.UpdatedAt.After(best.UpdatedAt) {
			best = latest
			found = true
		}
	}
	if !found {
		return core.SealedSlice{}, fmt.Errorf("category %s: %w", category, core.ErrNotFound)
	}
	return copySealed(best), nil
}

// Scan returns the latest version of every slice in the scope, including
// tombstoned ones; filtering is the vault's concern.
func (b *InMemoryBackend) Scan(ctx context.Context, scope core.Scope) ([]core.SealedSlice, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.TimeoutErr(err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	part := b.scopes[scope]
	out := make([]core.SealedSlice, 0, len(part))
	for _, versions := range part {
		out = append(out, copySealed(versions[len(versions)-1]))
	}
	return out, nil
}

// Purge physically removes every version in the scope and reports how many
// slices were dropped.
func (b *InMemoryBackend) Purge(ctx context.Context, scope core.Scope) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, core.TimeoutErr(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.scopes[scope])
	delete(b.scopes, scope)
	return n, nil
}

// tamper overwrites the stored sealed bytes of the latest version. Test hook.
func (b *InMemoryBackend) tamper(scope core.Scope, sliceID string, sealed []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	versions := b.scopes[scope][sliceID]
	if len(versions) > 0 {
		versions[len(versions)-1].Sealed = sealed
	}
}
