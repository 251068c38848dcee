package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/hupe1980/roundtable/access"
	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/logging"
)

// Options holds dependency and configuration overrides passed to New.
type Options struct {
	// Backend stores sealed slice versions. Defaults to InMemoryBackend.
	Backend core.SliceBackend
	// Logger handles structured log output. Defaults to NoOpLogger.
	Logger logging.Logger
	// Clock supplies the current time; overridable in tests.
	Clock func() time.Time
	// DisableCache turns the latest-version read cache off.
	DisableCache bool
	// CacheMaxCost bounds the cache by total payload bytes.
	CacheMaxCost int64
}

// Vault is the access-controlled encrypted memory store. All methods are
// safe for concurrent use; writes to distinct slices proceed in parallel
// while concurrent writers to one slice serialize through optimistic
// versioning.
type Vault struct {
	backend core.SliceBackend
	acl     *access.Controller
	sealer  *sealer
	logger  logging.Logger
	now     func() time.Time

	cache    *ristretto.Cache
	cacheMu  sync.Mutex
	cacheVer map[string]uint64

	mu       sync.RWMutex
	poisoned map[core.Scope]bool
}

// New constructs a Vault. The access controller is mandatory: the vault is
// structurally unable to perform an unaudited operation. The master key
// must be MasterKeySize bytes.
func New(acl *access.Controller, masterKey []byte, optFns ...func(o *Options)) (*Vault, error) {
	if acl == nil {
		return nil, errors.New("vault: access controller is required")
	}
	opts := Options{
		Backend:      NewInMemoryBackend(),
		Logger:       logging.NoOpLogger{},
		Clock:        time.Now,
		CacheMaxCost: 64 << 20,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.CacheMaxCost <= 0 {
		opts.CacheMaxCost = 64 << 20
	}
	s, err := newSealer(masterKey)
	if err != nil {
		return nil, err
	}
	v := &Vault{
		backend:  opts.Backend,
		acl:      acl,
		sealer:   s,
		logger:   opts.Logger,
		now:      opts.Clock,
		poisoned: make(map[core.Scope]bool),
	}
	if !opts.DisableCache {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 100_000,
			MaxCost:     opts.CacheMaxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("vault: cache: %w", err)
		}
		v.cache = cache
		v.cacheVer = make(map[string]uint64)
	}
	return v, nil
}

func cacheKey(scope core.Scope, sliceID string) string {
	return string(scope) + "\x00" + sliceID
}

func (v *Vault) cacheGet(scope core.Scope, sliceID string) (core.Slice, bool) {
	if v.cache == nil {
		return core.Slice{}, false
	}
	val, ok := v.cache.Get(cacheKey(scope, sliceID))
	if !ok {
		return core.Slice{}, false
	}
	sl, ok := val.(core.Slice)
	if !ok {
		return core.Slice{}, false
	}
	return sl.Clone(), true
}

// cacheSet installs sl as the cached latest version of its slice. The cache
// only moves forward: a writer or reader that lost a race cannot displace a
// newer cached version with an older one. cacheVer is the authoritative
// per-key high-water mark; ristretto's own Get is not consulted because its
// admission of fresh keys is asynchronous.
func (v *Vault) cacheSet(sl core.Slice) {
	if v.cache == nil {
		return
	}
	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()
	key := cacheKey(sl.OwnerScope, sl.ID)
	if v.cacheVer[key] >= sl.Version {
		return
	}
	v.cacheVer[key] = sl.Version
	v.cache.Set(key, sl.Clone(), int64(len(sl.Payload))+1)
}

// scopePoisoned reports whether corruption was detected under the scope.
func (v *Vault) scopePoisoned(scope core.Scope) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.poisoned[scope]
}

func (v *Vault) poison(scope core.Scope) {
	v.mu.Lock()
	v.poisoned[scope] = true
	v.mu.Unlock()
	v.logger.Error("corruption detected, scope writes halted", "scope", string(scope))
}

// fail records a post-authorization failure in the audit trail and returns
// the wrapped error.
func (v *Vault) fail(ctx context.Context, op string, grant core.Grant, scope core.Scope, sliceID string, err error) error {
	if aerr := v.acl.Record(ctx, grant.Subject, scope, op, sliceID, grant.ID, core.AuditFailure, err.Error()); aerr != nil {
		v.logger.Warn("failure audit record not written", "operation", op, "error", aerr)
	}
	return core.NewOpError(op, grant.Subject, scope, sliceID, err)
}

// unseal decrypts a stored record, poisoning the scope on authentication
// failure.
func (v *Vault) unseal(scope core.Scope, rec core.SealedSlice) (core.Slice, error) {
	plaintext, err := v.sealer.open(scope, rec.Sealed)
	if err != nil {
		if errors.Is(err, core.ErrCorruptionDetected) {
			v.poison(scope)
		}
		return core.Slice{}, err
	}
	return core.Slice{
		ID:         rec.ID,
		OwnerScope: rec.OwnerScope,
		Category:   rec.Category,
		Version:    rec.Version,
		Payload:    plaintext,
		Tombstoned: rec.Tombstoned,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}, nil
}

// putVersion seals and stores one new version and refreshes the cache.
func (v *Vault) putVersion(ctx context.Context, scope core.Scope, sl core.Slice) (core.Slice, error) {
	sealed, err := v.sealer.seal(scope, sl.Payload)
	if err != nil {
		return core.Slice{}, err
	}
	rec := core.SealedSlice{
		ID:         sl.ID,
		OwnerScope: scope,
		Category:   sl.Category,
		Version:    sl.Version,
		Sealed:     sealed,
		Tombstoned: sl.Tombstoned,
		CreatedAt:  sl.CreatedAt,
		UpdatedAt:  sl.UpdatedAt,
	}
	if err := v.backend.Put(ctx, scope, rec); err != nil {
		return core.Slice{}, err
	}
	v.cacheSet(sl)
	return sl, nil
}

// Create writes a brand new slice at version 1. Requires a write grant over
// the scope.
func (v *Vault) Create(ctx context.Context, scope core.Scope, category string, payload []byte, grant core.Grant) (core.Slice, error) {
	const op = "vault.write"
	if err := v.acl.Check(ctx, grant, scope, core.PermissionWrite, op, ""); err != nil {
		return core.Slice{}, err
	}
	if v.scopePoisoned(scope) {
		return core.Slice{}, v.fail(ctx, op, grant, scope, "", core.ErrCorruptionDetected)
	}
	now := v.now()
	sl := core.Slice{
		ID:         core.NewID(),
		OwnerScope: scope,
		Category:   category,
		Version:    1,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	stored, err := v.putVersion(ctx, scope, sl)
	if err != nil {
		return core.Slice{}, v.fail(ctx, op, grant, scope, sl.ID, err)
	}
	return stored.Clone(), nil
}

// Update writes the next version of an existing slice. The caller presents
// the version it read; if another writer committed in between the update is
// rejected with ErrStaleVersion and the caller must re-read and retry.
func (v *Vault) Update(ctx context.Context, scope core.Scope, sliceID string, payload []byte, expectedVersion uint64, grant core.Grant) (core.Slice, error) {
	const op = "vault.write"
	if err := v.acl.Check(ctx, grant, scope, core.PermissionWrite, op, sliceID); err != nil {
		return core.Slice{}, err
	}
	if v.scopePoisoned(scope) {
		return core.Slice{}, v.fail(ctx, op, grant, scope, sliceID, core.ErrCorruptionDetected)
	}
	latest, err := v.backend.Latest(ctx, scope, sliceID)
	if err != nil {
		return core.Slice{}, v.fail(ctx, op, grant, scope, sliceID, err)
	}
	if latest.Tombstoned {
		return core.Slice{}, v.fail(ctx, op, grant, scope, sliceID, core.ErrNotFound)
	}
	if latest.Version != expectedVersion {
		return core.Slice{}, v.fail(ctx, op, grant, scope, sliceID,
			fmt.Errorf("expected version %d, current is %d: %w", expectedVersion, latest.Version, core.ErrStaleVersion))
	}
	sl := core.Slice{
		ID:         sliceID,
		OwnerScope: scope,
		Category:   latest.Category,
		Version:    latest.Version + 1,
		Payload:    payload,
		CreatedAt:  latest.CreatedAt,
		UpdatedAt:  v.now(),
	}
	sl, err = v.putVersion(ctx, scope, sl)
	if err != nil {
		// Lost the race between Latest and Put.
		return core.Slice{}, v.fail(ctx, op, grant, scope, sliceID, err)
	}
	return sl.Clone(), nil
}

// Read returns the latest version of a slice. Tombstoned slices read as
// not found.
func (v *Vault) Read(ctx context.Context, scope core.Scope, sliceID string, grant core.Grant) (core.Slice, error) {
	const op = "vault.read"
	if err := v.acl.Check(ctx, grant, scope, core.PermissionRead, op, sliceID); err != nil {
		return core.Slice{}, err
	}
	if sl, ok := v.cacheGet(scope, sliceID); ok && !sl.Tombstoned {
		return sl, nil
	}
	rec, err := v.backend.Latest(ctx, scope, sliceID)
	if err != nil {
		return core.Slice{}, v.fail(ctx, op, grant, scope, sliceID, err)
	}
	sl, err := v.unseal(scope, rec)
	if err != nil {
		return core.Slice{}, v.fail(ctx, op, grant, scope, sliceID, err)
	}
	if sl.Tombstoned {
		return core.Slice{}, v.fail(ctx, op, grant, scope, sliceID, core.ErrNotFound)
	}
	v.cacheSet(sl)
	return sl.Clone(), nil
}

// ReadByCategory returns the most recently updated live slice with the
// given category within the scope.
func (v *Vault) ReadByCategory(ctx context.Context, scope core.Scope, category string, grant core.Grant) (core.Slice, error) {
	const op = "vault.read"
	if err := v.acl.Check(ctx, grant, scope, core.PermissionRead, op, ""); err != nil {
		return core.Slice{}, err
	}
	rec, err := v.backend.LatestByCategory(ctx, scope, category)
	if err != nil {
		return core.Slice{}, v.fail(ctx, op, grant, scope, "", err)
	}
	sl, err := v.unseal(scope, rec)
	if err != nil {
		return core.Slice{}, v.fail(ctx, op, grant, scope, rec.ID, err)
	}
	return sl.Clone(), nil
}

// Snapshot returns the latest live version of every slice in the scope.
// Used by the analysis engine; requires a read grant over the scope.
func (v *Vault) Snapshot(ctx context.Context, scope core.Scope, grant core.Grant) ([]core.Slice, error) {
	const op = "vault.snapshot"
	if err := v.acl.Check(ctx, grant, scope, core.PermissionRead, op, ""); err != nil {
		return nil, err
	}
	recs, err := v.backend.Scan(ctx, scope)
	if err != nil {
		return nil, v.fail(ctx, op, grant, scope, "", err)
	}
	out := make([]core.Slice, 0, len(recs))
	for _, rec := range recs {
		if rec.Tombstoned {
			continue
		}
		sl, err := v.unseal(scope, rec)
		if err != nil {
			return nil, v.fail(ctx, op, grant, scope, rec.ID, err)
		}
		out = append(out, sl)
	}
	return out, nil
}

// Tombstone logically deletes a slice by appending a tombstone version.
// Requires an administrative grant over the scope.
func (v *Vault) Tombstone(ctx context.Context, scope core.Scope, sliceID string, grant core.Grant) error {
	const op = "vault.tombstone"
	if err := v.acl.Check(ctx, grant, scope, core.PermissionAdmin, op, sliceID); err != nil {
		return err
	}
	if v.scopePoisoned(scope) {
		return v.fail(ctx, op, grant, scope, sliceID, core.ErrCorruptionDetected)
	}
	latest, err := v.backend.Latest(ctx, scope, sliceID)
	if err != nil {
		return v.fail(ctx, op, grant, scope, sliceID, err)
	}
	sl := core.Slice{
		ID:         sliceID,
		OwnerScope: scope,
		Category:   latest.Category,
		Version:    latest.Version + 1,
		Payload:    nil,
		Tombstoned: true,
		CreatedAt:  latest.CreatedAt,
		UpdatedAt:  v.now(),
	}
	if _, err := v.putVersion(ctx, scope, sl); err != nil {
		return v.fail(ctx, op, grant, scope, sliceID, err)
	}
	return nil
}

// Purge physically removes every slice version under the scope. This is the
// only operation that deletes data; it exists for regulatory deletion
// requests and requires an administrative grant.
func (v *Vault) Purge(ctx context.Context, scope core.Scope, grant core.Grant) error {
	const op = "vault.purge"
	if err := v.acl.Check(ctx, grant, scope, core.PermissionAdmin, op, ""); err != nil {
		return err
	}
	n, err := v.backend.Purge(ctx, scope)
	if err != nil {
		return v.fail(ctx, op, grant, scope, "", err)
	}
	if v.cache != nil {
		v.cacheMu.Lock()
		v.cache.Clear()
		v.cacheVer = make(map[string]uint64)
		v.cacheMu.Unlock()
	}
	v.mu.Lock()
	delete(v.poisoned, scope)
	v.mu.Unlock()
	v.logger.Info("scope purged", "scope", string(scope), "slices", n)
	return nil
}

// sliceExport is the JSON envelope produced by Export.
type sliceExport struct {
	OwnerScope core.Scope `json:"owner_scope"`
	Category   string     `json:"category"`
	Version    uint64     `json:"version"`
	Payload    []byte     `json:"payload"`
	ExportedAt time.Time  `json:"exported_at"`
}

// Export serializes the latest version of a slice for backup or migration.
func (v *Vault) Export(ctx context.Context, scope core.Scope, sliceID string, grant core.Grant) ([]byte, error) {
	sl, err := v.Read(ctx, scope, sliceID, grant)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sliceExport{
		OwnerScope: sl.OwnerScope,
		Category:   sl.Category,
		Version:    sl.Version,
		Payload:    sl.Payload,
		ExportedAt: v.now(),
	})
}

// Import creates a new slice from an Export envelope. The slice receives a
// fresh id and restarts at version 1 under the target scope; ownership
// never transfers implicitly.
func (v *Vault) Import(ctx context.Context, scope core.Scope, data []byte, grant core.Grant) (core.Slice, error) {
	var exp sliceExport
	if err := json.Unmarshal(data, &exp); err != nil {
		return core.Slice{}, core.NewOpError("vault.import", grant.Subject, scope, "", fmt.Errorf("malformed export: %w", err))
	}
	return v.Create(ctx, scope, exp.Category, exp.Payload, grant)
}
