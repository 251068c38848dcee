package vault

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/roundtable/access"
	"github.com/hupe1980/roundtable/core"
)

var _ core.SliceBackend = (*InMemoryBackend)(nil)

type fixture struct {
	vault   *Vault
	acl     *access.Controller
	backend *InMemoryBackend
}

func newFixture(t *testing.T, optFns ...func(o *Options)) *fixture {
	t.Helper()
	acl := access.NewController()
	backend := NewInMemoryBackend()
	key, err := NewMasterKey()
	require.NoError(t, err)
	v, err := New(acl, key, append([]func(o *Options){func(o *Options) {
		o.Backend = backend
	}}, optFns...)...)
	require.NoError(t, err)
	return &fixture{vault: v, acl: acl, backend: backend}
}

func (f *fixture) writeGrant(t *testing.T, agent core.AgentID) core.Grant {
	t.Helper()
	g, err := f.acl.Authorize(context.Background(), agent, core.PrivateScope(agent), core.PermissionWrite)
	require.NoError(t, err)
	return g
}

func (f *fixture) adminGrant(t *testing.T, agent core.AgentID, scope core.Scope) core.Grant {
	t.Helper()
	g, err := f.acl.IssueGrant(context.Background(), agent, scope, core.PermissionAdmin, time.Now().Add(time.Hour), "")
	require.NoError(t, err)
	return g
}

func TestVault_CreateAndRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := core.PrivateScope("alice")
	grant := f.writeGrant(t, "alice")

	sl, err := f.vault.Create(ctx, scope, core.CategoryEpisodic, []byte("remembered"), grant)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sl.Version)
	assert.Equal(t, scope, sl.OwnerScope)
	assert.NotEmpty(t, sl.ID)

	got, err := f.vault.Read(ctx, scope, sl.ID, grant)
	require.NoError(t, err)
	assert.Equal(t, []byte("remembered"), got.Payload)
	assert.Equal(t, uint64(1), got.Version)
}

func TestVault_PayloadEncryptedAtRest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := core.PrivateScope("alice")
	grant := f.writeGrant(t, "alice")

	sl, err := f.vault.Create(ctx, scope, core.CategoryEpisodic, []byte("plaintext-marker"), grant)
	require.NoError(t, err)

	rec, err := f.backend.Latest(ctx, scope, sl.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(rec.Sealed), "plaintext-marker")
}

func TestVault_UpdateVersioning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := core.PrivateScope("alice")
	grant := f.writeGrant(t, "alice")

	sl, err := f.vault.Create(ctx, scope, core.CategorySemantic, []byte("v1"), grant)
	require.NoError(t, err)

	sl2, err := f.vault.Update(ctx, scope, sl.ID, []byte("v2"), sl.Version, grant)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sl2.Version)

	// A writer still holding version 1 must re-read and retry.
	_, err = f.vault.Update(ctx, scope, sl.ID, []byte("lost race"), sl.Version, grant)
	assert.ErrorIs(t, err, core.ErrStaleVersion)

	got, err := f.vault.Read(ctx, scope, sl.ID, grant)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Payload)
}

func TestVault_UpdateMissingSlice(t *testing.T) {
	f := newFixture(t)
	grant := f.writeGrant(t, "alice")

	_, err := f.vault.Update(context.Background(), core.PrivateScope("alice"), "no-such-slice", []byte("x"), 1, grant)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestVault_ScopeIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aliceScope := core.PrivateScope("alice")
	aliceGrant := f.writeGrant(t, "alice")
	bobGrant := f.writeGrant(t, "bob")

	sl, err := f.vault.Create(ctx, aliceScope, core.CategoryEpisodic, []byte("alice only"), aliceGrant)
	require.NoError(t, err)

	// Bob's grant covers bob's scope, not alice's.
	_, err = f.vault.Read(ctx, aliceScope, sl.ID, bobGrant)
	assert.ErrorIs(t, err, core.ErrScopeMismatch)

	// And bob cannot authorize against alice's scope at all.
	_, err = f.acl.Authorize(ctx, "bob", aliceScope, core.PermissionRead)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestVault_TombstoneHidesSlice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := core.PrivateScope("alice")
	grant := f.writeGrant(t, "alice")
	admin := f.adminGrant(t, "alice", scope)

	sl, err := f.vault.Create(ctx, scope, core.CategoryEpisodic, []byte("forget me"), grant)
	require.NoError(t, err)

	// Write permission is not enough to tombstone.
	err = f.vault.Tombstone(ctx, scope, sl.ID, grant)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	require.NoError(t, f.vault.Tombstone(ctx, scope, sl.ID, admin))

	_, err = f.vault.Read(ctx, scope, sl.ID, grant)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = f.vault.Update(ctx, scope, sl.ID, []byte("resurrect"), sl.Version+1, grant)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestVault_SnapshotSkipsTombstoned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := core.PrivateScope("alice")
	grant := f.writeGrant(t, "alice")
	admin := f.adminGrant(t, "alice", scope)

	keep, err := f.vault.Create(ctx, scope, core.CategoryEpisodic, []byte("keep"), grant)
	require.NoError(t, err)
	drop, err := f.vault.Create(ctx, scope, core.CategoryEpisodic, []byte("drop"), grant)
	require.NoError(t, err)
	require.NoError(t, f.vault.Tombstone(ctx, scope, drop.ID, admin))

	slices, err := f.vault.Snapshot(ctx, scope, grant)
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.Equal(t, keep.ID, slices[0].ID)
}

func TestVault_ReadByCategory(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Clock = clockStepping(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	})
	ctx := context.Background()
	scope := core.PrivateScope("alice")
	grant := f.writeGrant(t, "alice")

	_, err := f.vault.Create(ctx, scope, core.CategorySemantic, []byte("older"), grant)
	require.NoError(t, err)
	newer, err := f.vault.Create(ctx, scope, core.CategorySemantic, []byte("newer"), grant)
	require.NoError(t, err)
	_, err = f.vault.Create(ctx, scope, core.CategoryEpisodic, []byte("other category"), grant)
	require.NoError(t, err)

	got, err := f.vault.ReadByCategory(ctx, scope, core.CategorySemantic, grant)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	_, err = f.vault.ReadByCategory(ctx, scope, core.CategoryProcedural, grant)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// clockStepping returns a clock advancing one second per call.
func clockStepping(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func TestVault_CorruptionPoisonsScope(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.DisableCache = true })
	ctx := context.Background()
	scope := core.PrivateScope("alice")
	grant := f.writeGrant(t, "alice")

	sl, err := f.vault.Create(ctx, scope, core.CategoryEpisodic, []byte("intact"), grant)
	require.NoError(t, err)
	f.backend.tamper(scope, sl.ID, []byte("garbage bytes overwriting ciphertext"))

	_, err = f.vault.Read(ctx, scope, sl.ID, grant)
	assert.ErrorIs(t, err, core.ErrCorruptionDetected)

	// The scope is poisoned: writes halt until an operator purges it.
	_, err = f.vault.Create(ctx, scope, core.CategoryEpisodic, []byte("new"), grant)
	assert.ErrorIs(t, err, core.ErrCorruptionDetected)

	// Another scope is unaffected.
	bobGrant := f.writeGrant(t, "bob")
	_, err = f.vault.Create(ctx, core.PrivateScope("bob"), core.CategoryEpisodic, []byte("fine"), bobGrant)
	assert.NoError(t, err)
}

func TestVault_PurgeClearsScopeAndPoison(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.DisableCache = true })
	ctx := context.Background()
	scope := core.PrivateScope("alice")
	grant := f.writeGrant(t, "alice")
	admin := f.adminGrant(t, "alice", scope)

	sl, err := f.vault.Create(ctx, scope, core.CategoryEpisodic, []byte("data"), grant)
	require.NoError(t, err)
	f.backend.tamper(scope, sl.ID, []byte("corrupted"))
	_, err = f.vault.Read(ctx, scope, sl.ID, grant)
	require.ErrorIs(t, err, core.ErrCorruptionDetected)

	require.NoError(t, f.vault.Purge(ctx, scope, admin))

	_, err = f.vault.Read(ctx, scope, sl.ID, grant)
	assert.ErrorIs(t, err, core.ErrNotFound)

	// Purge lifts the write halt.
	_, err = f.vault.Create(ctx, scope, core.CategoryEpisodic, []byte("fresh start"), grant)
	assert.NoError(t, err)
}

func TestVault_ExportImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := core.PrivateScope("alice")
	grant := f.writeGrant(t, "alice")

	sl, err := f.vault.Create(ctx, scope, core.CategorySemantic, []byte("portable"), grant)
	require.NoError(t, err)
	_, err = f.vault.Update(ctx, scope, sl.ID, []byte("portable v2"), 1, grant)
	require.NoError(t, err)

	data, err := f.vault.Export(ctx, scope, sl.ID, grant)
	require.NoError(t, err)

	// Import restarts identity and versioning under the target scope.
	target := core.CommunalScope("sess-1")
	tg, err := f.acl.IssueGrant(ctx, "alice", target, core.PermissionWrite, time.Now().Add(time.Hour), "sess-1")
	require.NoError(t, err)

	imported, err := f.vault.Import(ctx, target, data, tg)
	require.NoError(t, err)
	assert.NotEqual(t, sl.ID, imported.ID)
	assert.Equal(t, uint64(1), imported.Version)
	assert.Equal(t, target, imported.OwnerScope)

	got, err := f.vault.Read(ctx, target, imported.ID, tg)
	require.NoError(t, err)
	assert.Equal(t, []byte("portable v2"), got.Payload)
}

func TestVault_ImportMalformed(t *testing.T) {
	f := newFixture(t)
	grant := f.writeGrant(t, "alice")

	_, err := f.vault.Import(context.Background(), core.PrivateScope("alice"), []byte("{not json"), grant)
	assert.Error(t, err)
}

func TestVault_CachedReadSeesUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := core.PrivateScope("alice")
	grant := f.writeGrant(t, "alice")

	sl, err := f.vault.Create(ctx, scope, core.CategoryEpisodic, []byte("v1"), grant)
	require.NoError(t, err)

	_, err = f.vault.Read(ctx, scope, sl.ID, grant)
	require.NoError(t, err)

	_, err = f.vault.Update(ctx, scope, sl.ID, []byte("v2"), 1, grant)
	require.NoError(t, err)

	got, err := f.vault.Read(ctx, scope, sl.ID, grant)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Payload)
}

// gatedBackend holds the first writer of blockVersion between its commit and
// the vault's cache refresh, so another writer can slip in ahead of it.
type gatedBackend struct {
	*InMemoryBackend
	blockVersion uint64
	committed    chan struct{}
	release      chan struct{}
	once         sync.Once
}

func (b *gatedBackend) Put(ctx context.Context, scope core.Scope, rec core.SealedSlice) error {
	err := b.InMemoryBackend.Put(ctx, scope, rec)
	if err == nil && rec.Version == b.blockVersion {
		b.once.Do(func() {
			close(b.committed)
			<-b.release
		})
	}
	return err
}

func TestVault_RacingUpdateCannotRegressCache(t *testing.T) {
	backend := &gatedBackend{
		InMemoryBackend: NewInMemoryBackend(),
		blockVersion:    2,
		committed:       make(chan struct{}),
		release:         make(chan struct{}),
	}
	f := newFixture(t, func(o *Options) { o.Backend = backend })
	ctx := context.Background()
	scope := core.PrivateScope("alice")
	grant := f.writeGrant(t, "alice")

	sl, err := f.vault.Create(ctx, scope, core.CategoryEpisodic, []byte("v1"), grant)
	require.NoError(t, err)
	f.vault.cache.Wait() // admit version 1 so later refreshes update in place

	// Writer A commits version 2 and is held before its cache refresh.
	done := make(chan error, 1)
	go func() {
		_, err := f.vault.Update(ctx, scope, sl.ID, []byte("A"), 1, grant)
		done <- err
	}()
	<-backend.committed

	// Writer B advances past A to version 3 and refreshes the cache first.
	_, err = f.vault.Update(ctx, scope, sl.ID, []byte("B"), 2, grant)
	require.NoError(t, err)

	// A resumes and refreshes with version 2; that refresh must not displace
	// the cached version 3.
	close(backend.release)
	require.NoError(t, <-done)

	got, err := f.vault.Read(ctx, scope, sl.ID, grant)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Version)
	assert.Equal(t, []byte("B"), got.Payload)

	// The read-retry loop converges: an update using the version just read
	// succeeds instead of looping on ErrStaleVersion.
	next, err := f.vault.Update(ctx, scope, sl.ID, []byte("settled"), got.Version, grant)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next.Version)
}

func TestVault_CacheMaxCostDefaultsWhenUnset(t *testing.T) {
	acl := access.NewController()
	key, err := NewMasterKey()
	require.NoError(t, err)

	v, err := New(acl, key, func(o *Options) { o.CacheMaxCost = 0 })
	require.NoError(t, err)
	assert.NotNil(t, v.cache)
}

func TestInMemoryBackend_RejectsDuplicateVersion(t *testing.T) {
	b := NewInMemoryBackend()
	ctx := context.Background()
	scope := core.PrivateScope("alice")

	rec := core.SealedSlice{ID: "s1", OwnerScope: scope, Category: core.CategoryEpisodic, Version: 1, Sealed: []byte{1}}
	require.NoError(t, b.Put(ctx, scope, rec))
	assert.ErrorIs(t, b.Put(ctx, scope, rec), core.ErrStaleVersion)

	rec.Version = 2
	assert.NoError(t, b.Put(ctx, scope, rec))
}
