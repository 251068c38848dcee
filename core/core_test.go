package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScope_Ownership(t *testing.T) {
	priv := PrivateScope("alice")
	assert.True(t, priv.IsPrivate())
	assert.False(t, priv.IsCommunal())
	owner, ok := priv.Agent()
	assert.True(t, ok)
	assert.Equal(t, AgentID("alice"), owner)

	comm := CommunalScope("sess-1")
	assert.True(t, comm.IsCommunal())
	sid, ok := comm.SessionID()
	assert.True(t, ok)
	assert.Equal(t, "sess-1", sid)

	assert.NotEqual(t, priv, comm)
}

func TestScope_Valid(t *testing.T) {
	assert.True(t, PrivateScope("alice").Valid())
	assert.True(t, CommunalScope("sess-1").Valid())
	assert.False(t, Scope("agent:").Valid())
	assert.False(t, Scope("communal:").Valid())
	assert.False(t, Scope("alice").Valid())
	assert.False(t, Scope("").Valid())
}

func TestPermission_Satisfies(t *testing.T) {
	assert.True(t, PermissionRead.Satisfies(PermissionRead))
	assert.True(t, PermissionWrite.Satisfies(PermissionRead))
	assert.True(t, PermissionAdmin.Satisfies(PermissionWrite))
	assert.False(t, PermissionRead.Satisfies(PermissionWrite))
	assert.False(t, PermissionWrite.Satisfies(PermissionAdmin))
}

func TestGrant_Covers(t *testing.T) {
	g := Grant{
		ID:         NewID(),
		Subject:    "alice",
		Scope:      PrivateScope("alice"),
		Permission: PermissionWrite,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	assert.True(t, g.Covers(PrivateScope("alice"), PermissionRead))
	assert.True(t, g.Covers(PrivateScope("alice"), PermissionWrite))
	assert.False(t, g.Covers(PrivateScope("alice"), PermissionAdmin))
	assert.False(t, g.Covers(PrivateScope("bob"), PermissionRead))
}

func TestGrant_Expired(t *testing.T) {
	now := time.Now()
	g := Grant{ExpiresAt: now}
	assert.True(t, g.Expired(now))
	assert.True(t, g.Expired(now.Add(time.Second)))
	assert.False(t, g.Expired(now.Add(-time.Second)))
}

func TestSlice_Clone(t *testing.T) {
	sl := Slice{
		ID:         NewID(),
		OwnerScope: PrivateScope("alice"),
		Category:   CategoryEpisodic,
		Version:    3,
		Payload:    []byte("original"),
	}
	cp := sl.Clone()
	cp.Payload[0] = 'X'
	assert.Equal(t, byte('o'), sl.Payload[0])
}

func TestOpError_Unwrap(t *testing.T) {
	err := NewOpError("vault.read", "alice", PrivateScope("alice"), "s1", ErrNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "vault.read")
	assert.Contains(t, err.Error(), "alice")
}

func TestTimeoutErr(t *testing.T) {
	assert.ErrorIs(t, TimeoutErr(context.DeadlineExceeded), ErrTimeout)
	assert.ErrorIs(t, TimeoutErr(context.Canceled), ErrTimeout)

	other := errors.New("disk full")
	assert.Equal(t, other, TimeoutErr(other))
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, ParsePriority("critical"))
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityMedium, ParsePriority("medium"))
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityLow, ParsePriority("bogus"))
}

func TestTurnContext_LastOutput(t *testing.T) {
	tc := TurnContext{}
	assert.Equal(t, "", tc.LastOutput())

	tc.Transcript = []TurnRecord{
		{Sequence: 0, Agent: "alice", Output: "first"},
		{Sequence: 1, Agent: "bob", Output: "second"},
	}
	assert.Equal(t, "second", tc.LastOutput())
}
