package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/logging"
)

// Options holds dependency and configuration overrides passed to NewController.
type Options struct {
	// Sink receives every audit record. Defaults to an in-memory sink.
	Sink core.AuditSink
	// Logger handles structured log output. Defaults to NoOpLogger.
	Logger logging.Logger
	// Clock supplies the current time; overridable in tests.
	Clock func() time.Time
	// DefaultGrantTTL bounds synthesized private-scope grants.
	DefaultGrantTTL time.Duration
}

// Controller evaluates every grant request and check against the ownership
// policy and appends an audit record before releasing the result. It is the
// sole component that issues, tracks and revokes grants; no grant is ever
// ambient.
//
// Policy evaluation order:
//  1. A subject's own private scope is always satisfied without lookup.
//  2. Communal and administrative capabilities require a registered grant
//     issued by a session (or explicitly by an operator).
//  3. Nothing is valid outside its expiry window.
type Controller struct {
	sink   core.AuditSink
	logger logging.Logger
	now    func() time.Time
	ttl    time.Duration

	mu     sync.RWMutex
	grants map[string]core.Grant
	bySubj map[core.AgentID][]string
	bySess map[string][]string
}

// NewController constructs a Controller with optional overrides.
func NewController(optFns ...func(o *Options)) *Controller {
	opts := Options{
		Sink:            NewInMemorySink(),
		Logger:          logging.NoOpLogger{},
		Clock:           time.Now,
		DefaultGrantTTL: time.Hour,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Controller{
		sink:   opts.Sink,
		logger: opts.Logger,
		now:    opts.Clock,
		ttl:    opts.DefaultGrantTTL,
		grants: make(map[string]core.Grant),
		bySubj: make(map[core.AgentID][]string),
		bySess: make(map[string][]string),
	}
}

// Sink exposes the audit sink for export tooling.
func (c *Controller) Sink() core.AuditSink { return c.sink }

// audit appends a record and returns the error to surface for the attempt.
// The record write happens before result is handed back (audit-then-permit):
// a failed append downgrades an allow into a denial.
func (c *Controller) audit(ctx context.Context, subject core.AgentID, scope core.Scope, op, sliceID, grantID string, result core.AuditResult, detail string) error {
	rec := core.AuditRecord{
		Timestamp: c.now(),
		Subject:   subject,
		Scope:     scope,
		Operation: op,
		SliceID:   sliceID,
		GrantID:   grantID,
		Result:    result,
		Detail:    detail,
	}
	if _, err := c.sink.Append(ctx, rec); err != nil {
		c.logger.Error("audit append failed", "operation", op, "error", err)
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

// Authorize evaluates a capability request and returns a usable grant.
// A subject's own private scope yields a fresh default grant; communal and
// admin capabilities must have been issued beforehand. Exactly one audit
// record is written per call, allow or deny.
func (c *Controller) Authorize(ctx context.Context, subject core.AgentID, scope core.Scope, perm core.Permission) (core.Grant, error) {
	const op = "access.authorize"
	if !scope.Valid() {
		deny := core.NewOpError(op, subject, scope, "", core.ErrScopeMismatch)
		if err := c.audit(ctx, subject, scope, op, "", "", core.AuditDenied, "invalid scope"); err != nil {
			return core.Grant{}, err
		}
		return core.Grant{}, deny
	}

	// Private-scope default: always valid for the owner, no lookup.
	if owner, ok := scope.Agent(); ok && owner == subject && perm != core.PermissionAdmin {
		g := core.Grant{
			ID:         core.NewID(),
			Subject:    subject,
			Scope:      scope,
			Permission: perm,
			ExpiresAt:  c.now().Add(c.ttl),
		}
		if err := c.audit(ctx, subject, scope, op, "", g.ID, core.AuditAllowed, "private default"); err != nil {
			return core.Grant{}, err
		}
		return g, nil
	}

	g, reason, found := c.lookup(subject, scope, perm)
	if !found {
		if err := c.audit(ctx, subject, scope, op, "", "", core.AuditDenied, reason.Error()); err != nil {
			return core.Grant{}, err
		}
		return core.Grant{}, core.NewOpError(op, subject, scope, "", reason)
	}
	if err := c.audit(ctx, subject, scope, op, "", g.ID, core.AuditAllowed, ""); err != nil {
		return core.Grant{}, err
	}
	return g, nil
}

// lookup finds a registered grant satisfying (subject, scope, perm).
// Expired grants produce ErrExpired rather than falling through to
// ErrUnauthorized so the caller can distinguish the denial reason.
func (c *Controller) lookup(subject core.AgentID, scope core.Scope, perm core.Permission) (core.Grant, error, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	sawExpired := false
	for _, id := range c.bySubj[subject] {
		g, ok := c.grants[id]
		if !ok || !g.Covers(scope, perm) {
			continue
		}
		if g.Expired(now) {
			sawExpired = true
			continue
		}
		return g, nil, true
	}
	if sawExpired {
		return core.Grant{}, core.ErrExpired, false
	}
	return core.Grant{}, core.ErrUnauthorized, false
}

// Check validates that a previously obtained grant covers the operation.
// Every outcome, allow or deny, produces exactly one audit record. The
// returned error is nil when the operation may proceed.
func (c *Controller) Check(ctx context.Context, grant core.Grant, scope core.Scope, perm core.Permission, op, sliceID string) error {
	deny := func(reason error, detail string) error {
		if err := c.audit(ctx, grant.Subject, scope, op, sliceID, grant.ID, core.AuditDenied, detail); err != nil {
			return err
		}
		return core.NewOpError(op, grant.Subject, scope, sliceID, reason)
	}

	if !grant.Covers(scope, perm) {
		if grant.Scope != scope {
			return deny(core.ErrScopeMismatch, fmt.Sprintf("grant scope %s does not cover %s", grant.Scope, scope))
		}
		return deny(core.ErrUnauthorized, fmt.Sprintf("grant permission %s does not satisfy %s", grant.Permission, perm))
	}
	if grant.Expired(c.now()) {
		return deny(core.ErrExpired, fmt.Sprintf("grant expired at %s", grant.ExpiresAt.Format(time.RFC3339)))
	}

	// Grants for a subject's own private scope are structurally valid even
	// when synthesized elsewhere; anything else must still be registered.
	if owner, ok := grant.Scope.Agent(); !ok || owner != grant.Subject {
		c.mu.RLock()
		_, known := c.grants[grant.ID]
		c.mu.RUnlock()
		if !known {
			return deny(core.ErrUnauthorized, "grant not issued or already revoked")
		}
	}

	return c.audit(ctx, grant.Subject, scope, op, sliceID, grant.ID, core.AuditAllowed, "")
}

// Record appends an operation-outcome audit record on behalf of a component
// that already passed Check, e.g. a vault write that failed post-authorization.
func (c *Controller) Record(ctx context.Context, subject core.AgentID, scope core.Scope, op, sliceID, grantID string, result core.AuditResult, detail string) error {
	return c.audit(ctx, subject, scope, op, sliceID, grantID, result, detail)
}

// IssueGrant registers a single grant, auditing the issuance. Used by the
// orchestrator for communal and analysis grants and by operators for
// administrative grants.
func (c *Controller) IssueGrant(ctx context.Context, subject core.AgentID, scope core.Scope, perm core.Permission, expiresAt time.Time, sessionID string) (core.Grant, error) {
	const op = "access.issue_grant"
	if !scope.Valid() {
		return core.Grant{}, core.NewOpError(op, subject, scope, "", core.ErrScopeMismatch)
	}
	g := core.Grant{
		ID:         core.NewID(),
		Subject:    subject,
		Scope:      scope,
		Permission: perm,
		ExpiresAt:  expiresAt,
		SessionID:  sessionID,
	}
	if err := c.audit(ctx, subject, scope, op, "", g.ID, core.AuditAllowed, "permission "+perm.String()); err != nil {
		return core.Grant{}, err
	}
	c.register(g, sessionID)
	return g, nil
}

// IssueSessionGrants registers one grant per request, all bound to the
// session, atomically: if any issuance fails every grant issued so far is
// revoked and none remain visible.
func (c *Controller) IssueSessionGrants(ctx context.Context, sessionID string, reqs []GrantRequest) ([]core.Grant, error) {
	issued := make([]core.Grant, 0, len(reqs))
	for _, r := range reqs {
		g, err := c.IssueGrant(ctx, r.Subject, r.Scope, r.Permission, r.ExpiresAt, sessionID)
		if err != nil {
			c.RevokeSession(ctx, sessionID)
			return nil, fmt.Errorf("issue session grants: %w", err)
		}
		issued = append(issued, g)
	}
	return issued, nil
}

// GrantRequest describes one grant to issue for a session.
type GrantRequest struct {
	Subject    core.AgentID
	Scope      core.Scope
	Permission core.Permission
	ExpiresAt  time.Time
}

// RevokeSession destroys every grant bound to the session. Revocation is
// idempotent and audited once per revoked grant.
func (c *Controller) RevokeSession(ctx context.Context, sessionID string) {
	c.mu.Lock()
	ids := c.bySess[sessionID]
	delete(c.bySess, sessionID)
	revoked := make([]core.Grant, 0, len(ids))
	for _, id := range ids {
		if g, ok := c.grants[id]; ok {
			revoked = append(revoked, g)
			delete(c.grants, id)
		}
	}
	c.mu.Unlock()

	for _, g := range revoked {
		if err := c.audit(ctx, g.Subject, g.Scope, "access.revoke_grant", "", g.ID, core.AuditAllowed, "session "+sessionID); err != nil {
			c.logger.Warn("revocation audit failed", "grant_id", g.ID, "error", err)
		}
	}
}

// Revoke destroys a single grant by id.
func (c *Controller) Revoke(ctx context.Context, grantID string) {
	c.mu.Lock()
	g, ok := c.grants[grantID]
	delete(c.grants, grantID)
	c.mu.Unlock()
	if ok {
		if err := c.audit(ctx, g.Subject, g.Scope, "access.revoke_grant", "", g.ID, core.AuditAllowed, ""); err != nil {
			c.logger.Warn("revocation audit failed", "grant_id", g.ID, "error", err)
		}
	}
}

// ExportAudit returns the audit records for a scope within the time range.
// Intended for external compliance tooling.
func (c *Controller) ExportAudit(ctx context.Context, scope core.Scope, from, to time.Time) ([]core.AuditRecord, error) {
	return c.sink.Export(ctx, scope, from, to)
}

func (c *Controller) register(g core.Grant, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grants[g.ID] = g
	c.bySubj[g.Subject] = append(c.bySubj[g.Subject], g.ID)
	if sessionID != "" {
		c.bySess[sessionID] = append(c.bySess[sessionID], g.ID)
	}
}
