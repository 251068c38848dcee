// Package roundtable provides a high-level façade over the platform's
// services (encrypted memory vault, access control & audit, behavioral
// analysis, session orchestration) enabling rapid construction of
// multi-agent companion systems. Most applications interact with this
// package by:
//  1. Creating a Roundtable via New() (optionally overriding default in-memory services)
//  2. Creating a session from a set of agents and a turn policy
//  3. Driving turns via RunTurn (policy-selected) or SubmitTurn (explicit)
//
// The façade delegates session handling to orchestrator.Orchestrator while
// keeping setup ergonomics concise. All defaults are safe for local
// development and testing; production deployments typically supply durable
// sqlite backends and a structured logger.
package roundtable

import (
	"context"
	"time"

	"github.com/hupe1980/roundtable/access"
	accesssqlite "github.com/hupe1980/roundtable/access/sqlite"
	"github.com/hupe1980/roundtable/analysis"
	"github.com/hupe1980/roundtable/config"
	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/logging"
	"github.com/hupe1980/roundtable/orchestrator"
	"github.com/hupe1980/roundtable/vault"
	vaultsqlite "github.com/hupe1980/roundtable/vault/sqlite"
)

// Options configures the Roundtable instance.
type Options struct {
	// MasterKey encrypts all vault payloads. Generated when nil.
	MasterKey []byte

	// Stores (default to in-memory implementations if not provided)
	Backend   core.SliceBackend
	AuditSink core.AuditSink

	// DisableCache turns the vault's latest-version read cache off.
	DisableCache bool

	// CacheMaxCost bounds the vault read cache by total payload bytes.
	// Zero or negative selects the vault default.
	CacheMaxCost int64

	// GrantTTL bounds session-scoped grants.
	GrantTTL time.Duration

	// CheckpointInterval runs behavioral analysis every N turns; 0 disables.
	CheckpointInterval int

	// ExclusiveParticipants rejects a second active session holding the
	// exact same participant set.
	ExclusiveParticipants bool

	// AutoApplyThreshold is the minimum feedback priority applied to agents
	// without review.
	AutoApplyThreshold core.FeedbackPriority

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Roundtable is the high-level façade aggregating the underlying services.
type Roundtable struct {
	opts         Options
	acl          *access.Controller
	vault        *vault.Vault
	engine       *analysis.Engine
	orchestrator *orchestrator.Orchestrator
}

// New creates a new Roundtable instance with optional overrides. Any unset
// service is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) (*Roundtable, error) {
	opts := Options{
		Backend:            vault.NewInMemoryBackend(),
		AuditSink:          access.NewInMemorySink(),
		GrantTTL:           time.Hour,
		CheckpointInterval: 4,
		AutoApplyThreshold: analysis.DefaultAutoApplyThreshold,
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MasterKey == nil {
		key, err := vault.NewMasterKey()
		if err != nil {
			return nil, err
		}
		opts.MasterKey = key
	}

	acl := access.NewController(func(o *access.Options) {
		o.Sink = opts.AuditSink
		o.Logger = opts.Logger
		o.DefaultGrantTTL = opts.GrantTTL
	})

	v, err := vault.New(acl, opts.MasterKey, func(o *vault.Options) {
		o.Backend = opts.Backend
		o.Logger = opts.Logger
		o.DisableCache = opts.DisableCache
		o.CacheMaxCost = opts.CacheMaxCost
	})
	if err != nil {
		return nil, err
	}

	engine := analysis.NewEngine(func(o *analysis.Options) {
		o.Logger = opts.Logger
		o.AutoApplyThreshold = opts.AutoApplyThreshold
	})

	orch, err := orchestrator.New(v, acl, func(o *orchestrator.Options) {
		o.Engine = engine
		o.Logger = opts.Logger
		o.GrantTTL = opts.GrantTTL
		o.CheckpointInterval = opts.CheckpointInterval
		o.ExclusiveParticipants = opts.ExclusiveParticipants
	})
	if err != nil {
		return nil, err
	}

	return &Roundtable{opts: opts, acl: acl, vault: v, engine: engine, orchestrator: orch}, nil
}

// NewFromConfig creates a Roundtable wired per the resolved configuration:
// master key resolution, sqlite or in-memory persistence and logger setup.
func NewFromConfig(cfg *config.Config) (*Roundtable, error) {
	key, err := cfg.MasterKey()
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger(cfg.LoggerConfig())

	var backend core.SliceBackend = vault.NewInMemoryBackend()
	var sink core.AuditSink = access.NewInMemorySink()
	if cfg.Storage.Driver == "sqlite" {
		b, err := vaultsqlite.NewBackend(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		backend = b
		auditPath := cfg.Storage.AuditPath
		if auditPath == "" {
			auditPath = cfg.Storage.Path
		}
		s, err := accesssqlite.NewSink(auditPath)
		if err != nil {
			return nil, err
		}
		sink = s
	}

	return New(func(o *Options) {
		o.MasterKey = key
		o.Backend = backend
		o.AuditSink = sink
		o.DisableCache = !cfg.Cache.Enabled
		o.CacheMaxCost = cfg.Cache.MaxCost
		o.GrantTTL = cfg.Session.GrantTTL
		o.CheckpointInterval = cfg.Session.CheckpointInterval
		o.ExclusiveParticipants = cfg.Session.ExclusiveParticipants
		o.AutoApplyThreshold = cfg.AutoApplyThreshold()
		o.Logger = logger
	})
}

// Vault exposes the encrypted memory store.
func (r *Roundtable) Vault() *vault.Vault { return r.vault }

// Access exposes the access controller and audit layer.
func (r *Roundtable) Access() *access.Controller { return r.acl }

// Analysis exposes the behavioral analysis engine.
func (r *Roundtable) Analysis() *analysis.Engine { return r.engine }

// Orchestrator exposes the session orchestrator.
func (r *Roundtable) Orchestrator() *orchestrator.Orchestrator { return r.orchestrator }

// CreateSession starts a roundtable over the given agents and policy.
func (r *Roundtable) CreateSession(ctx context.Context, agents []core.Agent, policy orchestrator.TurnPolicy) (core.Session, error) {
	return r.orchestrator.CreateSession(ctx, agents, policy)
}

// OpenBreakout spawns a sub-session over a subset of an active session's
// participants.
func (r *Roundtable) OpenBreakout(ctx context.Context, parentID string, subset []core.AgentID) (core.Session, error) {
	return r.orchestrator.OpenBreakout(ctx, parentID, subset)
}

// RunTurn asks the policy-selected agent for its next contribution and
// records it.
func (r *Roundtable) RunTurn(ctx context.Context, sessionID string) (core.TurnRecord, error) {
	return r.orchestrator.RunTurn(ctx, sessionID)
}

// SubmitTurn records an externally produced turn at an explicit sequence.
func (r *Roundtable) SubmitTurn(ctx context.Context, sessionID string, agentID core.AgentID, sequence uint64, output string) (uint64, error) {
	return r.orchestrator.SubmitTurn(ctx, sessionID, agentID, sequence, output)
}

// CloseSession finalizes the session transcript and revokes its grants.
func (r *Roundtable) CloseSession(ctx context.Context, sessionID string) error {
	return r.orchestrator.CloseSession(ctx, sessionID)
}

// ExportAudit returns the audit trail for one subject-scope pair.
func (r *Roundtable) ExportAudit(ctx context.Context, scope core.Scope, from, to time.Time) ([]core.AuditRecord, error) {
	return r.acl.ExportAudit(ctx, scope, from, to)
}
