package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/roundtable/access"
	"github.com/hupe1980/roundtable/analysis"
	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/logging"
	"github.com/hupe1980/roundtable/vault"
)

// OrchestratorID is the subject identity the orchestrator acts under when
// writing communal memory.
const OrchestratorID = core.AgentID("orchestrator")

// AnalysisID is the subject identity the analysis engine acts under.
const AnalysisID = core.AgentID("analysis-engine")

// Options holds dependency and configuration overrides passed to New.
type Options struct {
	// Engine runs at checkpoints. Nil disables analysis.
	Engine *analysis.Engine
	// Logger handles structured log output. Defaults to NoOpLogger.
	Logger logging.Logger
	// Clock supplies the current time; overridable in tests.
	Clock func() time.Time
	// GrantTTL bounds session-scoped grants.
	GrantTTL time.Duration
	// CheckpointInterval invokes the analysis engine every N turns; 0 disables.
	CheckpointInterval int
	// ExclusiveParticipants rejects a second active session holding the
	// exact same participant set.
	ExclusiveParticipants bool
}

// Orchestrator creates and drives sessions. All methods are safe for
// concurrent use.
type Orchestrator struct {
	vault      *vault.Vault
	acl        *access.Controller
	engine     *analysis.Engine
	logger     logging.Logger
	now        func() time.Time
	grantTTL   time.Duration
	checkpoint int
	exclusive  bool

	mu         sync.RWMutex
	sessions   map[string]*sessionState
	signatures map[string]string // participant signature -> active session id
}

// sessionState is the mutable runtime state of one session. Its mutex is
// the per-session serialization point for turn submission and lifecycle
// transitions.
type sessionState struct {
	mu sync.Mutex

	sess     core.Session
	policy   TurnPolicy
	turns    []core.TurnRecord
	agents   map[core.AgentID]core.Agent
	children map[string]string // subset signature -> open breakout id

	writeGrant    core.Grant                 // communal write, held by the orchestrator
	readGrants    map[core.AgentID]core.Grant // communal read per participant
	analysisGrant core.Grant

	pending map[core.AgentID][]core.AdaptiveFeedback
}

// New constructs an Orchestrator over a vault and its access controller.
func New(v *vault.Vault, acl *access.Controller, optFns ...func(o *Options)) (*Orchestrator, error) {
	if v == nil || acl == nil {
		return nil, errors.New("orchestrator: vault and access controller are required")
	}
	opts := Options{
		Logger:             logging.NoOpLogger{},
		Clock:              time.Now,
		GrantTTL:           time.Hour,
		CheckpointInterval: 4,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Orchestrator{
		vault:      v,
		acl:        acl,
		engine:     opts.Engine,
		logger:     opts.Logger,
		now:        opts.Clock,
		grantTTL:   opts.GrantTTL,
		checkpoint: opts.CheckpointInterval,
		exclusive:  opts.ExclusiveParticipants,
		sessions:   make(map[string]*sessionState),
		signatures: make(map[string]string),
	}, nil
}

func signature(ids []core.AgentID) string {
	ss := make([]string, len(ids))
	for i, id := range ids {
		ss[i] = string(id)
	}
	sort.Strings(ss)
	return strings.Join(ss, ",")
}

// issueSessionGrants requests every grant a session needs. Atomic: when any
// issuance fails all grants issued so far are revoked and the session must
// not come into existence.
func (o *Orchestrator) issueSessionGrants(ctx context.Context, sessionID string, participants []core.AgentID) (write core.Grant, reads map[core.AgentID]core.Grant, analysisGrant core.Grant, err error) {
	scope := core.CommunalScope(sessionID)
	expires := o.now().Add(o.grantTTL)
	reqs := []access.GrantRequest{
		{Subject: OrchestratorID, Scope: scope, Permission: core.PermissionWrite, ExpiresAt: expires},
		{Subject: AnalysisID, Scope: scope, Permission: core.PermissionWrite, ExpiresAt: expires},
	}
	for _, p := range participants {
		reqs = append(reqs, access.GrantRequest{Subject: p, Scope: scope, Permission: core.PermissionRead, ExpiresAt: expires})
	}
	grants, err := o.acl.IssueSessionGrants(ctx, sessionID, reqs)
	if err != nil {
		return core.Grant{}, nil, core.Grant{}, err
	}
	reads = make(map[core.AgentID]core.Grant, len(participants))
	for _, g := range grants {
		switch g.Subject {
		case OrchestratorID:
			write = g
		case AnalysisID:
			analysisGrant = g
		default:
			reads[g.Subject] = g
		}
	}
	return write, reads, analysisGrant, nil
}

// CreateSession starts a roundtable among the given agents. The session
// only becomes active once every initial grant was issued; a grant failure
// leaves no partial session behind.
func (o *Orchestrator) CreateSession(ctx context.Context, agents []core.Agent, policy TurnPolicy) (core.Session, error) {
	if len(agents) == 0 {
		return core.Session{}, errors.New("orchestrator: empty participant set")
	}
	if policy == nil {
		policy = RoundRobin{}
	}
	ids := make([]core.AgentID, 0, len(agents))
	byID := make(map[core.AgentID]core.Agent, len(agents))
	for _, a := range agents {
		if a == nil || a.ID() == "" {
			return core.Session{}, errors.New("orchestrator: nil agent or empty agent id")
		}
		if _, dup := byID[a.ID()]; dup {
			return core.Session{}, fmt.Errorf("orchestrator: duplicate participant %s: %w", a.ID(), core.ErrConflict)
		}
		byID[a.ID()] = a
		ids = append(ids, a.ID())
	}
	ids = sortedIDs(ids)
	sig := signature(ids)

	o.mu.Lock()
	if o.exclusive {
		if other, busy := o.signatures[sig]; busy {
			o.mu.Unlock()
			return core.Session{}, fmt.Errorf("orchestrator: participants already hold session %s: %w", other, core.ErrConflict)
		}
	}
	// Reserve the signature before the grant round trip so a concurrent
	// creation for the same set cannot slip in between.
	sessionID := core.NewID()
	o.signatures[sig] = sessionID
	o.mu.Unlock()

	write, reads, analysisGrant, err := o.issueSessionGrants(ctx, sessionID, ids)
	if err != nil {
		o.mu.Lock()
		delete(o.signatures, sig)
		o.mu.Unlock()
		return core.Session{}, fmt.Errorf("orchestrator: session creation failed: %w", err)
	}

	st := &sessionState{
		sess: core.Session{
			ID:           sessionID,
			Participants: ids,
			PolicyName:   policy.Name(),
			State:        core.SessionActive,
			CreatedAt:    o.now(),
		},
		policy:        policy,
		agents:        byID,
		children:      make(map[string]string),
		writeGrant:    write,
		readGrants:    reads,
		analysisGrant: analysisGrant,
		pending:       make(map[core.AgentID][]core.AdaptiveFeedback),
	}
	o.mu.Lock()
	o.sessions[sessionID] = st
	o.mu.Unlock()

	o.logger.Info("session created", "session_id", sessionID, "participants", sig, "policy", policy.Name())
	return st.sess.Clone(), nil
}

func (o *Orchestrator) state(sessionID string) (*sessionState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, core.ErrNotFound)
	}
	return st, nil
}

// OpenBreakout starts a nested session for a subset of the parent's
// participants. Inherited grants are narrowed, never widened: only subset
// members receive grants on the breakout's communal scope. When two
// creations for the same subset race the first wins and the second receives
// ErrConflict.
func (o *Orchestrator) OpenBreakout(ctx context.Context, parentID string, subset []core.AgentID) (core.Session, error) {
	parent, err := o.state(parentID)
	if err != nil {
		return core.Session{}, err
	}
	if len(subset) == 0 {
		return core.Session{}, errors.New("orchestrator: empty breakout subset")
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()

	if parent.sess.State != core.SessionActive {
		return core.Session{}, fmt.Errorf("parent session %s is %s: %w", parentID, parent.sess.State, core.ErrSessionClosed)
	}
	members := make(map[core.AgentID]bool, len(parent.sess.Participants))
	for _, p := range parent.sess.Participants {
		members[p] = true
	}
	subAgents := make(map[core.AgentID]core.Agent, len(subset))
	for _, id := range subset {
		if !members[id] {
			return core.Session{}, fmt.Errorf("agent %s is not a participant of %s: %w", id, parentID, core.ErrScopeMismatch)
		}
		subAgents[id] = parent.agents[id]
	}
	ids := sortedIDs(subset)
	sig := signature(ids)
	if open, exists := parent.children[sig]; exists {
		if child, err := o.state(open); err == nil {
			child.mu.Lock()
			active := child.sess.State != core.SessionClosed
			child.mu.Unlock()
			if active {
				return core.Session{}, fmt.Errorf("breakout %s already open for subset: %w", open, core.ErrConflict)
			}
		}
		delete(parent.children, sig)
	}

	breakoutID := core.NewID()
	write, reads, analysisGrant, err := o.issueSessionGrants(ctx, breakoutID, ids)
	if err != nil {
		return core.Session{}, fmt.Errorf("orchestrator: breakout creation failed: %w", err)
	}

	st := &sessionState{
		sess: core.Session{
			ID:           breakoutID,
			Participants: ids,
			PolicyName:   parent.sess.PolicyName,
			State:        core.SessionActive,
			ParentID:     parentID,
			CreatedAt:    o.now(),
		},
		policy:        policyByName(parent.sess.PolicyName, parent.policy),
		agents:        subAgents,
		children:      make(map[string]string),
		writeGrant:    write,
		readGrants:    reads,
		analysisGrant: analysisGrant,
		pending:       make(map[core.AgentID][]core.AdaptiveFeedback),
	}
	parent.children[sig] = breakoutID

	o.mu.Lock()
	o.sessions[breakoutID] = st
	o.mu.Unlock()

	o.logger.Info("breakout opened", "session_id", breakoutID, "parent_id", parentID, "participants", sig)
	return st.sess.Clone(), nil
}

// SubmitTurn records an agent's output as the turn with the given sequence
// number. The caller supplies the sequence it expects to fill (the current
// value of NextSequence); a lost race surfaces as ErrConflict and the
// caller retries against the new sequence. Resubmitting an already recorded
// (agent, sequence) pair returns the original sequence without a second
// record.
func (o *Orchestrator) SubmitTurn(ctx context.Context, sessionID string, agentID core.AgentID, sequence uint64, output string) (uint64, error) {
	st, err := o.state(sessionID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return o.submitLocked(ctx, st, agentID, sequence, output)
}

func (o *Orchestrator) submitLocked(ctx context.Context, st *sessionState, agentID core.AgentID, sequence uint64, output string) (uint64, error) {
	start := o.now()
	sessionID := st.sess.ID

	if st.sess.State != core.SessionActive {
		err := fmt.Errorf("session %s is %s: %w", sessionID, st.sess.State, core.ErrSessionClosed)
		o.logTurn(sessionID, agentID, sequence, start, err)
		return 0, err
	}

	next := uint64(len(st.turns))
	if sequence < next {
		// Idempotent retry of an already recorded turn.
		if st.turns[sequence].Agent == agentID {
			return sequence, nil
		}
		return 0, fmt.Errorf("sequence %d was won by %s: %w", sequence, st.turns[sequence].Agent, core.ErrConflict)
	}
	if sequence > next {
		return 0, fmt.Errorf("sequence %d not yet open, next is %d: %w", sequence, next, core.ErrConflict)
	}

	eligible := st.policy.Eligible(st.turns, st.sess.Participants)
	allowed := false
	for _, id := range eligible {
		if id == agentID {
			allowed = true
			break
		}
	}
	if !allowed {
		err := core.NewOpError("orchestrator.submit_turn", agentID, core.CommunalScope(sessionID), "", core.ErrOutOfTurn)
		o.logTurn(sessionID, agentID, sequence, start, err)
		return 0, err
	}

	// Persist the output to the agent's private scope before the turn
	// becomes visible; a storage failure rejects the turn cleanly.
	grant, err := o.acl.Authorize(ctx, agentID, core.PrivateScope(agentID), core.PermissionWrite)
	if err != nil {
		o.logTurn(sessionID, agentID, sequence, start, err)
		return 0, err
	}
	sl, err := o.vault.Create(ctx, core.PrivateScope(agentID), core.CategoryEpisodic, []byte(output), grant)
	if err != nil {
		o.logTurn(sessionID, agentID, sequence, start, err)
		return 0, err
	}

	rec := core.TurnRecord{
		SessionID: sessionID,
		Sequence:  sequence,
		Agent:     agentID,
		OutputRef: sl.ID,
		Output:    output,
		Timestamp: o.now(),
	}
	if len(st.turns) > 0 {
		rec.InputRef = st.turns[len(st.turns)-1].OutputRef
	}
	st.turns = append(st.turns, rec)
	o.logTurn(sessionID, agentID, sequence, start, nil)

	if o.engine != nil && o.checkpoint > 0 && len(st.turns)%o.checkpoint == 0 {
		o.runCheckpoint(ctx, st)
	}
	return sequence, nil
}

func (o *Orchestrator) logTurn(sessionID string, agentID core.AgentID, sequence uint64, start time.Time, err error) {
	if err != nil {
		o.logger.Warn("turn rejected", "session_id", sessionID, "agent_id", string(agentID), "sequence", sequence, "error", err)
		return
	}
	o.logger.Debug("turn recorded", "session_id", sessionID, "agent_id", string(agentID), "sequence", sequence, "duration", o.now().Sub(start))
}

// runCheckpoint feeds the transcript to the analysis engine, persists the
// insights to communal memory and queues feedback for delivery before each
// participant's next turn. Analysis failures never fail the triggering
// turn.
func (o *Orchestrator) runCheckpoint(ctx context.Context, st *sessionState) {
	turns := make([]core.TurnRecord, len(st.turns))
	copy(turns, st.turns)
	insights, err := o.engine.Analyze(ctx, st.sess.ID, turns, st.sess.Participants, 0)
	if err != nil {
		o.logger.Warn("analysis checkpoint failed", "session_id", st.sess.ID, "error", err)
		return
	}
	if len(insights) == 0 {
		return
	}
	scope := core.CommunalScope(st.sess.ID)
	if err := o.engine.Persist(ctx, o.vault, scope, insights, st.analysisGrant); err != nil {
		o.logger.Warn("insight persistence failed", "session_id", st.sess.ID, "error", err)
		return
	}
	for _, in := range insights {
		for _, p := range st.sess.Participants {
			st.pending[p] = append(st.pending[p], o.engine.FeedbackFor(in, p))
		}
	}
	o.logger.Info("analysis checkpoint completed", "session_id", st.sess.ID, "insights", len(insights))
}

// RunTurn drives the preferred next agent through one full turn: it
// delivers eligible queued feedback, assembles the agent's scoped memory
// view, asks the adapter for output and records the result. Adapter errors
// surface as ErrAgentFailure without touching session state.
func (o *Orchestrator) RunTurn(ctx context.Context, sessionID string) (core.TurnRecord, error) {
	st, err := o.state(sessionID)
	if err != nil {
		return core.TurnRecord{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.sess.State != core.SessionActive {
		return core.TurnRecord{}, fmt.Errorf("session %s is %s: %w", sessionID, st.sess.State, core.ErrSessionClosed)
	}
	eligible := st.policy.Eligible(st.turns, st.sess.Participants)
	if len(eligible) == 0 {
		return core.TurnRecord{}, fmt.Errorf("no eligible agent: %w", core.ErrOutOfTurn)
	}
	agentID := eligible[0]
	agent := st.agents[agentID]
	if agent == nil {
		return core.TurnRecord{}, fmt.Errorf("no adapter registered for %s: %w", agentID, core.ErrNotFound)
	}

	o.deliverFeedback(ctx, st, agentID, agent)

	turnCtx, err := o.buildTurnContext(ctx, st, agentID)
	if err != nil {
		return core.TurnRecord{}, err
	}
	output, err := agent.ProposeTurn(ctx, turnCtx)
	if err != nil {
		return core.TurnRecord{}, core.NewOpError("orchestrator.run_turn", agentID, core.CommunalScope(sessionID), "",
			fmt.Errorf("%w: %v", core.ErrAgentFailure, err))
	}
	seq, err := o.submitLocked(ctx, st, agentID, uint64(len(st.turns)), output)
	if err != nil {
		return core.TurnRecord{}, err
	}
	return st.turns[seq], nil
}

// deliverFeedback applies auto-applicable queued feedback to the agent and
// drops it from the queue; advisory feedback stays queued for inspection.
func (o *Orchestrator) deliverFeedback(ctx context.Context, st *sessionState, agentID core.AgentID, agent core.Agent) {
	queue := st.pending[agentID]
	var advisory []core.AdaptiveFeedback
	for _, fb := range queue {
		if !o.engine.AutoApplicable(fb) {
			advisory = append(advisory, fb)
			continue
		}
		if err := agent.ApplyFeedback(ctx, fb); err != nil {
			fb.Status = core.FeedbackRejected
			o.logger.Warn("feedback rejected", "session_id", st.sess.ID, "agent_id", string(agentID), "feedback_id", fb.ID, "error", err)
		} else {
			fb.Status = core.FeedbackApplied
			o.logger.Debug("feedback applied", "session_id", st.sess.ID, "agent_id", string(agentID), "feedback_id", fb.ID)
		}
	}
	st.pending[agentID] = advisory
}

// buildTurnContext assembles the memory view the agent's grants cover.
func (o *Orchestrator) buildTurnContext(ctx context.Context, st *sessionState, agentID core.AgentID) (core.TurnContext, error) {
	privGrant, err := o.acl.Authorize(ctx, agentID, core.PrivateScope(agentID), core.PermissionRead)
	if err != nil {
		return core.TurnContext{}, err
	}
	private, err := o.vault.Snapshot(ctx, core.PrivateScope(agentID), privGrant)
	if err != nil {
		return core.TurnContext{}, err
	}
	var communal []core.Slice
	if g, ok := st.readGrants[agentID]; ok {
		communal, err = o.vault.Snapshot(ctx, core.CommunalScope(st.sess.ID), g)
		if err != nil {
			return core.TurnContext{}, err
		}
	}
	transcript := make([]core.TurnRecord, len(st.turns))
	copy(transcript, st.turns)
	participants := make([]core.AgentID, len(st.sess.Participants))
	copy(participants, st.sess.Participants)
	return core.TurnContext{
		SessionID:      st.sess.ID,
		Sequence:       uint64(len(st.turns)),
		Participants:   participants,
		Transcript:     transcript,
		PrivateMemory:  private,
		CommunalMemory: communal,
	}, nil
}

// Suspend pauses an active session; turns are rejected until Resume.
func (o *Orchestrator) Suspend(ctx context.Context, sessionID string) error {
	st, err := o.state(sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sess.State != core.SessionActive {
		return fmt.Errorf("session %s is %s: %w", sessionID, st.sess.State, core.ErrSessionClosed)
	}
	st.sess.State = core.SessionSuspended
	o.logger.Info("session suspended", "session_id", sessionID)
	return nil
}

// Resume reactivates a suspended session.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	st, err := o.state(sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sess.State != core.SessionSuspended {
		return fmt.Errorf("session %s is %s: %w", sessionID, st.sess.State, core.ErrSessionClosed)
	}
	st.sess.State = core.SessionActive
	o.logger.Info("session resumed", "session_id", sessionID)
	return nil
}

// transcript is the JSON envelope persisted as the communal transcript slice.
type transcript struct {
	Session core.Session      `json:"session"`
	Turns   []core.TurnRecord `json:"turns"`
}

// CloseSession transitions the session to closed, finalizes its transcript
// as a durable communal slice and revokes all session-scoped grants.
// Closing a parent with open breakouts closes the breakouts first, each
// logged distinctly. Closing an already closed session is a no-op.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string) error {
	st, err := o.state(sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return o.closeLocked(ctx, st)
}

func (o *Orchestrator) closeLocked(ctx context.Context, st *sessionState) error {
	if st.sess.State == core.SessionClosed {
		return nil
	}

	// Breakout closure always happens before parent closure.
	for sig, childID := range st.children {
		child, err := o.state(childID)
		if err != nil {
			continue
		}
		child.mu.Lock()
		cerr := o.closeLocked(ctx, child)
		child.mu.Unlock()
		if cerr != nil {
			o.logger.Warn("breakout close failed", "session_id", childID, "parent_id", st.sess.ID, "error", cerr)
		} else {
			o.logger.Info("breakout closed by parent", "session_id", childID, "parent_id", st.sess.ID)
		}
		delete(st.children, sig)
	}

	var finalizeErr error
	payload, err := json.Marshal(transcript{Session: st.sess, Turns: st.turns})
	if err == nil {
		sl, cerr := o.vault.Create(ctx, core.CommunalScope(st.sess.ID), core.CategoryTranscript, payload, st.writeGrant)
		if cerr != nil {
			finalizeErr = cerr
		} else {
			st.sess.TranscriptSliceID = sl.ID
		}
	} else {
		finalizeErr = err
	}

	st.sess.State = core.SessionClosed
	st.sess.ClosedAt = o.now()
	o.acl.RevokeSession(ctx, st.sess.ID)

	o.mu.Lock()
	if st.sess.ParentID == "" {
		sig := signature(st.sess.Participants)
		if o.signatures[sig] == st.sess.ID {
			delete(o.signatures, sig)
		}
	}
	o.mu.Unlock()

	if finalizeErr != nil {
		o.logger.Error("transcript finalization failed", "session_id", st.sess.ID, "error", finalizeErr)
		return fmt.Errorf("close session %s: %w", st.sess.ID, finalizeErr)
	}
	o.logger.Info("session closed", "session_id", st.sess.ID, "turns", len(st.turns))
	return nil
}

// Session returns a copy of the session descriptor.
func (o *Orchestrator) Session(sessionID string) (core.Session, error) {
	st, err := o.state(sessionID)
	if err != nil {
		return core.Session{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sess.Clone(), nil
}

// Turns returns a copy of the session's transcript so far.
func (o *Orchestrator) Turns(sessionID string) ([]core.TurnRecord, error) {
	st, err := o.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]core.TurnRecord, len(st.turns))
	copy(out, st.turns)
	return out, nil
}

// NextSequence returns the sequence number the next submission must carry.
func (o *Orchestrator) NextSequence(sessionID string) (uint64, error) {
	st, err := o.state(sessionID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return uint64(len(st.turns)), nil
}

// EligibleAgents returns the agents the turn policy currently admits.
func (o *Orchestrator) EligibleAgents(sessionID string) ([]core.AgentID, error) {
	st, err := o.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.policy.Eligible(st.turns, st.sess.Participants), nil
}

// PendingFeedback returns advisory feedback queued for the agent.
func (o *Orchestrator) PendingFeedback(sessionID string, agentID core.AgentID) ([]core.AdaptiveFeedback, error) {
	st, err := o.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]core.AdaptiveFeedback, len(st.pending[agentID]))
	copy(out, st.pending[agentID])
	return out, nil
}
