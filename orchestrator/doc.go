// Package orchestrator coordinates multi-agent sessions: it creates
// roundtables and nested breakouts, enforces the turn policy, assigns
// gap-free sequence numbers under concurrent submission, requests the
// scoped grants each participant needs for the session's duration, invokes
// the analysis engine at checkpoints and finalizes every closed session's
// transcript as a durable communal memory slice.
//
// Turn submission for one session serializes on a per-session critical
// section; sessions do not contend with each other. Submission is
// idempotent for a (session, agent, sequence) triple: retrying an already
// recorded turn returns the original result without creating a second
// record. The orchestrator is the only component that authorizes communal
// writes while a session runs.
package orchestrator
