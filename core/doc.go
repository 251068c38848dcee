// Package core defines the shared domain model of the roundtable system:
// agent identities and ownership scopes, versioned memory slices, access
// grants, audit records, sessions with ordered turn records, behavioral
// insights plus adaptive feedback, the Agent adapter interface and the
// error taxonomy used across packages.
//
// It contains no storage or orchestration logic; concrete behavior lives in
// the access, vault, orchestrator and analysis packages which all depend on
// the types declared here.
package core
