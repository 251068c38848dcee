// Package access implements the access control and audit layer every memory
// operation passes through. The Controller evaluates grant requests against
// a fixed policy (private scopes are always satisfied for their owner,
// communal scopes require an issuance by an active session, nothing is
// valid past its expiry) and appends exactly one audit record per attempted
// authorization or check, denials included.
//
// Audit records are appended before the authorization result is released to
// the caller, so a crash after authorization can never leave an
// authorized-but-unaudited action behind. The bundled in-memory sink shards
// its log by subject-scope pair so concurrent appends for different
// subjects never contend; package access/sqlite provides a durable sink.
package access
