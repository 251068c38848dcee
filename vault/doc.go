// Package vault implements the encrypted, versioned memory store. Every
// slice payload is sealed with an AES-GCM key derived from the owning
// scope's identity before it reaches durable storage; the vault never
// persists plaintext, and a payload sealed for one scope cannot decrypt
// under another even if a backend bug returned the wrong row.
//
// Mutation is optimistic: an update presents the version it read and loses
// with ErrStaleVersion when another writer committed first. Writes to
// distinct slices proceed fully in parallel. Every operation presents a
// grant and is checked and audited through the access controller; a vault
// cannot be constructed without one.
//
// Package vault/sqlite provides a durable backend; InMemoryBackend serves
// tests and single-process prototypes.
package vault
