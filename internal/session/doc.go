// Package session coordinates agent sessions that share one repository.
//
// Several agent sessions may run against the same working directory at once.
// They share per-repository state files (the workflow record, capability
// tokens, cleanup signals) and must never corrupt or steal each other's
// state. This package provides:
//
//   - Session identity: DeriveSessionID prefers the runtime's id and falls
//     back to a random one.
//   - Crash-safe persistence: AtomicWrite replaces a file through a temp file
//     and rename; AtomicAppend serialises appenders with an advisory lock.
//   - Ownership: CheckOwnership treats records without an owner as legacy
//     and therefore owned by whoever asks.
//   - Cleanup signals: per-branch marker files.
//   - A registry of live sessions with stale-session reclamation.
//   - Record, the "key: value" line format shared by the state files.
package session
