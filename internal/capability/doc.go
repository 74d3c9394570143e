// Package capability implements one-time capability tokens.
//
// A token is issued when a delegated gate evaluation reports PASS and is
// destroyed by the first privileged action it authorises: signing the gate
// artifact. Tokens live in <git-common-dir>/.gate_tokens. The Guard keeps the
// agent from creating, editing or removing them by other means, so the
// existence of a token is proof that an evaluator approved.
package capability
