// Package workflow implements the session-stop policy.
//
// A workflow is an 11-step checklist recorded in .dev-mode. The checklist is
// progress display only: whether a session may stop is decided from facts
// outside the agent's control (pull request, CI status, merge state and the
// cleanup marker). Every blocked stop increments a retry counter; at the
// ceiling the session is let go and a failure record is appended to the
// ledger so the give-up is never mistaken for success.
package workflow
