// Package hooks implements the handlers the agent runtime invokes around
// tool use and session stop.
//
// Each invocation is a short-lived process: the runtime writes one JSON
// document to stdin and reads the verdict from the exit code (0 allow,
// 2 deny or block) plus stderr, or stdout JSON for the stop hook.
//
// Handlers are registered per hook type on a HookManager and run in order;
// the first one that denies wins. Handlers guarding privileged actions fail
// closed, everything else fails open so a broken hook never wedges the
// runtime.
package hooks
