// Package secrets guards shell commands against credential leaks.
//
// Two kinds of check run on every Bash command the agent proposes: literal
// tokens (API keys, personal access tokens, private key headers) typed into
// the command line, and commands that move the contents of a credential
// directory somewhere else (cp, mv, output redirection, tee). Findings never
// carry the matched value; Scan also returns a redacted copy of the input
// that is safe to log.
package secrets
