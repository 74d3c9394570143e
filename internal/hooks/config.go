package hooks

import (
	"fmt"
	"os"
	"time"

	"github.com/fyrsmithlabs/devgate/internal/config"
	"github.com/fyrsmithlabs/devgate/internal/gate"
)

// Config holds hook configuration.
type Config struct {
	// RequireGatesForPR lists gates that need a valid PASS artifact before
	// `gh pr create` may run.
	RequireGatesForPR []string

	// ProtectedBranches refuse code edits ("release/*" matches a prefix).
	ProtectedBranches []string

	// CredentialGuard enables the Bash credential checks.
	CredentialGuard bool

	// ExtraGates are accepted in addition to the built-in gate names.
	ExtraGates []string

	// GateTTL is the lifetime of artifacts signed on a consumed token.
	GateTTL time.Duration

	// Home is the user's home directory, for the runtime's own files.
	Home string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		RequireGatesForPR: []string{},
		ProtectedBranches: []string{"main", "master", "develop"},
		CredentialGuard:   true,
		GateTTL:           gate.DefaultTTL,
		Home:              home,
	}
}

// FromAppConfig builds the hook configuration from the loaded devgate config.
func FromAppConfig(app *config.Config) *Config {
	cfg := DefaultConfig()
	cfg.RequireGatesForPR = app.Hooks.RequireGatesForPR
	cfg.ProtectedBranches = app.Hooks.ProtectedBranches
	cfg.CredentialGuard = app.Hooks.CredentialGuard
	cfg.ExtraGates = app.Gate.ExtraGates
	if ttl := app.Gate.TTL.Duration(); ttl > 0 {
		cfg.GateTTL = ttl
	}
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, name := range c.RequireGatesForPR {
		if !gate.IsKnownGate(name, c.ExtraGates) {
			return fmt.Errorf("require_gates_for_pr: unknown gate %q", name)
		}
	}
	for _, name := range c.ExtraGates {
		if !gate.ValidGateName(name) {
			return fmt.Errorf("extra_gates: invalid gate name %q", name)
		}
	}
	if c.GateTTL < time.Second {
		return fmt.Errorf("gate ttl must be at least 1s, got %s", c.GateTTL)
	}
	return nil
}
