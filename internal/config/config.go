// Package config provides configuration loading for devgate.
//
// Configuration comes from an optional YAML file, DEVGATE_* environment
// variables, and the legacy variables understood by the original shell hooks
// (GATE_SECRET, GATE_TTL_SECONDS, CI_MAX_RETRIES, CI_RETRY_DELAY, ...).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete devgate configuration.
type Config struct {
	Gate     GateConfig     `koanf:"gate"`
	Tokens   TokensConfig   `koanf:"tokens"`
	Workflow WorkflowConfig `koanf:"workflow"`
	CI       CIConfig       `koanf:"ci"`
	Session  SessionConfig  `koanf:"session"`
	Hooks    HooksConfig    `koanf:"hooks"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// GateConfig controls gate artifact signing and verification.
type GateConfig struct {
	Secret     Secret   `koanf:"secret"`
	SecretFile string   `koanf:"secret_file"`
	TTL        Duration `koanf:"ttl"`
	// ExtraGates lists gate names accepted in addition to the built-in ones.
	ExtraGates []string `koanf:"extra_gates"`
}

// TokensConfig controls the capability token store.
type TokensConfig struct {
	// Dir overrides the store location. Empty means <git-common-dir>/.gate_tokens.
	Dir string `koanf:"dir"`
}

// WorkflowConfig controls the stop-hook state machine.
type WorkflowConfig struct {
	StateFile  string `koanf:"state_file"`
	MaxRetries int    `koanf:"max_retries"`
	// LedgerPath overrides the failure ledger. Empty means <git-common-dir>/devgate/failures.jsonl.
	LedgerPath string `koanf:"ledger_path"`
}

// CIConfig controls the CI oracle.
type CIConfig struct {
	Token      Secret   `koanf:"token"`
	BaseURL    string   `koanf:"base_url"`
	MaxRetries int      `koanf:"max_retries"`
	RetryDelay Duration `koanf:"retry_delay"`
	// NoChecks is the status reported for a PR head with no checks at all.
	NoChecks string `koanf:"no_checks"`
}

// SessionConfig controls the shared session registry.
type SessionConfig struct {
	ID       string   `koanf:"id"`
	Dir      string   `koanf:"dir"`
	StaleAge Duration `koanf:"stale_age"`
}

// HooksConfig controls the agent runtime hook handlers.
type HooksConfig struct {
	RequireGatesForPR []string `koanf:"require_gates_for_pr"`
	ProtectedBranches []string `koanf:"protected_branches"`
	CredentialGuard   bool     `koanf:"credential_guard"`
	// CredentialDirs are directories whose files must not be copied or
	// redirected elsewhere. A leading ~/ is the user's home.
	CredentialDirs []string `koanf:"credential_dirs"`
	// CredentialAllowList holds extra patterns for placeholder values.
	CredentialAllowList []string `koanf:"credential_allow_list"`
}

// LoggingConfig is the subset of logging settings exposed through config files.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

// Default values.
const (
	DefaultGateTTL         = 30 * time.Minute
	DefaultStateFile       = ".dev-mode"
	DefaultMaxRetries      = 15
	DefaultCIMaxRetries    = 3
	DefaultCIRetryDelay    = 5 * time.Second
	DefaultSessionStaleAge = time.Hour
	DefaultSessionDirName  = "devgate-sessions"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Gate.TTL.Duration() <= 0 {
		errs = append(errs, errors.New("gate.ttl must be > 0"))
	}
	if c.Workflow.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("workflow.max_retries must be >= 1, got %d", c.Workflow.MaxRetries))
	}
	if strings.ContainsAny(c.Workflow.StateFile, `/\`) {
		errs = append(errs, fmt.Errorf("workflow.state_file must be a file name, got %q", c.Workflow.StateFile))
	}
	if c.CI.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("ci.max_retries must be >= 1, got %d", c.CI.MaxRetries))
	}
	switch c.CI.NoChecks {
	case "unknown", "success", "pending":
	default:
		errs = append(errs, fmt.Errorf("ci.no_checks must be unknown, success or pending, got %q", c.CI.NoChecks))
	}
	if c.Session.StaleAge.Duration() <= 0 {
		errs = append(errs, errors.New("session.stale_age must be > 0"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
