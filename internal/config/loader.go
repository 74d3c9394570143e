package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	envPrefix = "DEVGATE_"

	// ProjectConfigFile is looked up in the repository root.
	ProjectConfigFile = ".devgate.yaml"
)

// legacyEnv maps variables read by the earlier shell hooks to config keys.
// They override the config file and are overridden by DEVGATE_* variables.
// Later entries win, so GITHUB_TOKEN takes precedence over GH_TOKEN.
var legacyEnv = []struct {
	name string
	key  string
}{
	{"GATE_SECRET", "gate.secret"},
	{"GATE_TTL_SECONDS", "gate.ttl"},
	{"CLAUDE_SESSION_ID", "session.id"},
	{"CI_MAX_RETRIES", "ci.max_retries"},
	{"CI_RETRY_DELAY", "ci.retry_delay"},
	{"GH_TOKEN", "ci.token"},
	{"GITHUB_TOKEN", "ci.token"},
}

// Load reads configuration with the following precedence (highest first):
//  1. DEVGATE_* environment variables (DEVGATE_GATE_TTL -> gate.ttl)
//  2. Legacy hook variables (GATE_SECRET, GATE_TTL_SECONDS, CI_MAX_RETRIES, ...)
//  3. The YAML file at configPath, or <repoRoot>/.devgate.yaml, or
//     ~/.config/devgate/config.yaml, whichever exists first
//  4. Defaults
//
// repoRoot may be empty when devgate runs outside a repository.
func Load(configPath, repoRoot string) (*Config, error) {
	k := koanf.New(".")
	// Seeded rather than applied afterwards because false and 0 are meaningful values.
	for key, val := range map[string]interface{}{
		"hooks.credential_guard": true,
		"ci.retry_delay":         DefaultCIRetryDelay.String(),
	} {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("failed to seed defaults: %w", err)
		}
	}

	path, explicit := configPath, configPath != ""
	if !explicit {
		path = findConfigFile(repoRoot)
	}
	if path != "" {
		if err := loadFile(k, path, explicit); err != nil {
			return nil, err
		}
	}

	for _, v := range legacyEnv {
		val, ok := os.LookupEnv(v.name)
		if !ok || strings.TrimSpace(val) == "" {
			continue
		}
		if err := k.Set(v.key, val); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", v.name, err)
		}
	}

	// DEVGATE_GATE_SECRET_FILE -> gate.secret_file
	// Split on first underscore only (section.field_name pattern)
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Hooks: HooksConfig{CredentialGuard: true},
		CI:    CIConfig{RetryDelay: Duration(DefaultCIRetryDelay)},
	}
	applyDefaults(cfg)
	return cfg
}

func findConfigFile(repoRoot string) string {
	candidates := make([]string, 0, 2)
	if repoRoot != "" {
		candidates = append(candidates, filepath.Join(repoRoot, ProjectConfigFile))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "devgate", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// loadFile reads path once through an open descriptor and feeds it to koanf.
func loadFile(k *koanf.Koanf, path string, explicit bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Gate.TTL == 0 {
		cfg.Gate.TTL = Duration(DefaultGateTTL)
	}
	if cfg.Gate.SecretFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Gate.SecretFile = filepath.Join(home, ".claude", ".gate-secret")
		}
	}

	if cfg.Workflow.StateFile == "" {
		cfg.Workflow.StateFile = DefaultStateFile
	}
	if cfg.Workflow.MaxRetries == 0 {
		cfg.Workflow.MaxRetries = DefaultMaxRetries
	}

	if cfg.CI.MaxRetries == 0 {
		cfg.CI.MaxRetries = DefaultCIMaxRetries
	}
	if cfg.CI.NoChecks == "" {
		cfg.CI.NoChecks = "unknown"
	}

	if cfg.Session.Dir == "" {
		cfg.Session.Dir = filepath.Join(os.TempDir(), DefaultSessionDirName)
	}
	if cfg.Session.StaleAge == 0 {
		cfg.Session.StaleAge = Duration(DefaultSessionStaleAge)
	}

	if cfg.Hooks.ProtectedBranches == nil {
		cfg.Hooks.ProtectedBranches = []string{"main", "master", "develop"}
	}
	if cfg.Hooks.CredentialDirs == nil {
		cfg.Hooks.CredentialDirs = []string{"~/.credentials"}
	}
	if cfg.Hooks.RequireGatesForPR == nil {
		cfg.Hooks.RequireGatesForPR = []string{}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
