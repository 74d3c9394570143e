package secrets

import (
	"fmt"
	"regexp"
)

// Config configures the guard.
type Config struct {
	// Enabled controls whether checks run at all (default: true)
	Enabled bool `koanf:"enabled"`

	Rules []Rule `koanf:"rules"`

	// RedactionString replaces matched tokens in Result.Redacted (default: "[REDACTED]")
	RedactionString string `koanf:"redaction_string"`

	// AllowList holds patterns for placeholder values that look like tokens.
	AllowList []string `koanf:"allow_list"`

	// CredentialDirs are directories whose contents must stay put.
	// A leading "~/" refers to the user's home directory.
	CredentialDirs []string `koanf:"credential_dirs"`

	compiledRules     []*compiledRule
	compiledAllowList []*regexp.Regexp
	dirMatchers       []*regexp.Regexp
}

// Rule defines a token detection rule.
type Rule struct {
	ID          string `koanf:"id"`
	Description string `koanf:"description"`
	Pattern     string `koanf:"pattern"`

	// Keywords, when set, must appear (case-insensitively) somewhere in the
	// input for the rule to apply.
	Keywords []string `koanf:"keywords"`

	// Severity is high, medium or low.
	Severity string `koanf:"severity"`
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// DefaultAllowList matches the usual placeholder spellings.
func DefaultAllowList() []string {
	return []string{
		`(?i)placeholder`,
		`(?i)your[_-]`,
		`(?i)[_-]here\b`,
		`(?i)x{8,}`,
		`<[^>]+>`,
	}
}

// DefaultConfig returns a configuration with the standard rules, the
// placeholder allow list and ~/.credentials as the credential directory.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		RedactionString: "[REDACTED]",
		Rules:           DefaultRules(),
		AllowList:       DefaultAllowList(),
		CredentialDirs:  []string{"~/.credentials"},
	}
}

// Validate validates and compiles the configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.RedactionString == "" {
		c.RedactionString = "[REDACTED]"
	}

	c.compiledRules = make([]*compiledRule, 0, len(c.Rules))
	for i, rule := range c.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: ID is required", i)
		}
		if rule.Pattern == "" {
			return fmt.Errorf("rule %s: pattern is required", rule.ID)
		}

		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}

		compiled := &compiledRule{
			Rule:     rule,
			pattern:  pattern,
			keywords: make([]*regexp.Regexp, 0, len(rule.Keywords)),
		}
		for _, kw := range rule.Keywords {
			compiled.keywords = append(compiled.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		c.compiledRules = append(c.compiledRules, compiled)
	}

	c.compiledAllowList = make([]*regexp.Regexp, 0, len(c.AllowList))
	for i, pattern := range c.AllowList {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		c.compiledAllowList = append(c.compiledAllowList, compiled)
	}

	c.dirMatchers = make([]*regexp.Regexp, 0, len(c.CredentialDirs))
	for _, dir := range c.CredentialDirs {
		if dir == "" {
			return fmt.Errorf("credential_dirs: empty entry")
		}
		c.dirMatchers = append(c.dirMatchers, dirPattern(dir))
	}

	return nil
}
