package secrets

// DefaultRules returns the token rules applied to command lines. Prefixes
// are self-identifying, so none of them needs keywords.
func DefaultRules() []Rule {
	return []Rule{
		// GitHub
		{
			ID:          "github-pat",
			Description: "GitHub Personal Access Token",
			Pattern:     `\bghp_[A-Za-z0-9]{36}\b`,
			Severity:    "high",
		},
		{
			ID:          "github-fine-grained-pat",
			Description: "GitHub Fine-Grained Access Token",
			Pattern:     `\bgithub_pat_[A-Za-z0-9_]{22,}`,
			Severity:    "high",
		},
		{
			ID:          "github-oauth",
			Description: "GitHub OAuth or App Token",
			Pattern:     `\bgh[osur]_[A-Za-z0-9]{36}\b`,
			Severity:    "high",
		},

		// AI providers
		{
			ID:          "openai-api-key",
			Description: "OpenAI API Key",
			Pattern:     `\bsk-(?:proj-)?[A-Za-z0-9_\-]{32,}`,
			Severity:    "high",
		},
		{
			ID:          "anthropic-api-key",
			Description: "Anthropic API Key",
			Pattern:     `\bsk-ant-[A-Za-z0-9_\-]{16,}`,
			Severity:    "high",
		},

		// Cloud and SaaS
		{
			ID:          "aws-access-key-id",
			Description: "AWS Access Key ID",
			Pattern:     `\b(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}\b`,
			Severity:    "high",
		},
		{
			ID:          "slack-token",
			Description: "Slack Token",
			Pattern:     `\bxox[abprs]-[A-Za-z0-9\-]{10,}`,
			Severity:    "high",
		},
		{
			ID:          "stripe-key",
			Description: "Stripe Secret or Restricted Key",
			Pattern:     `\b(?:sk|rk)_(?:test|live)_[A-Za-z0-9]{20,}`,
			Severity:    "high",
		},
		{
			ID:          "notion-token",
			Description: "Notion Integration Token",
			Pattern:     `\b(?:ntn|secret)_[A-Za-z0-9]{20,}\b`,
			Keywords:    []string{"ntn_", "notion"},
			Severity:    "high",
		},
		{
			ID:          "npm-token",
			Description: "npm Access Token",
			Pattern:     `\bnpm_[A-Za-z0-9]{36}\b`,
			Severity:    "high",
		},
		{
			ID:          "sendgrid-api-key",
			Description: "SendGrid API Key",
			Pattern:     `SG\.[A-Za-z0-9_\-]{22,}\.[A-Za-z0-9_\-]{43,}`,
			Severity:    "high",
		},

		{
			ID:          "private-key",
			Description: "Private Key",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`,
			Severity:    "high",
		},
	}
}
