// Package redaction scrubs PII and secrets out of the raw prompt/completion
// text the post-call hook stashes on CapturedSpan (pipeline.CapturedSpan's
// PromptContent/CompletionText), before it reaches an OTel span attribute or
// the SQLite requests table (storage.RequestRecord). That text is whatever
// the client and the upstream model happened to exchange, so it can carry
// anything a user pasted into a prompt: credentials, customer PII, or an
// absolute filesystem path naming a real account.
package redaction

import (
	"regexp"
	"sync"
)

// Redactor handles redaction of sensitive data
type Redactor interface {
	Redact(content string) string
}

// Pattern represents a redaction pattern
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// PatternRedactor implements Redactor using regex patterns
type PatternRedactor struct {
	mu       sync.RWMutex
	patterns []Pattern
	enabled  bool
}

// DefaultPatterns returns the standard set of PII redaction patterns
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "email",
			Regex:       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`),
			Replacement: "[REDACTED_EMAIL]",
		},
		{
			Name:        "ssn",
			Regex:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[REDACTED_SSN]",
		},
		{
			Name:        "credit_card",
			Regex:       regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),
			Replacement: "[REDACTED_CC]",
		},
		{
			Name:        "phone_us",
			Regex:       regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
			Replacement: "[REDACTED_PHONE]",
		},
		{
			Name:        "api_key_bearer",
			Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_.-]{20,})`),
			Replacement: "$1[REDACTED_TOKEN]",
		},
		{
			Name:        "api_key_sk",
			Regex:       regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9]{20,})`),
			Replacement: "[REDACTED_API_KEY]",
		},
		{
			Name:        "api_key_generic",
			Regex:       regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key|auth[_-]?token)[:\s=]["']?([a-zA-Z0-9_.-]{16,})["']?`),
			Replacement: "$1=[REDACTED_KEY]",
		},
		{
			Name:        "password_json",
			Regex:       regexp.MustCompile(`(?i)"(password|passwd|pwd)":\s*"([^"]{4,})"`),
			Replacement: `"$1": "[REDACTED_PASSWORD]"`,
		},
		{
			Name:        "password_field",
			Regex:       regexp.MustCompile(`(?i)(password|passwd|pwd)[\s]*[=:][\s]*["']?([^\s"',}]{4,})["']?`),
			Replacement: "$1=[REDACTED_PASSWORD]",
		},
		{
			Name:        "ip_address",
			Regex:       regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			Replacement: "[REDACTED_IP]",
		},
		{
			Name:        "jwt_token",
			Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: "[REDACTED_JWT]",
		},
		{
			Name:        "aws_access_key",
			Regex:       regexp.MustCompile(`(?i)(AKIA[0-9A-Z]{16})`),
			Replacement: "[REDACTED_AWS_KEY]",
		},
		{
			Name:        "base64_secret",
			Regex:       regexp.MustCompile(`(?i)(secret|private[_-]?key)[:\s=]["']?([A-Za-z0-9+/]{40,}={0,2})["']?`),
			Replacement: "$1=[REDACTED_SECRET]",
		},
		{
			// The backend this proxy fronts is Anthropic-compatible, and
			// clients routinely paste their own key into a prompt while
			// debugging auth — catch the vendor-specific shape explicitly
			// rather than relying solely on the generic sk-* pattern above.
			Name:        "anthropic_api_key",
			Regex:       regexp.MustCompile(`\bsk-ant-(?:api\d{2}|admin\d{2})?-?[a-zA-Z0-9_-]{20,}\b`),
			Replacement: "[REDACTED_ANTHROPIC_KEY]",
		},
		{
			// repo_root values (headers, metadata, or the LITELLM_CONTEXT
			// system marker parsed in pipeline/repocontext.go) are absolute
			// paths, and users paste such paths into prompts, so a user or
			// machine home directory name can end up in persisted prompt text.
			Name:        "home_directory_path",
			Regex:       regexp.MustCompile(`(?:/home/|/Users/)[a-zA-Z0-9_.-]+`),
			Replacement: "[REDACTED_HOME_PATH]",
		},
	}
}

// NewPatternRedactor creates a new PatternRedactor with default patterns
func NewPatternRedactor() *PatternRedactor {
	return &PatternRedactor{
		patterns: DefaultPatterns(),
		enabled:  true,
	}
}

// AddPattern adds a custom pattern to the redactor
func (r *PatternRedactor) AddPattern(name, pattern, replacement string) error {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.patterns = append(r.patterns, Pattern{
		Name:        name,
		Regex:       regex,
		Replacement: replacement,
	})
	return nil
}

// SetEnabled enables or disables redaction
func (r *PatternRedactor) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// IsEnabled returns whether redaction is enabled
func (r *PatternRedactor) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Redact applies all patterns to redact sensitive data
func (r *PatternRedactor) Redact(content string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.enabled {
		return content
	}

	result := content
	for _, pattern := range r.patterns {
		result = pattern.Regex.ReplaceAllString(result, pattern.Replacement)
	}
	return result
}

// Config holds redaction configuration
type Config struct {
	Enabled        bool            `yaml:"enabled"`
	CustomPatterns []PatternConfig `yaml:"patterns"`
}

// PatternConfig represents a custom pattern in config
type PatternConfig struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// NewFromConfig creates a Redactor from configuration
func NewFromConfig(cfg Config) (*PatternRedactor, error) {
	r := &PatternRedactor{
		patterns: DefaultPatterns(),
		enabled:  cfg.Enabled,
	}

	// Add custom patterns
	for _, pc := range cfg.CustomPatterns {
		if err := r.AddPattern(pc.Name, pc.Pattern, pc.Replacement); err != nil {
			return nil, err
		}
	}

	return r, nil
}
