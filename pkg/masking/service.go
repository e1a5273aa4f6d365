// Package masking scrubs secret material from event payloads before they
// reach the log. Masking is pattern based and fail-safe: a payload that
// cannot be processed is replaced wholesale rather than written raw.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"
)

// MaskedValue replaces every matched secret.
const MaskedValue = "***MASKED***"

// failSafeValue replaces an entire payload that could not be processed.
const failSafeValue = `{"masked":"payload could not be processed"}`

// CompiledPattern is one pre-compiled secret pattern.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// PatternConfig is a user-supplied pattern, compiled at startup.
type PatternConfig struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement,omitempty"`
}

// builtinPatterns cover the common credential shapes. Order matters:
// structured patterns (PEM blocks, key=value) run before generic token
// patterns so the replacement keeps surrounding context readable.
var builtinPatterns = []struct {
	name        string
	pattern     string
	replacement string
}{
	{
		name:        "pem_block",
		pattern:     `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
		replacement: MaskedValue,
	},
	{
		name:        "bearer_token",
		pattern:     `(?i)(bearer\s+)[A-Za-z0-9\-._~+/]{16,}=*`,
		replacement: "${1}" + MaskedValue,
	},
	{
		name:        "api_key_assignment",
		pattern:     `(?i)((?:api[_-]?key|apikey|secret|token|password|passwd)["']?\s*[:=]\s*["']?)[^\s"',}]{8,}`,
		replacement: "${1}" + MaskedValue,
	},
	{
		name:        "aws_access_key",
		pattern:     `\b(AKIA|ASIA)[0-9A-Z]{16}\b`,
		replacement: MaskedValue,
	},
	{
		name:        "anthropic_key",
		pattern:     `\bsk-ant-[A-Za-z0-9\-_]{16,}\b`,
		replacement: MaskedValue,
	},
	{
		name:        "github_token",
		pattern:     `\bgh[pousr]_[A-Za-z0-9]{36,}\b`,
		replacement: MaskedValue,
	},
	{
		name:        "basic_auth_url",
		pattern:     `(://[^:/\s]+:)[^@/\s]+(@)`,
		replacement: "${1}" + MaskedValue + "${2}",
	},
}

// Service applies the built-in patterns plus any custom patterns from
// config.
type Service struct {
	patterns []*CompiledPattern
}

// NewService compiles the built-in patterns and the given custom
// patterns. Invalid custom patterns are logged and skipped; invalid
// built-ins are a programming error.
func NewService(custom []PatternConfig) (*Service, error) {
	s := &Service{}
	for _, p := range builtinPatterns {
		re, err := regexp.Compile(p.pattern)
		if err != nil {
			return nil, fmt.Errorf("builtin masking pattern %s is invalid: %w", p.name, err)
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name: p.name, Regex: re, Replacement: p.replacement,
		})
	}
	for _, p := range custom {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("skipping invalid custom masking pattern",
				"pattern", p.Name, "error", err)
			continue
		}
		repl := p.Replacement
		if repl == "" {
			repl = MaskedValue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name: p.Name, Regex: re, Replacement: repl,
		})
	}
	return s, nil
}

// MaskString applies all patterns to a string and reports whether
// anything matched.
func (s *Service) MaskString(in string) (string, bool) {
	out := in
	hit := false
	for _, p := range s.patterns {
		if !p.Regex.MatchString(out) {
			continue
		}
		out = p.Regex.ReplaceAllString(out, p.Replacement)
		hit = true
	}
	return out, hit
}

// MaskJSON applies all patterns to serialized JSON. The payload is
// treated as text; patterns are written to keep the JSON well formed,
// and the result is not re-validated here.
func (s *Service) MaskJSON(payload []byte) ([]byte, bool) {
	masked, hit := s.MaskString(string(payload))
	if !hit {
		return payload, false
	}
	return []byte(masked), true
}
