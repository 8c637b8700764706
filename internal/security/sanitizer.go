// Package security keeps provider credentials out of logs.
package security

import (
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Patterns for sensitive data that can leak through provider errors or
// request dumps.
var (
	// OpenAI / Anthropic style keys
	providerKeyPattern = regexp.MustCompile(`\bsk-(?:ant-)?[a-zA-Z0-9_\-]{16,}`)

	// Generic API key assignments
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|api[_-]?secret|api[_-]?token)[[:space:]]*[:=][[:space:]]*['"` + "`" + `]?([a-zA-Z0-9_\-]{16,})`)

	// Bearer tokens in headers
	bearerTokenPattern = regexp.MustCompile(`(?i)bearer[[:space:]]+([a-zA-Z0-9_\-\.]+)`)

	// JSON Web Tokens
	jwtPattern = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`)

	// Passwords in URLs
	urlPasswordPattern = regexp.MustCompile(`(?i)(https?)://[^:/]+:([^@]+)@`)
)

// LogSanitizer masks sensitive information in log text.
type LogSanitizer struct {
	customPatterns []*regexp.Regexp
}

// NewLogSanitizer creates a sanitizer with the built-in patterns.
func NewLogSanitizer() *LogSanitizer {
	return &LogSanitizer{}
}

// AddCustomPattern adds a pattern whose matches are fully redacted.
func (ls *LogSanitizer) AddCustomPattern(pattern *regexp.Regexp) {
	ls.customPatterns = append(ls.customPatterns, pattern)
}

// Sanitize masks sensitive information in a log message.
func (ls *LogSanitizer) Sanitize(message string) string {
	message = providerKeyPattern.ReplaceAllString(message, "[REDACTED-KEY]")
	message = apiKeyPattern.ReplaceAllString(message, "${1}=[REDACTED]")
	message = bearerTokenPattern.ReplaceAllString(message, "Bearer [REDACTED]")
	message = jwtPattern.ReplaceAllString(message, "[REDACTED-JWT]")
	message = urlPasswordPattern.ReplaceAllString(message, "${1}://[REDACTED]@")
	for _, pattern := range ls.customPatterns {
		message = pattern.ReplaceAllString(message, "[REDACTED]")
	}
	return message
}

// SanitizeError sanitizes an error message; provider SDK errors often echo
// the Authorization header.
func (ls *LogSanitizer) SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return ls.Sanitize(err.Error())
}

// IsSensitiveKey reports whether a field name suggests secret content.
func IsSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, keyword := range []string{"password", "secret", "token", "credential", "apikey", "api_key", "bearer"} {
		if strings.Contains(lowerKey, keyword) {
			return true
		}
	}
	return false
}

// sanitizingCore filters every entry and string field through the sanitizer.
type sanitizingCore struct {
	zapcore.Core
	ls *LogSanitizer
}

// WrapCore returns a zapcore wrapper that sanitizes messages and string
// fields. Use with zap.WrapCore.
func WrapCore(inner zapcore.Core) zapcore.Core {
	return &sanitizingCore{Core: inner, ls: NewLogSanitizer()}
}

func (c *sanitizingCore) With(fields []zapcore.Field) zapcore.Core {
	return &sanitizingCore{Core: c.Core.With(c.clean(fields)), ls: c.ls}
}

func (c *sanitizingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *sanitizingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.ls.Sanitize(ent.Message)
	return c.Core.Write(ent, c.clean(fields))
}

func (c *sanitizingCore) clean(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		if f.Type == zapcore.StringType {
			if IsSensitiveKey(f.Key) {
				f.String = "[REDACTED]"
			} else {
				f.String = c.ls.Sanitize(f.String)
			}
		}
		if f.Type == zapcore.ErrorType {
			if err, ok := f.Interface.(error); ok && err != nil {
				f = zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: c.ls.SanitizeError(err)}
			}
		}
		out[i] = f
	}
	return out
}
