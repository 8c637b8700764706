// Package safety scans model inputs and outputs for PII, jailbreak
// attempts, and policy-violating content. Detection is pattern-based and
// conservative: a flag marks material for review, it does not prove harm.
package safety

import (
	"regexp"
	"strings"

	"github.com/edisonhq/edison/internal/domain"
)

var (
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){15}\d\b`)
	emailPattern = regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)
	phonePattern = regexp.MustCompile(`\b(?:\+?1[ .\-]?)?\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}\b`)

	digitsOnly = regexp.MustCompile(`\D`)
)

// Built-in jailbreak markers. Experiments can extend the list via
// SafetyConfig.JailbreakPatterns.
var defaultJailbreakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(your|the)\s+(system\s+)?(prompt|instructions|rules)`),
	regexp.MustCompile(`(?i)\bDAN\s+mode\b`),
	regexp.MustCompile(`(?i)you\s+are\s+no\s+longer\s+bound\s+by`),
	regexp.MustCompile(`(?i)pretend\s+(you\s+have|there\s+are)\s+no\s+(rules|restrictions|guidelines)`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+system\s+prompt`),
}

var toxicMarkers = []string{
	"kill yourself",
	"i hate you people",
	"go die",
}

// Scanner applies the configured checks. Zero value disables everything;
// build with New.
type Scanner struct {
	cfg       domain.SafetyConfig
	jailbreak []*regexp.Regexp
}

// New compiles a scanner from the experiment's safety config. Invalid custom
// patterns are skipped rather than failing the experiment.
func New(cfg domain.SafetyConfig) *Scanner {
	s := &Scanner{cfg: cfg}
	if !cfg.Enabled {
		return s
	}
	s.jailbreak = append(s.jailbreak, defaultJailbreakPatterns...)
	for _, raw := range cfg.JailbreakPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			continue
		}
		s.jailbreak = append(s.jailbreak, re)
	}
	return s
}

// Enabled reports whether scanning is active.
func (s *Scanner) Enabled() bool { return s.cfg.Enabled }

// Blocking reports whether flagged outputs must be excluded from judging.
func (s *Scanner) Blocking() bool { return s.cfg.Enabled && s.cfg.BlockViolations }

// Scan checks one text and returns the raised flags, or nil when clean or
// scanning is disabled.
func (s *Scanner) Scan(text string) *domain.SafetyFlags {
	if !s.cfg.Enabled || text == "" {
		return nil
	}
	flags := domain.SafetyFlags{
		PIIDetected:      s.detectPII(text),
		JailbreakAttempt: s.detectJailbreak(text),
		ToxicContent:     detectToxic(text),
	}
	flags.PolicyViolation = flags.ToxicContent || flags.JailbreakAttempt
	if !flags.Any() {
		return nil
	}
	return &flags
}

func (s *Scanner) detectPII(text string) bool {
	if ssnPattern.MatchString(text) {
		return true
	}
	if emailPattern.MatchString(text) {
		return true
	}
	for _, m := range cardPattern.FindAllString(text, -1) {
		if luhnValid(digitsOnly.ReplaceAllString(m, "")) {
			return true
		}
	}
	return phonePattern.MatchString(text)
}

func (s *Scanner) detectJailbreak(text string) bool {
	for _, re := range s.jailbreak {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func detectToxic(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range toxicMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// luhnValid checks a digit string with the Luhn checksum, filtering card
// false positives like timestamps.
func luhnValid(digits string) bool {
	if len(digits) != 16 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
