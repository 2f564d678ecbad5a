package audit

import (
	"regexp"
	"strconv"
	"strings"
)

// pattern is one redaction rule: a regex candidate match plus an optional
// validator that must also pass before the match is actually redacted
// (e.g. a Luhn check on a 13-19 digit run — most such runs are not credit
// cards, and we would rather under-redact a false positive than corrupt an
// unrelated numeric argument).
type pattern struct {
	name     string
	re       *regexp.Regexp
	validate func(match string) bool
}

// Redactor walks an audit entry's string values and rewrites any that match
// a configured sensitive-data pattern. Go's regexp package compiles to RE2,
// which guarantees linear-time matching regardless of pattern shape, so
// none of these patterns can be driven into catastrophic backtracking —
// we additionally avoid nested quantifiers on the same character class so
// the patterns stay portable to engines that do backtrack.
type Redactor struct {
	patterns []pattern
}

// NewRedactor builds the default redactor: Luhn-validated credit card
// numbers, US SSNs excluding invalid area/group/serial ranges, and known
// API key prefixes.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []pattern{
			{
				name:     "credit-card",
				re:       regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
				validate: isLuhnValid,
			},
			{
				name: "ssn",
				re:   regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`),
				validate: func(match string) bool {
					digits := strings.ReplaceAll(match, "-", "")
					area, group, serial := digits[:3], digits[3:5], digits[5:]
					return area != "000" && area != "666" && area[0] != '9' && group != "00" && serial != "0000"
				},
			},
			{
				name: "api-key",
				re:   regexp.MustCompile(`\bsk-[A-Za-z0-9]{16,}\b|\bghp_[A-Za-z0-9]{30,}\b|\bxox[bp]-[A-Za-z0-9-]{10,}\b|\bAKIA[0-9A-Z]{16}\b`),
			},
		},
	}
}

// RedactString rewrites every substring of s that matches a configured
// pattern (and passes its validator, if any) with a placeholder. Redaction
// is idempotent: running it again on already-redacted output is a no-op
// because the placeholder text matches none of the patterns (I7).
func (r *Redactor) RedactString(s string) string {
	out := s
	for _, p := range r.patterns {
		out = p.re.ReplaceAllStringFunc(out, func(match string) string {
			if p.validate != nil && !p.validate(match) {
				return match
			}
			return "[REDACTED:" + p.name + "]"
		})
	}
	return out
}

// RedactValue deep-walks an arbitrary JSON-decoded value (map, slice,
// string, or scalar) and returns a copy with every string leaf redacted.
// The input is never mutated.
func (r *Redactor) RedactValue(v any) any {
	switch val := v.(type) {
	case string:
		return r.RedactString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			out[k] = r.RedactValue(sub)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = r.RedactValue(sub)
		}
		return out
	default:
		return v
	}
}

// RedactMap applies RedactValue across every entry, returning a new map.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = r.RedactValue(v)
	}
	return out
}

// isLuhnValid implements the Luhn checksum used by all major card networks.
// Non-digit separators (spaces, dashes) are stripped before validation.
func isLuhnValid(candidate string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, candidate)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	alternate := false
	for i := len(digits) - 1; i >= 0; i-- {
		n, err := strconv.Atoi(string(digits[i]))
		if err != nil {
			return false
		}
		if alternate {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		alternate = !alternate
	}
	return sum%10 == 0
}
