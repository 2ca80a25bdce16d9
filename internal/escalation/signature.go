package escalation

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxSignatureLen = 160

var (
	reHex      = regexp.MustCompile(`\b0x[0-9a-f]+\b|\b[0-9a-f]{8,}\b`)
	rePath     = regexp.MustCompile(`(?:[a-z]:)?(?:[\\/][\w.\-@]+)+(?::\d+)*`)
	reQuoted   = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	reNumber   = regexp.MustCompile(`\d+(?:\.\d+)?`)
	reSpace    = regexp.MustCompile(`\s+`)
	reDuration = regexp.MustCompile(`<n>(?:ns|µs|us|ms|s|m|h)\b`)
)

// Signature normalizes a diagnostic into a stable key so that two runs of
// the same failure compare equal. Paths, hex values, numbers and timings
// are replaced by placeholders; quoted identifiers are kept because they
// usually name the thing that is missing.
func Signature(diagnostic string) string {
	s := strings.ToLower(strings.TrimSpace(firstMeaningfulLine(diagnostic)))
	if s == "" {
		return ""
	}
	s = rePath.ReplaceAllString(s, "<path>")
	s = reHex.ReplaceAllString(s, "<hex>")
	quoted := reQuoted.FindAllString(s, -1)
	s = reQuoted.ReplaceAllString(s, "\x00")
	s = reNumber.ReplaceAllString(s, "<n>")
	s = reDuration.ReplaceAllString(s, "<dur>")
	for _, q := range quoted {
		s = strings.Replace(s, "\x00", q, 1)
	}
	s = reSpace.ReplaceAllString(s, " ")
	return truncate(s, maxSignatureLen)
}

// firstMeaningfulLine picks the line most likely to carry the error: the
// first one mentioning an error keyword, else the first non-empty line.
func firstMeaningfulLine(text string) string {
	var first string
	for _, line := range strings.Split(text, "\n") {
		l := strings.TrimSpace(line)
		if l == "" {
			continue
		}
		if first == "" {
			first = l
		}
		lower := strings.ToLower(l)
		for _, kw := range []string{"error", "fail", "panic", "exception", "undefined", "cannot", "missing"} {
			if strings.Contains(lower, kw) {
				return l
			}
		}
	}
	return first
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// Category buckets a diagnostic for metrics and policy lookups.
func Category(diagnostic string) string {
	lower := strings.ToLower(diagnostic)
	for _, c := range categories {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c.name
			}
		}
	}
	if strings.TrimSpace(diagnostic) == "" {
		return ""
	}
	return "other"
}

var categories = []struct {
	name     string
	keywords []string
}{
	{"timeout", []string{"timeout", "timed out", "deadline exceeded"}},
	{"dependency", []string{"import", "no module named", "cannot find package", "module not found", "dependency"}},
	{"permission", []string{"permission denied", "access denied", "forbidden", "eacces"}},
	{"syntax", []string{"syntax error", "syntaxerror", "unexpected token", "parse error"}},
	{"type", []string{"type error", "typeerror", "cannot use", "mismatched types", "undefined:"}},
	{"assertion", []string{"assert", "expected", "--- fail"}},
	{"network", []string{"connection refused", "connection reset", "no such host"}},
	{"runtime", []string{"panic", "nil pointer", "segmentation", "exception"}},
}
