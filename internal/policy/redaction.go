package policy

import "regexp"

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Card numbers run before phone numbers so long digit runs are not
// reported as phones. API keys run first since they may contain digits.
var rules = []rule{
	{regexp.MustCompile(`\b(?:sk|rk|pk)-[A-Za-z0-9_\-]{16,}\b`), "[REDACTED_KEY]"},
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks credentials and common PII in text bound for the chat
// history.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.replacement)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
