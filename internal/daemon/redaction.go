package daemon

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

const redactedValue = "[REDACTED]"

// Field names whose values never leave the process: bearer and setup
// tokens, the age identity and whatever credentials agents put in
// instance_details.
var defaultRedactionKeys = []string{
	"token",
	"setup_token",
	"control_token",
	"agent_gateway_token",
	"authorization",
	"password",
	"root_password",
	"private_key",
	"ssh_private_key",
	"age_identity",
}

// setupTokenPattern matches raw setup tokens (apt_<region>_<32 hex>).
var setupTokenPattern = regexp.MustCompile(`\bapt_[a-z_]+_[0-9a-f]{32}\b`)

// Redactor scrubs credentials from error details and log lines.
type Redactor struct {
	mu     sync.RWMutex
	keys   map[string]struct{}
	values map[string]struct{}
	shapes []keyShape
}

// keyShape rewrites one syntactic form of "<key> <sep> <value>".
type keyShape struct {
	re   *regexp.Regexp
	repl string
}

// NewRedactor builds a redactor with the default keys plus extraKeys.
func NewRedactor(extraKeys []string) *Redactor {
	r := &Redactor{
		keys:   make(map[string]struct{}),
		values: make(map[string]struct{}),
	}
	r.AddKeys(append(append([]string{}, defaultRedactionKeys...), extraKeys...)...)
	return r
}

// AddKeys registers field names scrubbed in JSON, key=value and key: value
// forms. Matching is case-insensitive.
func (r *Redactor) AddKeys(keys ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	added := false
	for _, key := range keys {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, ok := r.keys[key]; !ok {
			r.keys[key] = struct{}{}
			added = true
		}
	}
	if added {
		r.shapes = compileKeyShapes(r.keys)
	}
}

// AddValues registers literal secrets such as the configured bearer tokens.
// Values shorter than six bytes are ignored.
func (r *Redactor) AddValues(values ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, value := range values {
		if value = strings.TrimSpace(value); len(value) >= 6 {
			r.values[value] = struct{}{}
		}
	}
}

// Redact returns a scrubbed copy of input.
func (r *Redactor) Redact(input string) string {
	if r == nil || input == "" {
		return input
	}
	r.mu.RLock()
	out := input
	for value := range r.values {
		out = strings.ReplaceAll(out, value, redactedValue)
	}
	for _, shape := range r.shapes {
		out = shape.re.ReplaceAllString(out, shape.repl)
	}
	r.mu.RUnlock()
	return setupTokenPattern.ReplaceAllString(out, redactedValue)
}

func compileKeyShapes(keys map[string]struct{}) []keyShape {
	names := make([]string, 0, len(keys))
	for key := range keys {
		names = append(names, regexp.QuoteMeta(key))
	}
	// Longest first so setup_token wins over token in the alternation.
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	alt := `(?:` + strings.Join(names, "|") + `)`
	return []keyShape{
		// "key": "value"
		{re: regexp.MustCompile(`(?i)("` + alt + `"\s*:\s*")[^"]*(")`), repl: `${1}` + redactedValue + `${2}`},
		// key="value"
		{re: regexp.MustCompile(`(?i)(\b` + alt + `\b\s*=\s*")[^"]*(")`), repl: `${1}` + redactedValue + `${2}`},
		// key=value, key: value, Authorization: Bearer value
		{re: regexp.MustCompile(`(?i)(\b` + alt + `\b\s*[=:]\s*)(?:bearer\s+)?[^\s"',]+`), repl: `${1}` + redactedValue},
	}
}

// errorRedactor scrubs error details written to API clients.
var errorRedactor = NewRedactor(nil)
