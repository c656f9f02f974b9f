// Package redaction deep-clones structured intent payloads and replaces
// values at configured dotted paths with a placeholder, and sanitizes
// free-text error messages before they reach an external boundary.
package redaction

import (
	"regexp"
	"strings"
)

var sensitiveMessagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)token`),
	regexp.MustCompile(`(?i)key`),
	regexp.MustCompile(`(?i)credential`),
	regexp.MustCompile(`(?i)sql`),
}

// PlaceholderText is substituted for every redacted value.
const PlaceholderText = "[REDACTED]"

// Config controls which dotted paths a Redactor scrubs.
type Config struct {
	Enabled bool
	// Paths are dotted paths, e.g. "context.ssn" or "metadata.user.email".
	Paths []string
	// Placeholder replaces matched values. Defaults to PlaceholderText.
	Placeholder string
}

// DefaultConfig returns an enabled redactor with no configured paths.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Paths:       nil,
		Placeholder: PlaceholderText,
	}
}

// Redactor deep-clones a structured payload and replaces values at
// configured dotted paths.
type Redactor struct {
	cfg   Config
	trees map[string]*pathNode
}

type pathNode struct {
	leaf     bool
	children map[string]*pathNode
}

// New constructs a Redactor from the given path configuration.
func New(cfg Config) *Redactor {
	if cfg.Placeholder == "" {
		cfg.Placeholder = PlaceholderText
	}
	r := &Redactor{cfg: cfg, trees: make(map[string]*pathNode)}
	for _, p := range cfg.Paths {
		r.addPath(p)
	}
	return r
}

func (r *Redactor) addPath(path string) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 {
		return
	}
	root, ok := r.trees[segments[0]]
	if !ok {
		root = &pathNode{children: make(map[string]*pathNode)}
		r.trees[segments[0]] = root
	}
	cur := root
	for _, seg := range segments[1:] {
		next, ok := cur.children[seg]
		if !ok {
			next = &pathNode{children: make(map[string]*pathNode)}
			cur.children[seg] = next
		}
		cur = next
	}
	cur.leaf = true
}

// RedactMap deep-clones m and replaces values at every configured dotted
// path that exists and whose intermediate values are themselves maps.
// Redaction is idempotent: redacting an already-redacted map is a no-op.
func (r *Redactor) RedactMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	if !r.cfg.Enabled || len(r.trees) == 0 {
		return cloneMap(m)
	}
	out := cloneMap(m)
	for key, node := range r.trees {
		redactAt(out, key, node, r.cfg.Placeholder)
	}
	return out
}

func redactAt(m map[string]interface{}, key string, node *pathNode, placeholder string) {
	val, ok := m[key]
	if !ok {
		return
	}
	if node.leaf {
		m[key] = placeholder
		return
	}
	child, ok := val.(map[string]interface{})
	if !ok {
		return
	}
	clone := cloneMap(child)
	m[key] = clone
	for childKey, childNode := range node.children {
		redactAt(clone, childKey, childNode, placeholder)
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = cloneMap(val)
		case []interface{}:
			out[k] = cloneSlice(val)
		default:
			out[k] = v
		}
	}
	return out
}

func cloneSlice(s []interface{}) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case map[string]interface{}:
			out[i] = cloneMap(val)
		case []interface{}:
			out[i] = cloneSlice(val)
		default:
			out[i] = val
		}
	}
	return out
}

// SanitizeMessage replaces a user-visible message with a generic one when
// it appears to contain sensitive terms (password, secret, token, key,
// credential, sql), per the production error-sanitization policy.
func SanitizeMessage(message string) string {
	for _, pattern := range sensitiveMessagePatterns {
		if pattern.MatchString(message) {
			return "an internal error occurred"
		}
	}
	return message
}
