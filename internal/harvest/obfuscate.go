package harvest

import (
	"fmt"
	"regexp"
	"strings"
)

// fileReplacement hides local file paths, which can carry user names.
const fileReplacement = "file://OBFUSCATED"

// Rule replaces every match of Regex with Replacement ("*" when empty).
type Rule struct {
	Regex       string `yaml:"regex"`
	Replacement string `yaml:"replacement"`
}

type compiledRule struct {
	re          *regexp.Regexp
	replacement string
}

// Obfuscator rewrites outgoing strings with configured rules.
type Obfuscator struct {
	rules []compiledRule
}

// NewObfuscator compiles rules. Local file URLs are always obfuscated.
func NewObfuscator(rules []Rule) (*Obfuscator, error) {
	o := &Obfuscator{}
	for i, r := range rules {
		re, err := regexp.Compile(r.Regex)
		if err != nil {
			return nil, fmt.Errorf("obfuscation rule %d: %w", i, err)
		}
		repl := r.Replacement
		if repl == "" {
			repl = "*"
		}
		o.rules = append(o.rules, compiledRule{re: re, replacement: repl})
	}
	o.rules = append(o.rules, compiledRule{re: regexp.MustCompile(`file://[^\s"]*`), replacement: fileReplacement})
	return o, nil
}

// Obfuscate applies every rule in order.
func (o *Obfuscator) Obfuscate(s string) string {
	if o == nil || s == "" {
		return s
	}
	for _, r := range o.rules {
		s = r.re.ReplaceAllString(s, r.replacement)
	}
	return s
}

// ObfuscateValue walks maps and slices and obfuscates every string in a
// copy of v.
func (o *Obfuscator) ObfuscateValue(v any) any {
	switch t := v.(type) {
	case string:
		return o.Obfuscate(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = o.ObfuscateValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = o.ObfuscateValue(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = o.Obfuscate(item)
		}
		return out
	default:
		return v
	}
}

// CleanURL drops the query string and fragment.
func CleanURL(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}
