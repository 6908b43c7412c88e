package classifier

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var defaultInjectionKeywords = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"ignore the above",
	"disregard your instructions",
	"disregard the system prompt",
	"reveal your system prompt",
	"print your system prompt",
	"you are now dan",
	"developer mode enabled",
	"jailbreak",
}

var defaultInjectionPatterns = []string{
	`(?i)\bignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)\b`,
	`(?i)\b(forget|override)\s+(your|all|the)\s+(rules|instructions|guidelines)\b`,
	`(?i)\bpretend\s+(you\s+are|to\s+be)\s+(an?\s+)?(unrestricted|unfiltered|evil)\b`,
	`(?i)</?\s*(system|assistant)\s*>`,
	`(?i)^\s*system\s*:`,
}

// InjectionFilter checks input against keyword and regex deny lists.
type InjectionFilter struct {
	keywords []string
	patterns []*regexp.Regexp
}

// NewInjectionFilter builds a filter from the built-in deny lists plus the
// given extras. An invalid pattern is an error.
func NewInjectionFilter(extraPatterns, extraKeywords []string) (*InjectionFilter, error) {
	all := append(append([]string{}, defaultInjectionPatterns...), extraPatterns...)
	patterns := make([]*regexp.Regexp, 0, len(all))
	for _, p := range all {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	keywords := make([]string, 0, len(defaultInjectionKeywords)+len(extraKeywords))
	for _, kw := range append(append([]string{}, defaultInjectionKeywords...), extraKeywords...) {
		if kw = strings.TrimSpace(strings.ToLower(kw)); kw != "" {
			keywords = append(keywords, kw)
		}
	}

	return &InjectionFilter{keywords: keywords, patterns: patterns}, nil
}

// DetectInjection returns true if text contains a blocked keyword or matches
// a blocked pattern.
func (f *InjectionFilter) DetectInjection(ctx context.Context, text string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	for _, kw := range f.keywords {
		if strings.Contains(normalized, kw) {
			return true, nil
		}
	}
	for _, re := range f.patterns {
		if re.MatchString(text) {
			return true, nil
		}
	}
	return false, nil
}
