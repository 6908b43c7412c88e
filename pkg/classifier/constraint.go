package classifier

import (
	"context"
	"regexp"
	"strings"
)

// Messages that try to hand the decision to the assistant or demand a
// finished answer instead of working through the problem.
var forcingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(just|simply)\s+(tell|give|show)\s+me\b`),
	regexp.MustCompile(`(?i)\b(decide|choose|pick)\s+(for\s+me|it\s+for\s+me|on\s+my\s+behalf)\b`),
	regexp.MustCompile(`(?i)\b(make|take)\s+the\s+(decision|call)\b`),
	regexp.MustCompile(`(?i)\bwhat\s+should\s+i\s+(do|choose|pick|decide)\b`),
	regexp.MustCompile(`(?i)\b(do|write|solve|finish|complete)\s+(it|this|my\s+\w+)\s+for\s+me\b`),
	regexp.MustCompile(`(?i)\b(give|tell)\s+me\s+the\s+(answer|solution)\b`),
	regexp.MustCompile(`(?i)\b(approve|sign\s+off|authori[sz]e)\s+(it|this|the\s+\w+)\b`),
	regexp.MustCompile(`(?i)\bi\s+don'?t\s+(want|care)\s+to\s+(learn|understand|think)\b`),
}

// KeywordConstraintClassifier flags decision-forcing or answer-forcing messages
// and messages that name a forbidden action listed in a constraint of the form
// "never <action>" or "do not <action>".
type KeywordConstraintClassifier struct {
	extra []*regexp.Regexp
}

// NewKeywordConstraintClassifier creates a classifier with optional extra patterns.
func NewKeywordConstraintClassifier(extra ...*regexp.Regexp) *KeywordConstraintClassifier {
	return &KeywordConstraintClassifier{extra: extra}
}

func (c *KeywordConstraintClassifier) Violates(ctx context.Context, message string, constraints []string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, re := range forcingPatterns {
		if re.MatchString(message) {
			return true, nil
		}
	}
	for _, re := range c.extra {
		if re.MatchString(message) {
			return true, nil
		}
	}

	msg := " " + normalize(message) + " "
	for _, action := range forbiddenActions(constraints) {
		if strings.Contains(msg, " "+action+" ") {
			return true, nil
		}
	}
	return false, nil
}

func forbiddenActions(constraints []string) []string {
	var out []string
	for _, c := range constraints {
		n := normalize(c)
		for _, prefix := range []string{"never ", "do not ", "don't ", "must not "} {
			if rest, ok := strings.CutPrefix(n, prefix); ok && rest != "" {
				out = append(out, rest)
				break
			}
		}
	}
	return out
}
