package classifier

import (
	"context"
	"strings"
	"unicode"
)

var defaultChitchatPhrases = []string{
	"hi", "hello", "hey", "hey there", "hi there", "yo",
	"good morning", "good afternoon", "good evening", "good night",
	"thanks", "thank you", "thanks a lot", "thank you so much", "thx", "ty",
	"ok", "okay", "k", "cool", "nice", "great", "awesome", "got it", "sounds good",
	"lol", "haha", "bye", "goodbye", "see you", "see ya", "cheers",
	"how are you", "how are you doing", "what's up", "whats up", "sup",
}

var smallTalkWords = map[string]bool{
	"hi": true, "hello": true, "hey": true, "thanks": true, "thank": true, "you": true,
	"ok": true, "okay": true, "cool": true, "nice": true, "great": true, "awesome": true,
	"lol": true, "haha": true, "bye": true, "cheers": true, "yes": true, "no": true,
	"yeah": true, "yep": true, "nope": true, "sure": true, "good": true, "morning": true,
	"evening": true, "night": true, "so": true, "much": true, "again": true, "there": true,
	"alright": true, "fine": true, "perfect": true, "wow": true,
}

// HeuristicChitchat classifies short greetings and acknowledgements as chitchat.
type HeuristicChitchat struct {
	phrases  map[string]bool
	maxWords int
}

// NewHeuristicChitchat creates a classifier with the built-in phrase list plus extras.
// Messages of at most maxWords words made only of small-talk vocabulary also count.
func NewHeuristicChitchat(extra []string, maxWords int) *HeuristicChitchat {
	phrases := make(map[string]bool, len(defaultChitchatPhrases)+len(extra))
	for _, p := range append(append([]string{}, defaultChitchatPhrases...), extra...) {
		if n := normalize(p); n != "" {
			phrases[n] = true
		}
	}
	if maxWords <= 0 {
		maxWords = 4
	}
	return &HeuristicChitchat{phrases: phrases, maxWords: maxWords}
}

func (c *HeuristicChitchat) IsChitchat(ctx context.Context, text string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n := normalize(text)
	if n == "" {
		return true, nil
	}
	if c.phrases[n] {
		return true, nil
	}

	words := strings.Fields(n)
	if len(words) > c.maxWords {
		return false, nil
	}
	for _, w := range words {
		if !smallTalkWords[w] {
			return false, nil
		}
	}
	return true, nil
}

// normalize lowercases text, drops punctuation other than apostrophes and
// collapses whitespace.
func normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
