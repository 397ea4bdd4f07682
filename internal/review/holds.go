package review

import (
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// HoldPhrases is the fixed set of "do not merge" phrases scanned for in
// review comments. Matching is case-insensitive substring.
var HoldPhrases = []string{
	"don't merge",
	"do not merge",
	"hold off",
	"hold merge",
	"wait until",
	"needs more work",
	"wip",
	"work in progress",
}

// DetectHold reports the first hold phrase found in text.
func DetectHold(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, phrase := range HoldPhrases {
		if strings.Contains(lower, phrase) {
			return phrase, true
		}
	}
	return "", false
}

func newHoldParser() *when.Parser {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}

// ParseHoldUntil extracts a hold-until timestamp from phrases like
// "wait until Monday" or "hold off until 2pm tomorrow".
func ParseHoldUntil(parser *when.Parser, text string, base time.Time) (time.Time, bool) {
	if !strings.Contains(strings.ToLower(text), "until") {
		return time.Time{}, false
	}
	r, err := parser.Parse(text, base)
	if err != nil || r == nil {
		return time.Time{}, false
	}
	return r.Time, true
}
