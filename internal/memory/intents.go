package memory

import "regexp"

// Intent vocabulary. Classifier backends are clamped to these values;
// anything outside the set is treated as IntentGeneral.
const (
	IntentStatusCheck     = "status_check"
	IntentCodeLookup      = "code_lookup"
	IntentTroubleshooting = "troubleshooting"
	IntentDocumentation   = "documentation"
	IntentHistory         = "history"
	IntentPatternLookup   = "pattern_lookup"
	IntentIssueContext    = "issue_context"
	IntentGitlab          = "gitlab"
	IntentGithub          = "github"
	IntentCalendar        = "calendar"
	IntentEmail           = "email"
	IntentFiles           = "files"
	IntentGeneral         = "general"
)

// knownIntents is the closed vocabulary, in declaration order. Order
// matters: score ties resolve to the earlier intent.
var knownIntents = []string{
	IntentStatusCheck,
	IntentCodeLookup,
	IntentTroubleshooting,
	IntentDocumentation,
	IntentHistory,
	IntentPatternLookup,
	IntentIssueContext,
	IntentGitlab,
	IntentGithub,
	IntentCalendar,
	IntentEmail,
	IntentFiles,
	IntentGeneral,
}

// IsKnownIntent reports whether s is in the intent vocabulary.
func IsKnownIntent(s string) bool {
	for _, intent := range knownIntents {
		if s == intent {
			return true
		}
	}
	return false
}

// IntentPattern maps regex patterns to an intent and the sources that
// usually answer it. At most one regex per pattern contributes to the
// intent's score; an intent spread across several patterns accumulates
// their weights.
type IntentPattern struct {
	Intent   string
	Patterns []*regexp.Regexp
	Sources  []string
	Weight   float64
}

// rx compiles case-insensitive keyword patterns.
func rx(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+e))
	}
	return out
}

// rxStrict compiles case-sensitive patterns, used for issue-key shapes
// where case carries meaning.
func rxStrict(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// defaultIntentPatterns is the keyword classifier's rule table.
var defaultIntentPatterns = []IntentPattern{
	{
		Intent:   IntentStatusCheck,
		Patterns: rx(`working on`, `current(ly)?\s+(work|task|issue)`, `my status`, `in progress`, `active (issue|task|sprint)`, `what.s next`),
		Sources:  []string{"yaml"},
		Weight:   2.0,
	},
	{
		Intent:   IntentCodeLookup,
		Patterns: rx(`where is`, `find the (function|class|method|struct)`, `implementation of`, `defined in`, `code for`, `source of`),
		Sources:  []string{"vector"},
		Weight:   1.5,
	},
	{
		Intent:   IntentTroubleshooting,
		Patterns: rx(`error`, `failing`, `broken`, `exception`, `panic`, `crash`, `not working`, `timed? ?out`),
		Sources:  []string{"vector", "yaml"},
		Weight:   1.5,
	},
	{
		Intent:   IntentDocumentation,
		Patterns: rx(`how (do|to|does)`, `documentation`, `\bdocs?\b`, `readme`, `guide`, `explain`),
		Sources:  []string{"vector"},
		Weight:   1.0,
	},
	{
		Intent:   IntentHistory,
		Patterns: rx(`yesterday`, `last (week|sprint|month)`, `previously`, `history`, `what did (i|we)`, `recent(ly)?`),
		Sources:  []string{"yaml", "vector"},
		Weight:   1.5,
	},
	{
		Intent:   IntentPatternLookup,
		Patterns: rx(`pattern`, `similar to`, `example of`, `how (did|do) we`, `convention`, `approach (for|to)`),
		Sources:  []string{"vector"},
		Weight:   1.5,
	},
	{
		Intent:   IntentIssueContext,
		Patterns: rx(`\bissue\b`, `\bticket\b`, `\bstory\b`, `\bepic\b`, `\bsprint\b`, `\bbacklog\b`, `story points?`),
		Sources:  []string{"jira", "yaml"},
		Weight:   1.5,
	},
	{
		// Issue keys like ABC-123.
		Intent:   IntentIssueContext,
		Patterns: rxStrict(`\b[A-Z][A-Z0-9]+-\d+\b`),
		Sources:  []string{"jira", "yaml"},
		Weight:   2.0,
	},
	{
		Intent:   IntentGitlab,
		Patterns: rx(`gitlab`, `merge request`, `\bmr\b`, `pipeline`, `\bci\b`),
		Sources:  []string{"gitlab"},
		Weight:   2.0,
	},
	{
		Intent:   IntentGithub,
		Patterns: rx(`github`, `pull request`, `\bpr\b`),
		Sources:  []string{"github"},
		Weight:   2.0,
	},
	{
		Intent:   IntentCalendar,
		Patterns: rx(`meeting`, `calendar`, `schedule`, `standup`, `appointment`),
		Sources:  []string{"calendar"},
		Weight:   2.0,
	},
	{
		Intent:   IntentEmail,
		Patterns: rx(`\bemail\b`, `\bmail\b`, `inbox`, `unread`),
		Sources:  []string{"email"},
		Weight:   2.0,
	},
	{
		Intent:   IntentFiles,
		Patterns: rx(`\bfile\b`, `directory`, `folder`, `\bpath\b`),
		Sources:  []string{"files", "yaml"},
		Weight:   1.0,
	},
}
