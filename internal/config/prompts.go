package config

// Default agent prompt templates. The planner renders these with
// text/template over the issue; output must stay deterministic for a given
// issue so retries produce identical prompts.
//
// The status-marker contract at the bottom is load-bearing: the executor
// parses exactly these bracketed forms out of the agent's stdout.

const defaultWorkPrompt = `You are working on tracker issue {{.Key}}: {{.Summary}}

Issue type: {{.IssueType}}
Priority: {{.Priority}}
Story points: {{.StoryPoints}}

Implement this issue end to end:
1. Create a feature branch named after the issue key.
2. Make the code changes the summary describes. Keep commits small and messages descriptive.
3. Run the relevant tests and fix what breaks.
4. Push the branch and open a merge request referencing {{.Key}}.

When you are done, print exactly one status marker as the last line of output:
[SPRINT_BOT_STATUS: COMPLETED]
[SPRINT_BOT_STATUS: BLOCKED, reason: <what you are waiting on>]
[SPRINT_BOT_STATUS: FAILED, error: <what went wrong>]`

const defaultSpikePrompt = `You are researching tracker issue {{.Key}}: {{.Summary}}

Issue type: {{.IssueType}}
Priority: {{.Priority}}

This is a spike: investigate, do not ship code.
1. Research the question in the summary against this repository and its docs.
2. Write your findings into a markdown document (docs/spikes/{{.Key}}.md) with
   a recommendation section.
3. Commit the document on a branch named after the issue key and open a merge
   request referencing {{.Key}}.

When you are done, print exactly one status marker as the last line of output:
[SPRINT_BOT_STATUS: COMPLETED]
[SPRINT_BOT_STATUS: BLOCKED, reason: <what you are waiting on>]
[SPRINT_BOT_STATUS: FAILED, error: <what went wrong>]`
