// Package trace records every decision and transition of the sprint
// workflow as a durable per-issue document.
package trace

// State is one node of the sprint workflow state machine.
type State string

const (
	StateIdle               State = "idle"
	StateLoading            State = "loading"
	StateAnalyzing          State = "analyzing"
	StateClassifying        State = "classifying"
	StateCheckingActionable State = "checking_actionable"
	StateTransitioningJira  State = "transitioning_jira"
	StateStartingWork       State = "starting_work"
	StateResearching        State = "researching"
	StateBuildingPrompt     State = "building_prompt"
	StateLaunchingChat      State = "launching_chat"
	StateImplementing       State = "implementing"
	StateDocumenting        State = "documenting"
	StateCreatingMR         State = "creating_mr"
	StateAwaitingReview     State = "awaiting_review"
	StateMerging            State = "merging"
	StateClosing            State = "closing"
	StateBlocked            State = "blocked"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
)

// AllStates lists every state in workflow order, for rendering.
var AllStates = []State{
	StateIdle,
	StateLoading,
	StateAnalyzing,
	StateClassifying,
	StateCheckingActionable,
	StateTransitioningJira,
	StateStartingWork,
	StateResearching,
	StateBuildingPrompt,
	StateLaunchingChat,
	StateImplementing,
	StateDocumenting,
	StateCreatingMR,
	StateAwaitingReview,
	StateMerging,
	StateClosing,
	StateBlocked,
	StateCompleted,
	StateFailed,
}

// transitions is the allowed-successor table. A transition not listed
// here is recorded as invalid but still applied, for forensic value.
var transitions = map[State][]State{
	StateIdle:               {StateLoading},
	StateLoading:            {StateAnalyzing, StateFailed},
	StateAnalyzing:          {StateClassifying, StateBlocked, StateFailed},
	StateClassifying:        {StateCheckingActionable, StateFailed},
	StateCheckingActionable: {StateTransitioningJira, StateBlocked, StateFailed},
	StateTransitioningJira:  {StateStartingWork, StateResearching, StateFailed},
	StateStartingWork:       {StateBuildingPrompt, StateBlocked, StateFailed},
	StateResearching:        {StateDocumenting, StateBuildingPrompt, StateBlocked, StateFailed},
	StateBuildingPrompt:     {StateLaunchingChat, StateImplementing, StateFailed},
	StateLaunchingChat:      {StateImplementing, StateFailed},
	StateImplementing:       {StateCreatingMR, StateBlocked, StateCompleted, StateFailed},
	StateDocumenting:        {StateClosing, StateBlocked, StateFailed},
	StateCreatingMR:         {StateAwaitingReview, StateBlocked, StateFailed},
	StateAwaitingReview:     {StateMerging, StateBlocked, StateImplementing},
	StateMerging:            {StateClosing, StateFailed},
	StateClosing:            {StateCompleted, StateFailed},
	StateBlocked:            {StateAnalyzing, StateImplementing, StateCompleted},
	StateCompleted:          {},
	StateFailed:             {StateIdle},
}

// CanTransition reports whether from → to is in the allowed table.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state ends a workflow run. failed is
// terminal for the run but retryable back to idle.
func IsTerminal(s State) bool {
	return s == StateCompleted || s == StateFailed
}

// IsValid reports whether s names a known state.
func (s State) IsValid() bool {
	_, ok := transitions[s]
	return ok
}
