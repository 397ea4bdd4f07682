package trace

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sprintbot/sprintbot/internal/logging"
	"github.com/sprintbot/sprintbot/internal/types"
	"github.com/sprintbot/sprintbot/internal/utils"
)

// Tracer mutates and persists one issue's ExecutionTrace. Safe for
// concurrent use.
type Tracer struct {
	mu      sync.Mutex
	trace   *ExecutionTrace
	dir     string
	stepSeq int
	current int // step id currently running, 0 = none
	now     func() time.Time
	log     zerolog.Logger
}

// StepOption sets optional fields on a step as it starts or ends.
type StepOption func(*StepTrace)

// WithInputs attaches the step's input values.
func WithInputs(inputs map[string]any) StepOption {
	return func(s *StepTrace) { s.Inputs = inputs }
}

// WithOutputs attaches the step's output values.
func WithOutputs(outputs map[string]any) StepOption {
	return func(s *StepTrace) { s.Outputs = outputs }
}

// WithSkill names the skill that executed the step.
func WithSkill(name string) StepOption {
	return func(s *StepTrace) { s.SkillName = name }
}

// WithTool names the tool that executed the step.
func WithTool(name string) StepOption {
	return func(s *StepTrace) { s.ToolName = name }
}

// WithDecision records the decision made in the step and why.
func WithDecision(decision, reason string) StepOption {
	return func(s *StepTrace) {
		s.Decision = decision
		s.Reason = reason
	}
}

// WithStepError records a step failure message.
func WithStepError(msg string) StepOption {
	return func(s *StepTrace) { s.Error = msg }
}

// WithChatID links the step to a launched chat.
func WithChatID(id string) StepOption {
	return func(s *StepTrace) { s.ChatID = id }
}

// NewTracer creates a tracer over a fresh trace document starting at
// idle.
func NewTracer(dir, issueKey string, workflow types.WorkflowType, mode types.ExecutionMode) *Tracer {
	return &Tracer{
		trace: &ExecutionTrace{
			IssueKey:      issueKey,
			WorkflowType:  workflow,
			ExecutionMode: mode,
			StartedAt:     time.Now().UTC(),
			CurrentState:  StateIdle,
		},
		dir: dir,
		now: time.Now,
		log: logging.Component("trace").With().Str("issue", issueKey).Logger(),
	}
}

// LoadOrCreate resumes the persisted trace for an issue, or starts a
// fresh one when none exists or the previous run finished.
func LoadOrCreate(dir, issueKey string, workflow types.WorkflowType, mode types.ExecutionMode) (*Tracer, error) {
	existing, err := Load(dir, issueKey)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.IsComplete() {
		return NewTracer(dir, issueKey, workflow, mode), nil
	}

	t := NewTracer(dir, issueKey, workflow, mode)
	t.trace = existing
	for _, s := range existing.Steps {
		if s.StepID > t.stepSeq {
			t.stepSeq = s.StepID
		}
		if s.Status == StepRunning {
			t.current = s.StepID
		}
	}
	return t, nil
}

// Trace returns a deep-enough copy for rendering and assertions.
func (t *Tracer) Trace() ExecutionTrace {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *t.trace
	cp.Steps = append([]StepTrace(nil), t.trace.Steps...)
	cp.Transitions = append([]StateTransition(nil), t.trace.Transitions...)
	return cp
}

// CurrentState returns the trace's current workflow state.
func (t *Tracer) CurrentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trace.CurrentState
}

// StartStep records a step in running state and returns its id.
func (t *Tracer) StartStep(name string, opts ...StepOption) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stepSeq++
	step := StepTrace{
		StepID:    t.stepSeq,
		Name:      name,
		Status:    StepRunning,
		StartedAt: t.now().UTC(),
	}
	for _, opt := range opts {
		opt(&step)
	}
	t.trace.Steps = append(t.trace.Steps, step)
	t.current = step.StepID
	return step.StepID
}

// EndStep finalizes the current step with the given status.
func (t *Tracer) EndStep(status StepStatus, opts ...StepOption) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endStepLocked(t.current, status, opts)
}

// EndStepID finalizes a specific step by id.
func (t *Tracer) EndStepID(id int, status StepStatus, opts ...StepOption) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endStepLocked(id, status, opts)
}

func (t *Tracer) endStepLocked(id int, status StepStatus, opts []StepOption) {
	if id == 0 {
		t.log.Warn().Msg("end step with no step running")
		return
	}
	for i := range t.trace.Steps {
		step := &t.trace.Steps[i]
		if step.StepID != id {
			continue
		}
		step.Status = status
		step.DurationMS = t.now().UTC().Sub(step.StartedAt).Milliseconds()
		for _, opt := range opts {
			opt(step)
		}
		if t.current == id {
			t.current = 0
		}
		return
	}
	t.log.Warn().Int("step", id).Msg("end step for unknown id")
}

// LogStep records an instantaneous step: started and finalized at once.
func (t *Tracer) LogStep(name string, status StepStatus, opts ...StepOption) {
	id := t.StartStep(name)
	t.EndStepID(id, status, opts...)
}

// Transition moves the trace to a new state. Invalid transitions are
// logged and recorded with an invalid marker, but still applied, so a
// forensic reader sees what actually happened. Returns whether the
// transition was valid.
func (t *Tracer) Transition(to State, trigger string, data map[string]any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.trace.CurrentState
	valid := CanTransition(from, to)
	if !valid {
		t.log.Warn().Str("from", string(from)).Str("to", string(to)).Str("trigger", trigger).
			Msg("invalid state transition")
		if data == nil {
			data = make(map[string]any, 1)
		}
		data["invalid"] = true
	}

	t.trace.Transitions = append(t.trace.Transitions, StateTransition{
		From:      from,
		To:        to,
		Timestamp: t.now().UTC(),
		Trigger:   trigger,
		Data:      data,
	})
	t.trace.CurrentState = to

	if IsTerminal(to) && t.trace.CompletedAt == nil {
		done := t.now().UTC()
		t.trace.CompletedAt = &done
	}
	return valid
}

// MarkBlocked transitions to blocked with the reason on record.
func (t *Tracer) MarkBlocked(reason, waitingFor string) {
	data := map[string]any{"reason": reason}
	if waitingFor != "" {
		data["waiting_for"] = waitingFor
	}
	t.Transition(StateBlocked, "blocked", data)
}

// MarkCompleted transitions to completed.
func (t *Tracer) MarkCompleted(summary string) {
	var data map[string]any
	if summary != "" {
		data = map[string]any{"summary": summary}
	}
	t.Transition(StateCompleted, "completed", data)
}

// MarkFailed transitions to failed with the error on record.
func (t *Tracer) MarkFailed(errMsg string) {
	t.Transition(StateFailed, "failed", map[string]any{"error": errMsg})
}

// Save writes the trace document atomically.
func (t *Tracer) Save() error {
	t.mu.Lock()
	data, err := yaml.Marshal(t.trace)
	path := PathFor(t.dir, t.trace.IssueKey)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	return nil
}
