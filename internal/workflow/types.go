// Package workflow defines the data model for forge sessions: phases,
// stages, commands, actions, approval decisions, and the persisted state.
package workflow

// Phase represents a major stage of the workflow.
type Phase string

const (
	PhaseInit      Phase = "init"
	PhasePlan      Phase = "plan"
	PhaseGenerate  Phase = "generate"
	PhaseReview    Phase = "review"
	PhaseRevise    Phase = "revise"
	PhaseComplete  Phase = "complete"
	PhaseError     Phase = "error"
	PhaseCancelled Phase = "cancelled"
)

// ValidPhases returns all valid phase values.
func ValidPhases() []Phase {
	return []Phase{
		PhaseInit, PhasePlan, PhaseGenerate, PhaseReview,
		PhaseRevise, PhaseComplete, PhaseError, PhaseCancelled,
	}
}

// IsValidPhase returns true if p is a valid phase value.
func IsValidPhase(p Phase) bool {
	switch p {
	case PhaseInit, PhasePlan, PhaseGenerate, PhaseReview,
		PhaseRevise, PhaseComplete, PhaseError, PhaseCancelled:
		return true
	default:
		return false
	}
}

// IsActive returns true for phases that carry a stage.
func (p Phase) IsActive() bool {
	switch p {
	case PhasePlan, PhaseGenerate, PhaseReview, PhaseRevise:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for phases that end the workflow.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseComplete, PhaseError, PhaseCancelled:
		return true
	default:
		return false
	}
}

// ActivePhases returns the phases that carry a stage, in workflow order.
func ActivePhases() []Phase {
	return []Phase{PhasePlan, PhaseGenerate, PhaseReview, PhaseRevise}
}

// Stage represents the position within an active phase. An active phase is
// always either waiting on its prompt or waiting on its response.
type Stage string

const (
	// StageNone marks phases that carry no stage (init and terminals).
	StageNone Stage = ""
	// StagePrompt means the prompt for this phase exists and awaits approval.
	StagePrompt Stage = "prompt"
	// StageResponse means the response exists (or will be written by hand)
	// and awaits approval.
	StageResponse Stage = "response"
)

// IsValidStage returns true if s is a valid stage value (including none).
func IsValidStage(s Stage) bool {
	return s == StageNone || s == StagePrompt || s == StageResponse
}

// Status represents the overall workflow status.
type Status string

const (
	// StatusInProgress covers both actively advancing and paused-awaiting-human.
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// IsValidStatus returns true if s is a valid status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusInProgress, StatusSuccess, StatusFailed, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Command is an input to the orchestrator.
type Command string

const (
	CommandInit    Command = "init"
	CommandApprove Command = "approve"
	CommandReject  Command = "reject"
	CommandRetry   Command = "retry"
	CommandCancel  Command = "cancel"
	CommandStatus  Command = "status"
)

// IsValidCommand returns true if c is a valid command value.
func IsValidCommand(c Command) bool {
	switch c {
	case CommandInit, CommandApprove, CommandReject, CommandRetry, CommandCancel, CommandStatus:
		return true
	default:
		return false
	}
}

// Action is the orchestrator's unit of work, emitted by the transition table.
type Action string

const (
	ActionCreatePrompt Action = "create_prompt"
	ActionCallAI       Action = "call_ai"
	ActionCheckVerdict Action = "check_verdict"
	ActionFinalize     Action = "finalize"
	ActionHalt         Action = "halt"
	ActionRetry        Action = "retry"
)

// Decision is an approval provider's verdict on a gate.
type Decision string

const (
	DecisionApproved Decision = "approved"
	// DecisionRejected must carry non-empty feedback.
	DecisionRejected Decision = "rejected"
	// DecisionPending means a human must resolve the gate via approve/reject.
	DecisionPending Decision = "pending"
)

// IsValidDecision returns true if d is a valid decision value.
func IsValidDecision(d Decision) bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionPending:
		return true
	default:
		return false
	}
}
