// Package transition holds the static table mapping (phase, stage, command)
// to the next (phase, stage, action). The table is the only authority on
// legal transitions; the orchestrator never branches on phase/stage itself.
package transition

import (
	"github.com/calderhq/forge/internal/workflow"
)

// Key identifies a row in the transition table.
type Key struct {
	Phase   workflow.Phase
	Stage   workflow.Stage
	Command workflow.Command
}

// Transition is the outcome of a table lookup. For ActionCheckVerdict the
// next phase/stage are decided by the review verdict, not the table; the
// row carries the current position unchanged.
type Transition struct {
	NextPhase workflow.Phase
	NextStage workflow.Stage
	Action    workflow.Action
}

var table = buildTable()

func buildTable() map[Key]Transition {
	t := map[Key]Transition{
		// The happy path. Approving a prompt calls the AI for its response;
		// approving a response creates the next phase's prompt.
		{workflow.PhaseInit, workflow.StageNone, workflow.CommandInit}: {
			workflow.PhasePlan, workflow.StagePrompt, workflow.ActionCreatePrompt,
		},
		{workflow.PhasePlan, workflow.StagePrompt, workflow.CommandApprove}: {
			workflow.PhasePlan, workflow.StageResponse, workflow.ActionCallAI,
		},
		{workflow.PhasePlan, workflow.StageResponse, workflow.CommandApprove}: {
			workflow.PhaseGenerate, workflow.StagePrompt, workflow.ActionCreatePrompt,
		},
		{workflow.PhaseGenerate, workflow.StagePrompt, workflow.CommandApprove}: {
			workflow.PhaseGenerate, workflow.StageResponse, workflow.ActionCallAI,
		},
		{workflow.PhaseGenerate, workflow.StageResponse, workflow.CommandApprove}: {
			workflow.PhaseReview, workflow.StagePrompt, workflow.ActionCreatePrompt,
		},
		{workflow.PhaseReview, workflow.StagePrompt, workflow.CommandApprove}: {
			workflow.PhaseReview, workflow.StageResponse, workflow.ActionCallAI,
		},
		// Approving the review response checks the verdict: PASS finalizes,
		// FAIL increments the iteration and branches into REVISE.
		{workflow.PhaseReview, workflow.StageResponse, workflow.CommandApprove}: {
			workflow.PhaseReview, workflow.StageResponse, workflow.ActionCheckVerdict,
		},
		{workflow.PhaseRevise, workflow.StagePrompt, workflow.CommandApprove}: {
			workflow.PhaseRevise, workflow.StageResponse, workflow.ActionCallAI,
		},
		// Revision feeds back into review under the same iteration number.
		{workflow.PhaseRevise, workflow.StageResponse, workflow.CommandApprove}: {
			workflow.PhaseReview, workflow.StagePrompt, workflow.ActionCreatePrompt,
		},
	}

	// reject and retry stay in place for every active position.
	for _, phase := range workflow.ActivePhases() {
		for _, stage := range []workflow.Stage{workflow.StagePrompt, workflow.StageResponse} {
			t[Key{phase, stage, workflow.CommandReject}] = Transition{phase, stage, workflow.ActionHalt}
			t[Key{phase, stage, workflow.CommandRetry}] = Transition{phase, stage, workflow.ActionRetry}
		}
	}

	// cancel is legal from init and any active position.
	t[Key{workflow.PhaseInit, workflow.StageNone, workflow.CommandCancel}] = Transition{
		workflow.PhaseCancelled, workflow.StageNone, workflow.ActionHalt,
	}
	for _, phase := range workflow.ActivePhases() {
		for _, stage := range []workflow.Stage{workflow.StagePrompt, workflow.StageResponse} {
			t[Key{phase, stage, workflow.CommandCancel}] = Transition{
				workflow.PhaseCancelled, workflow.StageNone, workflow.ActionHalt,
			}
		}
	}

	return t
}

// Lookup resolves a (phase, stage, command) triple. The second return is
// false when the command is not legal for the position; the lookup itself
// has no side effects.
func Lookup(phase workflow.Phase, stage workflow.Stage, command workflow.Command) (Transition, bool) {
	tr, ok := table[Key{phase, stage, command}]
	return tr, ok
}
