package provider

import (
	"context"

	"github.com/calderhq/forge/internal/workflow"
)

// Built-in approver keys.
const (
	KeySkip   = "skip"
	KeyManual = "manual"
)

// SkipApprover approves every gate. Used for fully automated runs and for
// stages whose review happens elsewhere.
type SkipApprover struct{}

// Evaluate always approves.
func (a *SkipApprover) Evaluate(_ context.Context, _ workflow.Phase, _ workflow.Stage, _ map[string]*string, _ map[string]any) (*ApprovalResult, error) {
	return &ApprovalResult{Decision: workflow.DecisionApproved}, nil
}

// Metadata declares read ability; skip never opens a file but has nothing
// to inline either.
func (a *SkipApprover) Metadata() Metadata {
	return Metadata{Name: KeySkip, FSAbility: FSRead}
}

// ManualApprover always returns PENDING, yielding control to the human
// driving the CLI. The human has full filesystem access, hence local-write.
type ManualApprover struct{}

// Evaluate always returns PENDING.
func (a *ManualApprover) Evaluate(_ context.Context, _ workflow.Phase, _ workflow.Stage, _ map[string]*string, _ map[string]any) (*ApprovalResult, error) {
	return &ApprovalResult{Decision: workflow.DecisionPending}, nil
}

// Metadata declares local-write ability.
func (a *ManualApprover) Metadata() Metadata {
	return Metadata{Name: KeyManual, FSAbility: FSLocalWrite}
}
