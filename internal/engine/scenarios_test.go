package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderhq/forge/internal/profile"
	"github.com/calderhq/forge/internal/provider"
	"github.com/calderhq/forge/internal/workflow"
)

func sessionFile(rig *testRig, state *workflow.State, rel string) string {
	return filepath.Join(rig.store.Dir(state.SessionID), rel)
}

func assertSessionFileExists(t *testing.T, rig *testRig, state *workflow.State, rel string) {
	t.Helper()
	_, err := os.Stat(sessionFile(rig, state, rel))
	assert.NoError(t, err, "expected %s in session dir", rel)
}

func TestFullyAutomatedPass(t *testing.T) {
	rig := newTestRig(t, allSkipConfig)
	rig.ai.queue("review", "Looks good.\nVERDICT: PASS")

	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)

	assert.Equal(t, workflow.PhaseComplete, state.Phase)
	assert.Equal(t, workflow.StageNone, state.Stage)
	assert.Equal(t, workflow.StatusSuccess, state.Status)
	assert.Equal(t, 1, state.CurrentIteration)

	for _, rel := range []string{
		"iteration-1/planning-prompt.md",
		"iteration-1/planning-response.md",
		"iteration-1/generation-prompt.md",
		"iteration-1/generation-response.md",
		"iteration-1/code/src/Foo.java",
		"iteration-1/review-prompt.md",
		"iteration-1/review-response.md",
		"plan.md",
	} {
		assertSessionFileExists(t, rig, state, filepath.FromSlash(rel))
	}

	require.NotEmpty(t, state.Artifacts)
	for _, a := range state.Artifacts {
		assert.Len(t, a.SHA256, 64, "artifact %s should be hashed", a.Path)
	}

	// The persisted snapshot matches the returned state.
	loaded, err := rig.store.Load(state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseComplete, loaded.Phase)
}

func TestOneRevisionThenPass(t *testing.T) {
	rig := newTestRig(t, allSkipConfig)
	rig.ai.queue("review", "Bug found.\nVERDICT: FAIL", "Fixed now.\nVERDICT: PASS")

	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)

	assert.Equal(t, workflow.PhaseComplete, state.Phase)
	assert.Equal(t, workflow.StatusSuccess, state.Status)
	assert.Equal(t, 2, state.CurrentIteration)

	for _, rel := range []string{
		"iteration-1/review-response.md",
		"iteration-2/revision-prompt.md",
		"iteration-2/revision-response.md",
		"iteration-2/code/src/Foo.java",
		"iteration-2/review-prompt.md",
		"iteration-2/review-response.md",
	} {
		assertSessionFileExists(t, rig, state, filepath.FromSlash(rel))
	}
}

func TestManualPendingPause(t *testing.T) {
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: skip
  plan:
    response:
      approval_provider: manual
`)
	rig.ai.queue("review", "VERDICT: PASS")

	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)

	assert.Equal(t, workflow.PhasePlan, state.Phase)
	assert.Equal(t, workflow.StageResponse, state.Stage)
	assert.True(t, state.PendingApproval)
	assert.Equal(t, workflow.StatusInProgress, state.Status)
	assertSessionFileExists(t, rig, state, filepath.FromSlash("iteration-1/planning-response.md"))

	state, err = rig.engine.Execute(context.Background(), state.SessionID, workflow.CommandApprove, "")
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseComplete, state.Phase)
	assert.Equal(t, workflow.StatusSuccess, state.Status)
}

func TestAIApproverRejectsTwiceThenApproves(t *testing.T) {
	picky := &scriptedApprover{decisions: []provider.ApprovalResult{
		{Decision: workflow.DecisionRejected, Feedback: "missing field"},
		{Decision: workflow.DecisionRejected, Feedback: "missing field"},
		{Decision: workflow.DecisionApproved},
	}}
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: skip
  generate:
    response:
      approval_provider: picky
      approval_max_retries: 2
`, func(providers *provider.Registry, _ *profile.Registry) {
		require.NoError(t, providers.RegisterApproval("picky", func(map[string]any) provider.ApprovalProvider {
			return picky
		}))
	})
	rig.ai.queue("review", "VERDICT: PASS")

	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)

	assert.Equal(t, workflow.PhaseComplete, state.Phase)
	assert.Equal(t, 3, picky.evals)
	assert.Equal(t, 3, rig.ai.calls["generate"], "generation re-ran once per rejection")
	assert.Equal(t, 0, state.RetryCount, "retry count resets on stage change")

	for _, a := range state.Artifacts {
		assert.NotEmpty(t, a.SHA256, "artifact %s should be hashed", a.Path)
	}
}

func TestRejectHaltsWorkflow(t *testing.T) {
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: skip
  plan:
    response:
      approval_provider: manual
`)
	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)
	require.True(t, state.PendingApproval)

	state, err = rig.engine.Execute(context.Background(), state.SessionID, workflow.CommandReject, "needs more detail")
	require.NoError(t, err)

	assert.Equal(t, "needs more detail", state.ApprovalFeedback)
	assert.False(t, state.PendingApproval)
	assert.Equal(t, workflow.PhasePlan, state.Phase)
	assert.Equal(t, workflow.StageResponse, state.Stage)
	assert.Equal(t, workflow.StatusInProgress, state.Status)
}

func TestRetryAfterRejectUsesFeedback(t *testing.T) {
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: skip
  plan:
    response:
      approval_provider: manual
`)
	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)

	_, err = rig.engine.Execute(context.Background(), state.SessionID, workflow.CommandReject, "needs more detail")
	require.NoError(t, err)

	state, err = rig.engine.Execute(context.Background(), state.SessionID, workflow.CommandRetry, "")
	require.NoError(t, err)

	// CALL_AI re-ran and the manual gate pends again.
	assert.Equal(t, 2, rig.ai.calls["plan"])
	assert.True(t, state.PendingApproval)
}

func TestCancelFromMidWorkflow(t *testing.T) {
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: skip
  generate:
    response:
      approval_provider: manual
`)
	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)
	require.Equal(t, workflow.PhaseGenerate, state.Phase)

	hashesBefore := map[string]string{}
	for _, a := range state.Artifacts {
		hashesBefore[a.Path] = a.SHA256
	}

	state, err = rig.engine.Execute(context.Background(), state.SessionID, workflow.CommandCancel, "")
	require.NoError(t, err)

	assert.Equal(t, workflow.PhaseCancelled, state.Phase)
	assert.Equal(t, workflow.StageNone, state.Stage)
	assert.Equal(t, workflow.StatusCancelled, state.Status)
	for _, a := range state.Artifacts {
		assert.Equal(t, hashesBefore[a.Path], a.SHA256, "cancel must not touch artifact hashes")
	}

	// Terminal sessions accept no further commands.
	_, err = rig.engine.Execute(context.Background(), state.SessionID, workflow.CommandCancel, "")
	assert.Error(t, err)
}

func TestZeroMaxRetriesPausesOnFirstRejection(t *testing.T) {
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: skip
  generate:
    response:
      approval_provider: picky
      approval_max_retries: 0
`, func(providers *provider.Registry, _ *profile.Registry) {
		require.NoError(t, providers.RegisterApproval("picky", func(map[string]any) provider.ApprovalProvider {
			return &scriptedApprover{decisions: []provider.ApprovalResult{
				{Decision: workflow.DecisionRejected, Feedback: "nope"},
			}}
		}))
	})

	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)

	assert.Equal(t, workflow.PhaseGenerate, state.Phase)
	assert.Equal(t, workflow.StageResponse, state.Stage)
	assert.True(t, state.PendingApproval)
	assert.Equal(t, workflow.StatusInProgress, state.Status)
	assert.Equal(t, 1, rig.ai.calls["generate"], "no auto-retry with max_retries 0")
}

func TestExhaustedRetriesStayInProgress(t *testing.T) {
	alwaysReject := &scriptedApprover{}
	for i := 0; i < 10; i++ {
		alwaysReject.decisions = append(alwaysReject.decisions,
			provider.ApprovalResult{Decision: workflow.DecisionRejected, Feedback: "still wrong"})
	}
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: skip
  generate:
    response:
      approval_provider: picky
      approval_max_retries: 3
`, func(providers *provider.Registry, _ *profile.Registry) {
		require.NoError(t, providers.RegisterApproval("picky", func(map[string]any) provider.ApprovalProvider {
			return alwaysReject
		}))
	})

	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusInProgress, state.Status, "exhaustion never sets ERROR")
	assert.True(t, state.PendingApproval)
	assert.Equal(t, 4, rig.ai.calls["generate"], "initial call plus three retries")
	assert.Equal(t, "still wrong", state.ApprovalFeedback)
}

func TestSuggestedContentForwardedWhenAllowed(t *testing.T) {
	rewriter := &scriptedApprover{decisions: []provider.ApprovalResult{
		{Decision: workflow.DecisionRejected, Feedback: "use the template", SuggestedContent: "// use this instead"},
	}}
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: skip
  generate:
    response:
      approval_provider: picky
      approval_max_retries: 1
      approval_allow_rewrite: true
`, func(providers *provider.Registry, _ *profile.Registry) {
		require.NoError(t, providers.RegisterApproval("picky", func(map[string]any) provider.ApprovalProvider {
			return rewriter
		}))
	})
	rig.ai.queue("review", "VERDICT: PASS")

	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)
	require.Equal(t, workflow.PhaseComplete, state.Phase)

	// The retry call received the suggestion in its prompt.
	assert.Equal(t, 2, rig.ai.calls["generate"])
	assert.Empty(t, state.SuggestedContent, "cleared after the stage was approved")
}

func TestSuggestedContentDroppedWhenDisallowed(t *testing.T) {
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: skip
  generate:
    response:
      approval_provider: picky
      approval_max_retries: 0
`, func(providers *provider.Registry, _ *profile.Registry) {
		require.NoError(t, providers.RegisterApproval("picky", func(map[string]any) provider.ApprovalProvider {
			return &scriptedApprover{decisions: []provider.ApprovalResult{
				{Decision: workflow.DecisionRejected, Feedback: "no", SuggestedContent: "// sneaky rewrite"},
			}}
		}))
	})

	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)
	assert.Empty(t, state.SuggestedContent, "rewrites are ignored unless allowed by config")
}

func TestEventsPublishedOnHappyPath(t *testing.T) {
	rig := newTestRig(t, allSkipConfig)
	rig.ai.queue("review", "VERDICT: PASS")

	ch := rig.pub.Subscribe("*")

	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)
	require.Equal(t, workflow.PhaseComplete, state.Phase)

	seen := map[string]bool{}
	for len(ch) > 0 {
		e := <-ch
		seen[string(e.Type)] = true
	}
	assert.True(t, seen["phase_entered"])
	assert.True(t, seen["artifact_created"])
	assert.True(t, seen["artifact_approved"])
	assert.True(t, seen["approval_granted"])
	assert.True(t, seen["workflow_completed"])
}
