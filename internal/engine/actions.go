package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ferrors "github.com/calderhq/forge/internal/errors"
	"github.com/calderhq/forge/internal/events"
	"github.com/calderhq/forge/internal/profile"
	"github.com/calderhq/forge/internal/provider"
	"github.com/calderhq/forge/internal/util"
	"github.com/calderhq/forge/internal/workflow"
)

// sessionPath joins a session-relative path onto the session directory.
func (e *Engine) sessionPath(state *workflow.State, rel string) string {
	return filepath.Join(e.store.Dir(state.SessionID), rel)
}

// createPrompt asks the profile for prompt content, assembles it with the
// engine's metadata header, writes the canonical prompt file, and runs the
// stage's gate. Rejection feedback and rewrite hints stored on the state are
// passed through to the profile.
func (e *Engine) createPrompt(ctx context.Context, state *workflow.State) error {
	prof, err := e.profiles.Profile(state.Profile)
	if err != nil {
		return err
	}

	req := profile.PromptRequest{
		Phase:             state.Phase,
		Iteration:         state.CurrentIteration,
		Context:           state.Context,
		PreviousResponses: e.previousResponses(state),
		Standards:         e.readStandards(state),
		Feedback:          state.ApprovalFeedback,
		SuggestedContent:  state.SuggestedContent,
	}
	content, err := prof.BuildPrompt(ctx, req)
	if err != nil {
		return fmt.Errorf("build %s prompt: %w", state.Phase, err)
	}

	rel, err := workflow.StagePath(state.Phase, workflow.StagePrompt, state.CurrentIteration)
	if err != nil {
		return e.failInternal(state, err.Error())
	}
	assembled := e.assemblePrompt(state, content)
	if err := util.AtomicWriteFileString(e.sessionPath(state, rel), assembled, 0o644); err != nil {
		return ferrors.Storage("write prompt file", err)
	}

	e.trackArtifact(state, rel)
	state.AddMessage("Created %s", rel)
	return e.runGate(ctx, state)
}

// assemblePrompt renders the final prompt document: metadata header, session
// artifact listing, the profile's content, and output instructions.
func (e *Engine) assemblePrompt(state *workflow.State, content *profile.PromptContent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<!-- forge session %s | profile %s | %s[%s] | iteration %d | %s -->\n\n",
		state.SessionID, state.Profile, state.Phase, state.Stage,
		state.CurrentIteration, time.Now().UTC().Format(time.RFC3339))

	if len(state.Artifacts) > 0 {
		b.WriteString("## Session Artifacts\n\n")
		for _, a := range state.Artifacts {
			fmt.Fprintf(&b, "- %s\n", a.Path)
		}
		b.WriteString("\n")
	}

	if content.Raw != "" {
		b.WriteString(content.Raw)
	} else {
		for _, section := range content.Sections {
			fmt.Fprintf(&b, "## %s\n\n%s\n\n", section.Title, strings.TrimRight(section.Body, "\n"))
		}
	}
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteString("\n")
	}

	b.WriteString("\n## Output Instructions\n\n")
	fmt.Fprintf(&b, "Write your complete response for the %s phase. ", state.Phase)
	b.WriteString("Respond with the artifact content only; no meta commentary.\n")
	return b.String()
}

// previousResponses maps phase name to the latest response content written
// for that phase, for phases that have one on disk.
func (e *Engine) previousResponses(state *workflow.State) map[string]string {
	responses := make(map[string]string)
	for _, phase := range workflow.ActivePhases() {
		name, err := workflow.StageFileName(phase, workflow.StageResponse)
		if err != nil {
			continue
		}
		for i := len(state.Artifacts) - 1; i >= 0; i-- {
			a := state.Artifacts[i]
			if filepath.Base(a.Path) != name {
				continue
			}
			data, err := os.ReadFile(e.sessionPath(state, a.Path))
			if err == nil {
				responses[string(phase)] = string(data)
			}
			break
		}
	}
	return responses
}

// readStandards returns the session's standards bundle, or empty when the
// session has none.
func (e *Engine) readStandards(state *workflow.State) string {
	if state.StandardsProvider == "" {
		return ""
	}
	data, err := os.ReadFile(e.sessionPath(state, workflow.StandardsFileName))
	if err != nil {
		e.log.Warn("standards bundle unreadable", "session_id", state.SessionID, "error", err)
		return ""
	}
	return string(data)
}

// callAI resolves the phase's AI provider, re-reads the prompt file to pick
// up user edits, and runs one generate call. Provider failures never fail
// the command: they land in last_error and the next approve retries.
// On retry the rejected response and feedback are appended to the prompt.
func (e *Engine) callAI(ctx context.Context, state *workflow.State, retry bool) error {
	key := state.AIProviders[string(state.Phase)]
	if key == "" {
		return e.failInternal(state, fmt.Sprintf("no ai provider snapshotted for phase %s", state.Phase))
	}
	ai, err := e.aiProvider(key)
	if err != nil {
		return e.pauseOnProviderError(state, "Generation", ferrors.Provider(key, "resolve", err))
	}

	promptRel, err := workflow.StagePath(state.Phase, workflow.StagePrompt, state.CurrentIteration)
	if err != nil {
		return e.failInternal(state, err.Error())
	}
	promptData, err := os.ReadFile(e.sessionPath(state, promptRel))
	if err != nil {
		return ferrors.Storage("read prompt file", err)
	}
	prompt := string(promptData)
	if retry {
		prompt = e.retryPrompt(state, prompt)
	}

	pctx := map[string]any{
		"session_dir": e.store.Dir(state.SessionID),
		"phase":       string(state.Phase),
		"iteration":   state.CurrentIteration,
		"context":     state.Context,
	}

	callCtx, cancel := context.WithTimeout(ctx, ai.Metadata().Timeout())
	result, genErr := ai.Generate(callCtx, prompt, pctx)
	cancel()
	if genErr != nil {
		return e.pauseOnProviderError(state, "Generation", ferrors.Provider(key, "generate", genErr))
	}

	responseRel, err := workflow.StagePath(state.Phase, workflow.StageResponse, state.CurrentIteration)
	if err != nil {
		return e.failInternal(state, err.Error())
	}

	if result == nil {
		// Manual mode: the user writes the response file themselves. The
		// gate still runs; a manual approver pauses as usual.
		state.AddMessage("Provider %s is in manual mode. Write %s yourself, then approve.", key, responseRel)
		return e.runGate(ctx, state)
	}

	if result.Response != "" {
		if err := util.AtomicWriteFileString(e.sessionPath(state, responseRel), result.Response, 0o644); err != nil {
			return ferrors.Storage("write response file", err)
		}
		e.trackArtifact(state, responseRel)
	}

	for rel, content := range result.Files {
		codeRel := workflow.CodePath(state.CurrentIteration, rel)
		if content != nil {
			if err := util.AtomicWriteFileString(e.sessionPath(state, codeRel), *content, 0o644); err != nil {
				return ferrors.Storage("write code file", err)
			}
			e.trackArtifact(state, codeRel)
			continue
		}
		// The provider claims it wrote the file directly; verify. A missing
		// file is a warning, not an error; the profile judges acceptability.
		if _, err := os.Stat(e.sessionPath(state, codeRel)); err != nil {
			state.AddMessage("Warning: provider %s reported %s but the file does not exist", key, codeRel)
			continue
		}
		e.trackArtifact(state, codeRel)
	}

	return e.runGate(ctx, state)
}

// retryPrompt appends the rejected response and approver feedback to the
// original prompt so the provider can correct course.
func (e *Engine) retryPrompt(state *workflow.State, prompt string) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n## Previous Attempt Rejected\n\n")

	responseRel, err := workflow.StagePath(state.Phase, workflow.StageResponse, state.CurrentIteration)
	if err == nil {
		if data, readErr := os.ReadFile(e.sessionPath(state, responseRel)); readErr == nil {
			fmt.Fprintf(&b, "### Rejected Response\n\n%s\n\n", strings.TrimRight(string(data), "\n"))
		}
	}
	if state.ApprovalFeedback != "" {
		fmt.Fprintf(&b, "### Reviewer Feedback\n\n%s\n", state.ApprovalFeedback)
	}
	if state.SuggestedContent != "" {
		fmt.Fprintf(&b, "\n### Suggested Content\n\n%s\n", state.SuggestedContent)
	}
	b.WriteString("\nAddress the feedback and produce a corrected response.\n")
	return b.String()
}

// checkVerdict parses the approved review response and branches: PASS
// finalizes the session, FAIL opens the next iteration in REVISE.
func (e *Engine) checkVerdict(ctx context.Context, state *workflow.State) error {
	prof, err := e.profiles.Profile(state.Profile)
	if err != nil {
		return err
	}

	reviewRel, err := workflow.StagePath(workflow.PhaseReview, workflow.StageResponse, state.CurrentIteration)
	if err != nil {
		return e.failInternal(state, err.Error())
	}
	data, err := os.ReadFile(e.sessionPath(state, reviewRel))
	if err != nil {
		return ferrors.Storage("read review response", err)
	}

	verdict, err := prof.ParseReviewVerdict(string(data))
	if err != nil {
		return e.pauseOnProviderError(state, "Verdict parsing", ferrors.Provider(state.Profile, "parse review verdict", err))
	}

	switch verdict {
	case profile.VerdictPass:
		return e.finalize(state)
	case profile.VerdictFail:
		state.CurrentIteration++
		e.emit(state, events.EventIterationStarted, nil)
		e.log.Info("review failed, starting revision",
			"session_id", state.SessionID, "iteration", state.CurrentIteration)
		e.enterPosition(state, workflow.PhaseRevise, workflow.StagePrompt)
		return e.createPrompt(ctx, state)
	default:
		return e.failInternal(state, fmt.Sprintf("unknown review verdict %q", verdict))
	}
}

// finalize moves the session to COMPLETE. The approved plan is mirrored at
// the session root as plan.md if an earlier approval has not done so.
func (e *Engine) finalize(state *workflow.State) error {
	state.Phase = workflow.PhaseComplete
	state.Stage = workflow.StageNone
	state.Status = workflow.StatusSuccess
	state.PendingApproval = false
	state.RetryCount = 0

	planPath := e.sessionPath(state, workflow.PlanFileName)
	if _, err := os.Stat(planPath); err != nil {
		if copyErr := e.copyPlanToRoot(state); copyErr != nil {
			e.log.Warn("plan not mirrored to session root", "session_id", state.SessionID, "error", copyErr)
		}
	}

	e.emit(state, events.EventWorkflowCompleted, nil)
	e.log.Info("session completed", "session_id", state.SessionID, "iterations", state.CurrentIteration)
	state.AddMessage("Workflow complete after %d iteration(s).", state.CurrentIteration)
	return nil
}

// copyPlanToRoot mirrors the planning response to the session root plan.md.
func (e *Engine) copyPlanToRoot(state *workflow.State) error {
	rel, err := workflow.StagePath(workflow.PhasePlan, workflow.StageResponse, 1)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(e.sessionPath(state, rel))
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(e.sessionPath(state, workflow.PlanFileName), data, 0o644)
}

// stageFileExists reports whether the canonical file for the current
// (phase, stage) exists in the current iteration.
func (e *Engine) stageFileExists(state *workflow.State) bool {
	rel, err := workflow.StagePath(state.Phase, state.Stage, state.CurrentIteration)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(e.sessionPath(state, rel))
	return statErr == nil
}

// trackArtifact appends artifact metadata for a newly written file.
func (e *Engine) trackArtifact(state *workflow.State, rel string) {
	state.AppendArtifact(rel)
	e.emit(state, events.EventArtifactCreated, events.ArtifactData{Path: rel})
}

// aiProvider returns a cached AI provider instance, validating it on first use.
func (e *Engine) aiProvider(key string) (provider.AIProvider, error) {
	ai, ok := e.aiCache[key]
	if !ok {
		created, err := e.providers.CreateAI(key)
		if err != nil {
			return nil, err
		}
		ai = created
		e.aiCache[key] = ai
	}
	if !e.aiValidated[key] {
		if err := ai.Validate(); err != nil {
			return nil, err
		}
		e.aiValidated[key] = true
	}
	return ai, nil
}

// pauseOnProviderError converts a provider failure into a paused state:
// last_error set, an actionable message pushed, workflow still IN_PROGRESS.
func (e *Engine) pauseOnProviderError(state *workflow.State, op string, err error) error {
	state.LastError = err.Error()
	state.AddMessage("%s failed: %v. Run `approve` to retry.", op, err)
	e.log.Warn("provider call failed", "session_id", state.SessionID,
		"phase", state.Phase, "stage", state.Stage, "error", err)
	return nil
}
