package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/calderhq/forge/internal/config"
	ferrors "github.com/calderhq/forge/internal/errors"
	"github.com/calderhq/forge/internal/events"
	"github.com/calderhq/forge/internal/provider"
	"github.com/calderhq/forge/internal/util"
	"github.com/calderhq/forge/internal/workflow"
)

// runGate evaluates the approval gate for the current (phase, stage).
// APPROVED auto-continues, PENDING pauses, REJECTED retries or pauses per
// policy. Approver failures land in last_error and never fail the command.
func (e *Engine) runGate(ctx context.Context, state *workflow.State) error {
	stageCfg := e.workflow.Resolve(state.Phase, state.Stage)

	approver, err := e.approver(state, stageCfg)
	if err != nil {
		return e.pauseOnProviderError(state, "Approval", err)
	}

	files, err := e.gateFiles(state, approver.Metadata().FSAbility)
	if err != nil {
		return err
	}

	pctx := map[string]any{
		"session_dir": e.store.Dir(state.SessionID),
		"phase":       string(state.Phase),
		"stage":       string(state.Stage),
		"iteration":   state.CurrentIteration,
	}

	gateCtx, cancel := context.WithTimeout(ctx, approver.Metadata().Timeout())
	result, evalErr := approver.Evaluate(gateCtx, state.Phase, state.Stage, files, pctx)
	cancel()
	if evalErr != nil {
		return e.pauseOnProviderError(state, "Approval",
			ferrors.Provider(stageCfg.ApprovalProvider, "evaluate", evalErr))
	}

	switch result.Decision {
	case workflow.DecisionApproved:
		return e.approveCurrentStage(ctx, state, stageCfg.ApprovalProvider)
	case workflow.DecisionPending:
		state.PendingApproval = true
		if result.Feedback != "" {
			state.AddMessage("%s", result.Feedback)
		}
		state.AddMessage("Awaiting approval at %s[%s]. Run `forge approve` or `forge reject`.",
			state.Phase, state.Stage)
		e.emit(state, events.EventApprovalRequired,
			events.ApprovalData{Provider: stageCfg.ApprovalProvider, Feedback: result.Feedback})
		return nil
	case workflow.DecisionRejected:
		return e.handleRejection(ctx, state, stageCfg, result)
	default:
		return e.failInternal(state, fmt.Sprintf("approver returned unknown decision %q", result.Decision))
	}
}

// approveCurrentStage runs the shared approval path: hash the stage's
// files, clear approval bookkeeping, and continue. Used both when a gate
// returns APPROVED and when the user approves a pending gate.
func (e *Engine) approveCurrentStage(ctx context.Context, state *workflow.State, approvedBy string) error {
	if err := e.approvalBookkeeping(state); err != nil {
		return err
	}

	state.PendingApproval = false
	state.ApprovalFeedback = ""
	state.SuggestedContent = ""
	state.LastError = ""
	state.RetryCount = 0

	e.emit(state, events.EventApprovalGranted, events.ApprovalData{Provider: approvedBy})
	return e.autoContinue(ctx, state)
}

// approvalBookkeeping performs the per-stage hashing done at approval time.
// Hashing is deferred to here deliberately so user edits made between
// generation and approval are captured.
func (e *Engine) approvalBookkeeping(state *workflow.State) error {
	rel, err := workflow.StagePath(state.Phase, state.Stage, state.CurrentIteration)
	if err != nil {
		return e.failInternal(state, err.Error())
	}

	stageHash := e.hashArtifact(state, rel)

	switch state.Stage {
	case workflow.StagePrompt:
		if stageHash != "" && e.workflow.HashPrompts {
			if state.PromptHashes == nil {
				state.PromptHashes = make(map[string]string)
			}
			state.PromptHashes[rel] = stageHash
		}
	case workflow.StageResponse:
		switch state.Phase {
		case workflow.PhasePlan:
			state.PlanHash = stageHash
			if err := e.copyPlanToRoot(state); err != nil {
				return ferrors.Storage("copy plan to session root", err)
			}
		case workflow.PhaseReview:
			state.ReviewHash = stageHash
		case workflow.PhaseGenerate, workflow.PhaseRevise:
			if err := e.hashCodeFiles(state); err != nil {
				return err
			}
		}
	}
	return nil
}

// hashArtifact hashes one session-relative file and records the digest on
// its artifact entry. Re-approval of an already hashed file that changed
// emits ARTIFACT_CHANGED; it never blocks.
func (e *Engine) hashArtifact(state *workflow.State, rel string) string {
	sum, err := util.HashFile(e.sessionPath(state, rel))
	if err != nil {
		e.log.Warn("artifact not hashed", "session_id", state.SessionID, "path", rel, "error", err)
		return ""
	}

	if a := state.FindArtifact(rel); a != nil {
		if a.SHA256 != "" && a.SHA256 != sum {
			e.emit(state, events.EventArtifactChanged, events.ArtifactData{Path: rel, SHA256: sum})
			e.log.Info("artifact changed since last approval", "session_id", state.SessionID, "path", rel)
		}
		a.SHA256 = sum
	}
	e.emit(state, events.EventArtifactApproved, events.ArtifactData{Path: rel, SHA256: sum})
	return sum
}

// hashCodeFiles hashes every file under the current iteration's code dir.
func (e *Engine) hashCodeFiles(state *workflow.State) error {
	codeDir := e.sessionPath(state, filepath.Join(workflow.IterationDir(state.CurrentIteration), workflow.CodeDirName))
	entries, err := collectFiles(codeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ferrors.Storage("walk code directory", err)
	}
	for _, abs := range entries {
		rel, err := filepath.Rel(e.store.Dir(state.SessionID), abs)
		if err != nil {
			continue
		}
		if state.FindArtifact(rel) == nil {
			// User-added file; track it so the hash has a home.
			state.AppendArtifact(rel)
		}
		e.hashArtifact(state, rel)
	}
	return nil
}

// collectFiles returns all regular files under dir.
func collectFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// gateFiles builds the files map for the current gate. Keys are
// session-relative paths; values are file contents when the approver cannot
// read the filesystem, nil otherwise.
func (e *Engine) gateFiles(state *workflow.State, ability provider.FSAbility) (map[string]*string, error) {
	paths, err := e.gatePaths(state)
	if err != nil {
		return nil, err
	}

	files := make(map[string]*string, len(paths))
	for _, rel := range paths {
		if ability != provider.FSNone {
			files[rel] = nil
			continue
		}
		data, err := os.ReadFile(e.sessionPath(state, rel))
		if err != nil {
			return nil, ferrors.Storage(fmt.Sprintf("read gate file %s", rel), err)
		}
		content := string(data)
		files[rel] = &content
	}
	return files, nil
}

// gatePaths lists the session-relative files each gate evaluates. The set
// per (phase, stage) is a locked contract.
func (e *Engine) gatePaths(state *workflow.State) ([]string, error) {
	n := state.CurrentIteration
	promptRel, err := workflow.StagePath(state.Phase, workflow.StagePrompt, n)
	if err != nil {
		return nil, e.failInternal(state, err.Error())
	}

	var paths []string
	add := func(rel string) {
		if _, statErr := os.Stat(e.sessionPath(state, rel)); statErr == nil {
			paths = append(paths, rel)
		}
	}
	addCode := func(iteration int) {
		codeGlob := filepath.Join(workflow.IterationDir(iteration), workflow.CodeDirName, "**")
		matches, globErr := doublestar.Glob(os.DirFS(e.store.Dir(state.SessionID)), filepath.ToSlash(codeGlob))
		if globErr != nil {
			return
		}
		for _, m := range matches {
			if info, statErr := os.Stat(e.sessionPath(state, m)); statErr == nil && !info.IsDir() {
				paths = append(paths, m)
			}
		}
	}

	add(promptRel)
	switch {
	case state.Stage == workflow.StagePrompt && state.Phase == workflow.PhaseGenerate:
		add(workflow.PlanFileName)
	case state.Stage == workflow.StagePrompt && state.Phase == workflow.PhaseReview:
		addCode(n)
	case state.Stage == workflow.StagePrompt && state.Phase == workflow.PhaseRevise:
		// The revision prompt is judged against the review and code that
		// failed, which live in the previous iteration.
		if n > 1 {
			prevReview, revErr := workflow.StagePath(workflow.PhaseReview, workflow.StageResponse, n-1)
			if revErr == nil {
				add(prevReview)
			}
			addCode(n - 1)
		}
	case state.Stage == workflow.StageResponse:
		switch state.Phase {
		case workflow.PhaseGenerate, workflow.PhaseRevise:
			addCode(n)
		default:
			responseRel, respErr := workflow.StagePath(state.Phase, workflow.StageResponse, n)
			if respErr != nil {
				return nil, e.failInternal(state, respErr.Error())
			}
			add(responseRel)
		}
	}
	return paths, nil
}

// handleRejection applies the rejection policy: store feedback, bump the
// retry count, and either auto-retry, regenerate the prompt, or pause.
// Exhausted retries pause with pending_approval; the workflow never goes to
// ERROR over a rejection.
func (e *Engine) handleRejection(ctx context.Context, state *workflow.State, stageCfg config.StageConfig, result *provider.ApprovalResult) error {
	state.ApprovalFeedback = result.Feedback
	if stageCfg.ApprovalAllowRewrite {
		state.SuggestedContent = result.SuggestedContent
	} else {
		state.SuggestedContent = ""
	}
	state.RetryCount++
	e.emit(state, events.EventApprovalRejected,
		events.ApprovalData{Provider: stageCfg.ApprovalProvider, Feedback: result.Feedback})

	if state.RetryCount > stageCfg.ApprovalMaxRetries {
		state.PendingApproval = true
		state.AddMessage("Approver rejected %d time(s), retries exhausted: %s",
			state.RetryCount, result.Feedback)
		state.AddMessage("Run `forge retry` to try again or `forge reject` to record feedback.")
		e.emit(state, events.EventApprovalRequired,
			events.ApprovalData{Provider: stageCfg.ApprovalProvider, Feedback: result.Feedback})
		return nil
	}

	switch state.Stage {
	case workflow.StageResponse:
		e.log.Info("gate rejected, retrying generation", "session_id", state.SessionID,
			"phase", state.Phase, "retry", state.RetryCount)
		return e.callAI(ctx, state, true)
	case workflow.StagePrompt:
		prof, err := e.profiles.Profile(state.Profile)
		if err != nil {
			return err
		}
		if prof.Metadata().CanRegeneratePrompts {
			e.log.Info("gate rejected, regenerating prompt", "session_id", state.SessionID,
				"phase", state.Phase, "retry", state.RetryCount)
			return e.createPrompt(ctx, state)
		}
		state.PendingApproval = true
		state.AddMessage("Approver rejected the prompt: %s", result.Feedback)
		e.emit(state, events.EventApprovalRequired,
			events.ApprovalData{Provider: stageCfg.ApprovalProvider, Feedback: result.Feedback})
		return nil
	default:
		return e.failInternal(state, fmt.Sprintf("rejection at stageless position %s", state.Phase))
	}
}

// approver returns a cached approval provider for the stage config.
func (e *Engine) approver(state *workflow.State, stageCfg config.StageConfig) (provider.ApprovalProvider, error) {
	cacheKey := fmt.Sprintf("%s/%s/%s", state.Phase, state.Stage, stageCfg.ApprovalProvider)
	if a, ok := e.approverCache[cacheKey]; ok {
		return a, nil
	}

	cfg := stageCfg.ApproverConfig
	if stageCfg.ApprovalAllowRewrite {
		merged := make(map[string]any, len(cfg)+1)
		for k, v := range cfg {
			merged[k] = v
		}
		merged["allow_rewrite"] = true
		cfg = merged
	}

	a, err := e.providers.CreateApproval(stageCfg.ApprovalProvider, cfg)
	if err != nil {
		return nil, err
	}
	e.approverCache[cacheKey] = a
	return a, nil
}
