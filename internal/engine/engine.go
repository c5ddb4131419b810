// Package engine is the orchestrator: it executes workflow commands, runs
// actions, evaluates approval gates, and auto-continues through approved
// stages. It is single-threaded per session; a command runs until the
// workflow pauses or reaches a terminal phase, then persists and returns.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/calderhq/forge/internal/config"
	ferrors "github.com/calderhq/forge/internal/errors"
	"github.com/calderhq/forge/internal/events"
	"github.com/calderhq/forge/internal/profile"
	"github.com/calderhq/forge/internal/provider"
	"github.com/calderhq/forge/internal/session"
	"github.com/calderhq/forge/internal/transition"
	"github.com/calderhq/forge/internal/util"
	"github.com/calderhq/forge/internal/workflow"
)

// Options carries the engine's injected dependencies.
type Options struct {
	Store     *session.Store
	Guard     *session.Guard
	Providers *provider.Registry
	Profiles  *profile.Registry
	Workflow  *config.Workflow
	Publisher events.Publisher
	Logger    *slog.Logger
}

// Engine drives workflow sessions. One engine may serve many sessions; the
// per-session guard serializes commands on each.
type Engine struct {
	store     *session.Store
	guard     *session.Guard
	providers *provider.Registry
	profiles  *profile.Registry
	workflow  *config.Workflow
	pub       events.Publisher
	log       *slog.Logger

	// Provider instances are cached per engine so a session-long run reuses
	// them across chained gates.
	aiCache       map[string]provider.AIProvider
	aiValidated   map[string]bool
	approverCache map[string]provider.ApprovalProvider
}

// New creates an engine from options. Store, Providers, Profiles and
// Workflow are required; the rest default sensibly.
func New(opts Options) *Engine {
	pub := opts.Publisher
	if pub == nil {
		pub = events.NopPublisher{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	guard := opts.Guard
	if guard == nil {
		guard = session.NewGuard(opts.Store, "")
	}
	return &Engine{
		store:         opts.Store,
		guard:         guard,
		providers:     opts.Providers,
		profiles:      opts.Profiles,
		workflow:      opts.Workflow,
		pub:           pub,
		log:           log,
		aiCache:       make(map[string]provider.AIProvider),
		aiValidated:   make(map[string]bool),
		approverCache: make(map[string]provider.ApprovalProvider),
	}
}

// InitParams are the inputs to a new session.
type InitParams struct {
	Profile string
	Context map[string]any
	// Standards names a registered standards provider; empty means the
	// session runs without a standards bundle.
	Standards string
}

// InitializeRun creates a new session, writes the standards bundle, and
// drives the workflow from INIT into PLAN[PROMPT] and onward through any
// auto-approving gates. Validation failures surface before any session
// directory is created.
func (e *Engine) InitializeRun(ctx context.Context, params InitParams) (*workflow.State, error) {
	prof, err := e.profiles.Profile(params.Profile)
	if err != nil {
		return nil, err
	}
	if err := prof.ContextSchema().ValidateContext(params.Context); err != nil {
		return nil, err
	}
	if err := e.workflow.Validate(e.providers); err != nil {
		return nil, err
	}

	var standards profile.StandardsProvider
	if params.Standards != "" {
		standards, err = e.profiles.Standards(params.Standards)
		if err != nil {
			return nil, err
		}
	}

	id := session.NewID(e.store)
	state := workflow.NewState(id, params.Profile)
	state.Context = params.Context
	state.AIProviders = e.workflow.AIProviderSnapshot()

	dir := e.store.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ferrors.Storage("create session directory", err)
	}

	if standards != nil {
		bundle, err := standards.Bundle(ctx, params.Profile, params.Context)
		if err != nil {
			return nil, ferrors.Provider(params.Standards, "standards bundle", err)
		}
		path := e.sessionPath(state, workflow.StandardsFileName)
		if err := util.AtomicWriteFileString(path, bundle, 0o644); err != nil {
			return nil, ferrors.Storage("write standards bundle", err)
		}
		state.StandardsProvider = params.Standards
		state.StandardsHash = util.HashBytes([]byte(bundle))
	}

	if err := e.guard.Acquire(id); err != nil {
		return nil, err
	}
	defer e.releaseGuard(id)

	e.log.Info("session initialized", "session_id", id, "profile", params.Profile)

	tr, ok := transition.Lookup(state.Phase, state.Stage, workflow.CommandInit)
	if !ok {
		return nil, ferrors.Internal("no transition out of init")
	}
	e.enterPosition(state, tr.NextPhase, tr.NextStage)
	if err := e.runAction(ctx, state, tr.Action); err != nil {
		return nil, err
	}

	if err := e.store.Save(state); err != nil {
		return nil, err
	}
	return state, nil
}

// Execute runs one command against an existing session.
func (e *Engine) Execute(ctx context.Context, sessionID string, command workflow.Command, arg string) (*workflow.State, error) {
	if !workflow.IsValidCommand(command) {
		return nil, ferrors.InvalidCommand(string(command), "", "")
	}

	// status is read-only and bypasses the guard.
	if command == workflow.CommandStatus {
		return e.store.Load(sessionID)
	}

	// Check existence before the guard so a bad ID does not leave a stray
	// session directory behind.
	if !e.store.Exists(sessionID) {
		return nil, ferrors.SessionNotFound(sessionID)
	}

	if err := e.guard.Acquire(sessionID); err != nil {
		return nil, err
	}
	defer e.releaseGuard(sessionID)

	state, err := e.store.Load(sessionID)
	if err != nil {
		return nil, err
	}

	state.ClearMessages()

	switch command {
	case workflow.CommandApprove:
		err = e.handleApprove(ctx, state)
	case workflow.CommandReject:
		err = e.handleReject(state, arg)
	case workflow.CommandRetry:
		err = e.handleRetry(ctx, state, arg)
	case workflow.CommandCancel:
		err = e.handleCancel(state)
	default:
		err = ferrors.InvalidCommand(string(command), string(state.Phase), string(state.Stage))
	}
	if err != nil {
		return nil, err
	}

	if err := e.store.Save(state); err != nil {
		return nil, err
	}
	return state, nil
}

// handleApprove resolves a pending approval or retries after a provider
// failure. Approving a gate runs the same bookkeeping the gate's own
// APPROVED outcome would, then auto-continues.
func (e *Engine) handleApprove(ctx context.Context, state *workflow.State) error {
	if state.LastError != "" {
		// Retry path: re-run whatever failed. A RESPONSE stage with no
		// response file on disk failed in generation, not in its gate.
		state.LastError = ""
		if state.Stage == workflow.StageResponse && !e.stageFileExists(state) {
			return e.callAI(ctx, state, false)
		}
		return e.runGate(ctx, state)
	}
	if !state.PendingApproval {
		return ferrors.InvalidCommand("approve", string(state.Phase), string(state.Stage))
	}
	state.PendingApproval = false
	return e.approveCurrentStage(ctx, state, "user")
}

// handleReject records feedback and pauses on the same position.
func (e *Engine) handleReject(state *workflow.State, feedback string) error {
	if !state.PendingApproval {
		return ferrors.InvalidCommand("reject", string(state.Phase), string(state.Stage))
	}
	if _, ok := transition.Lookup(state.Phase, state.Stage, workflow.CommandReject); !ok {
		return ferrors.InvalidCommand("reject", string(state.Phase), string(state.Stage))
	}
	state.ApprovalFeedback = feedback
	state.PendingApproval = false
	e.emit(state, events.EventApprovalRejected, events.ApprovalData{Provider: "user", Feedback: feedback})
	state.AddMessage("Rejected. Run `forge retry` to regenerate with your feedback.")
	return nil
}

// handleRetry re-executes the generating action for the current stage.
func (e *Engine) handleRetry(ctx context.Context, state *workflow.State, feedback string) error {
	if !state.PendingApproval && state.LastError == "" && state.ApprovalFeedback == "" {
		return ferrors.InvalidCommand("retry", string(state.Phase), string(state.Stage))
	}
	if _, ok := transition.Lookup(state.Phase, state.Stage, workflow.CommandRetry); !ok {
		return ferrors.InvalidCommand("retry", string(state.Phase), string(state.Stage))
	}
	if feedback != "" {
		state.ApprovalFeedback = feedback
	}
	state.PendingApproval = false
	state.LastError = ""

	switch state.Stage {
	case workflow.StageResponse:
		return e.callAI(ctx, state, true)
	case workflow.StagePrompt:
		prof, err := e.profiles.Profile(state.Profile)
		if err != nil {
			return err
		}
		if !prof.Metadata().CanRegeneratePrompts {
			return ferrors.InvalidCommand("retry", string(state.Phase), string(state.Stage))
		}
		return e.createPrompt(ctx, state)
	default:
		return ferrors.InvalidCommand("retry", string(state.Phase), string(state.Stage))
	}
}

// handleCancel moves the session to the CANCELLED terminal.
func (e *Engine) handleCancel(state *workflow.State) error {
	tr, ok := transition.Lookup(state.Phase, state.Stage, workflow.CommandCancel)
	if !ok {
		return ferrors.InvalidCommand("cancel", string(state.Phase), string(state.Stage))
	}
	state.Phase = tr.NextPhase
	state.Stage = tr.NextStage
	state.Status = workflow.StatusCancelled
	state.PendingApproval = false
	e.emit(state, events.EventWorkflowCancelled, nil)
	e.log.Info("session cancelled", "session_id", state.SessionID)
	return nil
}

// autoContinue advances past an approved stage: look up the transition,
// move, and execute the next action. The next action runs its own gate,
// which may approve and continue again; a fully auto-approving config runs
// init to COMPLETE in one command.
func (e *Engine) autoContinue(ctx context.Context, state *workflow.State) error {
	tr, ok := transition.Lookup(state.Phase, state.Stage, workflow.CommandApprove)
	if !ok {
		return e.failInternal(state, fmt.Sprintf("no approve transition from %s[%s]", state.Phase, state.Stage))
	}
	if tr.Action != workflow.ActionCheckVerdict {
		e.enterPosition(state, tr.NextPhase, tr.NextStage)
	}
	return e.runAction(ctx, state, tr.Action)
}

// runAction executes one orchestrator action. Actions that create content
// run their gate before returning.
func (e *Engine) runAction(ctx context.Context, state *workflow.State, action workflow.Action) error {
	switch action {
	case workflow.ActionCreatePrompt:
		return e.createPrompt(ctx, state)
	case workflow.ActionCallAI:
		return e.callAI(ctx, state, false)
	case workflow.ActionCheckVerdict:
		return e.checkVerdict(ctx, state)
	case workflow.ActionFinalize:
		return e.finalize(state)
	case workflow.ActionHalt, workflow.ActionRetry:
		return nil
	default:
		return e.failInternal(state, fmt.Sprintf("unknown action %q", action))
	}
}

// enterPosition moves the state to a new (phase, stage). Retry counts are
// scoped to a stage and reset on every move.
func (e *Engine) enterPosition(state *workflow.State, phase workflow.Phase, stage workflow.Stage) {
	phaseChanged := state.Phase != phase
	state.Phase = phase
	state.Stage = stage
	state.RetryCount = 0
	if phaseChanged {
		e.emit(state, events.EventPhaseEntered, nil)
		e.log.Info("phase entered", "session_id", state.SessionID, "phase", phase, "stage", stage)
	}
}

// failInternal records an invariant violation as a workflow error and
// surfaces it to the caller. The state is saved so the failure is visible
// in later status calls.
func (e *Engine) failInternal(state *workflow.State, what string) error {
	err := ferrors.Internal(what)
	state.Status = workflow.StatusError
	state.LastError = err.Error()
	e.emit(state, events.EventWorkflowFailed, map[string]any{"error": what})
	if saveErr := e.store.Save(state); saveErr != nil {
		e.log.Error("state not saved after internal error", "session_id", state.SessionID, "error", saveErr)
	}
	return err
}

// emit publishes an engine event. Observers must not break the engine;
// panics are recovered and logged.
func (e *Engine) emit(state *workflow.State, typ events.EventType, data any) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("event observer panicked", "event_type", typ, "error", r)
		}
	}()
	e.pub.Publish(events.Event{
		Type:      typ,
		SessionID: state.SessionID,
		Phase:     string(state.Phase),
		Stage:     string(state.Stage),
		Iteration: state.CurrentIteration,
		Data:      data,
		Time:      time.Now().UTC(),
	})
}

func (e *Engine) releaseGuard(sessionID string) {
	if err := e.guard.Release(sessionID); err != nil {
		e.log.Warn("session guard not released", "session_id", sessionID, "error", err)
	}
}
