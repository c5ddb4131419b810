package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderhq/forge/internal/config"
	ferrors "github.com/calderhq/forge/internal/errors"
	"github.com/calderhq/forge/internal/events"
	"github.com/calderhq/forge/internal/profile"
	"github.com/calderhq/forge/internal/provider"
	"github.com/calderhq/forge/internal/session"
	"github.com/calderhq/forge/internal/util"
	"github.com/calderhq/forge/internal/workflow"
)

// fakeProfile builds trivial prompts and reads verdicts from the review
// response text.
type fakeProfile struct {
	name     string
	canRegen bool
}

func (p *fakeProfile) Name() string { return p.name }

func (p *fakeProfile) ContextSchema() profile.Schema {
	return profile.Schema{
		"entity": {Type: profile.FieldString, Required: true},
	}
}

func (p *fakeProfile) Metadata() profile.Metadata {
	return profile.Metadata{CanRegeneratePrompts: p.canRegen}
}

func (p *fakeProfile) BuildPrompt(_ context.Context, req profile.PromptRequest) (*profile.PromptContent, error) {
	body := fmt.Sprintf("Generate %s content for entity %v.", req.Phase, req.Context["entity"])
	if req.Feedback != "" {
		body += "\nFeedback: " + req.Feedback
	}
	return &profile.PromptContent{
		Sections: []profile.Section{{Title: "Task", Body: body}},
	}, nil
}

func (p *fakeProfile) ParseReviewVerdict(content string) (profile.Verdict, error) {
	switch {
	case strings.Contains(content, "VERDICT: FAIL"):
		return profile.VerdictFail, nil
	case strings.Contains(content, "VERDICT: PASS"):
		return profile.VerdictPass, nil
	default:
		return "", fmt.Errorf("no verdict marker in review response")
	}
}

// fakeStandards returns a fixed bundle.
type fakeStandards struct{}

func (fakeStandards) Name() string { return "house-rules" }
func (fakeStandards) Bundle(_ context.Context, profileKey string, _ map[string]any) (string, error) {
	return "# Standards for " + profileKey + "\n", nil
}

// scriptedAI pops canned responses per phase and emits one code file during
// generate and revise. Thread safety is irrelevant here; the engine is
// single-threaded per session.
type scriptedAI struct {
	mu        sync.Mutex
	fs        provider.FSAbility
	responses map[string][]string // phase -> queue of responses
	calls     map[string]int
	errs      []error // popped before any response, nil entries skipped
	manual    bool
}

func newScriptedAI() *scriptedAI {
	return &scriptedAI{
		fs:        provider.FSRead,
		responses: make(map[string][]string),
		calls:     make(map[string]int),
	}
}

func (a *scriptedAI) queue(phase string, responses ...string) {
	a.responses[phase] = append(a.responses[phase], responses...)
}

func (a *scriptedAI) Validate() error { return nil }

func (a *scriptedAI) Generate(_ context.Context, _ string, pctx map[string]any) (*provider.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if a.manual {
		return nil, nil
	}

	phase, _ := pctx["phase"].(string)
	a.calls[phase]++

	response := "canned " + phase + " response"
	if queue := a.responses[phase]; len(queue) > 0 {
		response = queue[0]
		a.responses[phase] = queue[1:]
	}

	result := &provider.Result{Response: response}
	if phase == string(workflow.PhaseGenerate) || phase == string(workflow.PhaseRevise) {
		content := fmt.Sprintf("// %s attempt %d\nclass Foo {}\n", phase, a.calls[phase])
		result.Files = map[string]*string{"src/Foo.java": &content}
	}
	return result, nil
}

func (a *scriptedAI) Metadata() provider.Metadata {
	return provider.Metadata{Name: "canned", FSAbility: a.fs}
}

// scriptedApprover pops scripted decisions; once the script is exhausted it
// approves everything.
type scriptedApprover struct {
	mu        sync.Mutex
	decisions []provider.ApprovalResult
	evals     int
}

func (s *scriptedApprover) Evaluate(_ context.Context, _ workflow.Phase, _ workflow.Stage, _ map[string]*string, _ map[string]any) (*provider.ApprovalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evals++
	if len(s.decisions) == 0 {
		return &provider.ApprovalResult{Decision: workflow.DecisionApproved}, nil
	}
	d := s.decisions[0]
	s.decisions = s.decisions[1:]
	return &d, nil
}

func (s *scriptedApprover) Metadata() provider.Metadata {
	return provider.Metadata{Name: "picky", FSAbility: provider.FSRead}
}

// testRig wires an engine against temp storage with a scripted AI.
type testRig struct {
	engine *Engine
	store  *session.Store
	ai     *scriptedAI
	pub    *events.MemoryPublisher
}

func newTestRig(t *testing.T, cfgYAML string, customize ...func(*provider.Registry, *profile.Registry)) *testRig {
	t.Helper()

	ai := newScriptedAI()
	providers := provider.NewRegistry()
	require.NoError(t, providers.RegisterAI("canned", func() provider.AIProvider { return ai }))

	profiles := profile.NewRegistry()
	require.NoError(t, profiles.RegisterProfile(&fakeProfile{name: "p"}))
	require.NoError(t, profiles.RegisterStandards(fakeStandards{}))

	for _, fn := range customize {
		fn(providers, profiles)
	}

	cfg, err := config.Parse([]byte(cfgYAML))
	require.NoError(t, err)

	store := session.NewStore(t.TempDir())
	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)

	eng := New(Options{
		Store:     store,
		Providers: providers,
		Profiles:  profiles,
		Workflow:  cfg,
		Publisher: pub,
	})
	return &testRig{engine: eng, store: store, ai: ai, pub: pub}
}

const allSkipConfig = `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: skip
`

func initParams() InitParams {
	return InitParams{Profile: "p", Context: map[string]any{"entity": "Foo"}}
}

func TestInitRejectsUnknownProfile(t *testing.T) {
	rig := newTestRig(t, allSkipConfig)
	_, err := rig.engine.InitializeRun(context.Background(), InitParams{Profile: "nope"})
	require.Error(t, err)

	var fe *ferrors.ForgeError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ferrors.CodeProfileUnknown, fe.Code)

	ids, listErr := rig.store.List()
	require.NoError(t, listErr)
	assert.Empty(t, ids, "no session is created on validation failure")
}

func TestInitRejectsBadContext(t *testing.T) {
	rig := newTestRig(t, allSkipConfig)
	_, err := rig.engine.InitializeRun(context.Background(), InitParams{
		Profile: "p",
		Context: map[string]any{"unknown_key": 1},
	})
	require.Error(t, err)

	var fe *ferrors.ForgeError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ferrors.CodeContextInvalid, fe.Code)
}

func TestInitRejectsBadConfig(t *testing.T) {
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: nonexistent
    approval_provider: skip
`)
	_, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.Error(t, err)

	var fe *ferrors.ForgeError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ferrors.CodeConfigInvalid, fe.Code)
}

func TestInitWritesStandardsBundle(t *testing.T) {
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: manual
`)
	params := initParams()
	params.Standards = "house-rules"
	state, err := rig.engine.InitializeRun(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, "house-rules", state.StandardsProvider)
	assert.Len(t, state.StandardsHash, 64)
	data, err := os.ReadFile(filepath.Join(rig.store.Dir(state.SessionID), workflow.StandardsFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Standards for p")
}

func TestStatusIsReadOnly(t *testing.T) {
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: manual
`)
	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)

	statePath := filepath.Join(rig.store.Dir(state.SessionID), workflow.StateFileName)
	before, err := os.ReadFile(statePath)
	require.NoError(t, err)

	first, err := rig.engine.Execute(context.Background(), state.SessionID, workflow.CommandStatus, "")
	require.NoError(t, err)
	second, err := rig.engine.Execute(context.Background(), state.SessionID, workflow.CommandStatus, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	after, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Equal(t, before, after, "status must not rewrite state.json")
}

func TestApproveWithoutPendingIsInvalid(t *testing.T) {
	rig := newTestRig(t, allSkipConfig)
	rig.ai.queue("review", "VERDICT: PASS")
	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)
	require.Equal(t, workflow.PhaseComplete, state.Phase)

	_, err = rig.engine.Execute(context.Background(), state.SessionID, workflow.CommandApprove, "")
	require.Error(t, err)

	var fe *ferrors.ForgeError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ferrors.CodeInvalidCommand, fe.Code)
}

func TestExecuteUnknownSession(t *testing.T) {
	rig := newTestRig(t, allSkipConfig)
	_, err := rig.engine.Execute(context.Background(), "ses-missing1", workflow.CommandStatus, "")
	require.Error(t, err)

	var fe *ferrors.ForgeError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ferrors.CodeSessionNotFound, fe.Code)
}

func TestProviderErrorPausesNotFails(t *testing.T) {
	rig := newTestRig(t, allSkipConfig)
	rig.ai.errs = []error{fmt.Errorf("cli exited 1")}
	rig.ai.queue("review", "VERDICT: PASS")

	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)

	// The failed generate leaves the workflow paused at PLAN[RESPONSE].
	assert.Equal(t, workflow.PhasePlan, state.Phase)
	assert.Equal(t, workflow.StageResponse, state.Stage)
	assert.Equal(t, workflow.StatusInProgress, state.Status)
	assert.Contains(t, state.LastError, "cli exited 1")
	require.NotEmpty(t, state.Messages)
	assert.Contains(t, state.Messages[len(state.Messages)-1], "Run `approve` to retry")

	// approve retries the generation and the run completes.
	state, err = rig.engine.Execute(context.Background(), state.SessionID, workflow.CommandApprove, "")
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseComplete, state.Phase)
	assert.Equal(t, workflow.StatusSuccess, state.Status)
	assert.Empty(t, state.LastError)
}

func TestManualModeStillRunsGate(t *testing.T) {
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: skip
  plan:
    response:
      approval_provider: manual
`)
	rig.ai.manual = true

	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)

	assert.Equal(t, workflow.PhasePlan, state.Phase)
	assert.Equal(t, workflow.StageResponse, state.Stage)
	assert.True(t, state.PendingApproval)
	joined := strings.Join(state.Messages, "\n")
	assert.Contains(t, joined, "manual mode")
}

func TestRetryAtPromptForbiddenWithoutRegenSupport(t *testing.T) {
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: manual
`)
	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)
	require.Equal(t, workflow.StagePrompt, state.Stage)
	require.True(t, state.PendingApproval)

	_, err = rig.engine.Execute(context.Background(), state.SessionID, workflow.CommandRetry, "")
	require.Error(t, err)

	var fe *ferrors.ForgeError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ferrors.CodeInvalidCommand, fe.Code)
}

func TestRetryAtPromptWithRegenSupport(t *testing.T) {
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: manual
`, func(_ *provider.Registry, profiles *profile.Registry) {
		require.NoError(t, profiles.RegisterProfile(&fakeProfile{name: "regen", canRegen: true}))
	})

	state, err := rig.engine.InitializeRun(context.Background(), InitParams{
		Profile: "regen", Context: map[string]any{"entity": "Foo"},
	})
	require.NoError(t, err)
	require.True(t, state.PendingApproval)

	state, err = rig.engine.Execute(context.Background(), state.SessionID, workflow.CommandRetry, "tighten the scope")
	require.NoError(t, err)

	// Prompt regenerated with feedback, gate pends again.
	assert.Equal(t, workflow.StagePrompt, state.Stage)
	assert.True(t, state.PendingApproval)

	promptPath := filepath.Join(rig.store.Dir(state.SessionID), "iteration-1", "planning-prompt.md")
	data, err := os.ReadFile(promptPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tighten the scope")
}

func TestPromptHashingFlag(t *testing.T) {
	rig := newTestRig(t, `
workflow:
  hash_prompts: true
  defaults:
    ai_provider: canned
    approval_provider: skip
`)
	rig.ai.queue("review", "VERDICT: PASS")

	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)
	require.Equal(t, workflow.PhaseComplete, state.Phase)

	require.NotEmpty(t, state.PromptHashes)
	for path, sum := range state.PromptHashes {
		assert.Contains(t, path, "-prompt.md")
		assert.Len(t, sum, 64)
	}
}

func TestHashesCaptureUserEdits(t *testing.T) {
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: canned
    approval_provider: manual
`)
	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)
	require.True(t, state.PendingApproval)

	// Edit the prompt before approving; the recorded hash must match the
	// edited file, not the generated one.
	promptPath := filepath.Join(rig.store.Dir(state.SessionID), "iteration-1", "planning-prompt.md")
	require.NoError(t, os.WriteFile(promptPath, []byte("my edited prompt\n"), 0o644))

	state, err = rig.engine.Execute(context.Background(), state.SessionID, workflow.CommandApprove, "")
	require.NoError(t, err)

	a := state.FindArtifact(filepath.Join("iteration-1", "planning-prompt.md"))
	require.NotNil(t, a)
	assert.Equal(t, util.HashBytes([]byte("my edited prompt\n")), a.SHA256)
}

func TestMissingProviderWrittenFileWarns(t *testing.T) {
	rig := newTestRig(t, `
workflow:
  defaults:
    ai_provider: liar
    approval_provider: manual
`, func(providers *provider.Registry, _ *profile.Registry) {
		require.NoError(t, providers.RegisterAI("liar", func() provider.AIProvider {
			return &lyingAI{}
		}))
	})

	state, err := rig.engine.InitializeRun(context.Background(), initParams())
	require.NoError(t, err)
	require.True(t, state.PendingApproval)

	// Approve the plan prompt, plan response, then the generate prompt; the
	// generate response comes from the lying provider.
	for i := 0; i < 3; i++ {
		state, err = rig.engine.Execute(context.Background(), state.SessionID, workflow.CommandApprove, "")
		require.NoError(t, err)
	}

	require.Equal(t, workflow.PhaseGenerate, state.Phase)
	require.Equal(t, workflow.StageResponse, state.Stage)
	joined := strings.Join(state.Messages, "\n")
	assert.Contains(t, joined, "does not exist")
}

// lyingAI reports a directly written file that it never writes.
type lyingAI struct{}

func (lyingAI) Validate() error { return nil }
func (lyingAI) Generate(_ context.Context, _ string, _ map[string]any) (*provider.Result, error) {
	return &provider.Result{
		Response: "done",
		Files:    map[string]*string{"src/Ghost.java": nil},
	}, nil
}
func (lyingAI) Metadata() provider.Metadata {
	return provider.Metadata{Name: "liar", FSAbility: provider.FSLocalWrite}
}
