package workflow

import (
	"fmt"
	"time"
)

// Artifact is metadata for one on-disk file produced by the workflow.
// Content is never stored in state; the path is relative to the session dir.
type Artifact struct {
	Path      string    `json:"path"`
	Phase     Phase     `json:"phase"`
	Iteration int       `json:"iteration"`
	// SHA256 is empty until the artifact's stage is approved.
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// State is the authoritative persisted record of a session.
// It serializes to sessions/<id>/state.json; enums are lowercase strings
// and timestamps are RFC 3339 in UTC.
type State struct {
	SessionID string `json:"session_id"`
	Profile   string `json:"profile"`

	Phase  Phase  `json:"phase"`
	Stage  Stage  `json:"stage,omitempty"`
	Status Status `json:"status"`

	// CurrentIteration is 1-based and increments exactly once per FAIL
	// review verdict, on the transition into REVISE.
	CurrentIteration int `json:"current_iteration"`

	// Context holds profile-specific parameters. The engine stores and
	// forwards it without interpreting it, beyond the one-time schema
	// validation at init.
	Context map[string]any `json:"context,omitempty"`

	// AIProviders maps phase name to provider key, snapshotted at init.
	AIProviders map[string]string `json:"ai_providers,omitempty"`

	StandardsProvider string `json:"standards_provider,omitempty"`
	// StandardsHash is set once at init over the standards bundle.
	StandardsHash string `json:"standards_hash,omitempty"`

	PlanHash   string `json:"plan_hash,omitempty"`
	ReviewHash string `json:"review_hash,omitempty"`

	// PromptHashes records prompt-file hashes when hash_prompts is on,
	// keyed by artifact path.
	PromptHashes map[string]string `json:"prompt_hashes,omitempty"`

	// Artifacts is append-only.
	Artifacts []Artifact `json:"artifacts"`

	PendingApproval  bool   `json:"pending_approval"`
	ApprovalFeedback string `json:"approval_feedback,omitempty"`
	SuggestedContent string `json:"suggested_content,omitempty"`

	// RetryCount counts consecutive auto-retries within the current stage
	// and resets to 0 on every stage change.
	RetryCount int `json:"retry_count"`

	LastError string `json:"last_error,omitempty"`

	// Messages are per-command transient user-facing messages, cleared at
	// the start of each command.
	Messages []string `json:"messages,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState creates a state in INIT with iteration 1.
func NewState(sessionID, profileKey string) *State {
	now := time.Now().UTC()
	return &State{
		SessionID:        sessionID,
		Profile:          profileKey,
		Phase:            PhaseInit,
		Status:           StatusInProgress,
		CurrentIteration: 1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// AddMessage appends a user-facing message for the current command.
func (s *State) AddMessage(format string, args ...any) {
	s.Messages = append(s.Messages, fmt.Sprintf(format, args...))
}

// ClearMessages drops messages from the previous command.
func (s *State) ClearMessages() {
	s.Messages = nil
}

// AppendArtifact records a newly written file with an empty hash.
func (s *State) AppendArtifact(path string) *Artifact {
	s.Artifacts = append(s.Artifacts, Artifact{
		Path:      path,
		Phase:     s.Phase,
		Iteration: s.CurrentIteration,
		CreatedAt: time.Now().UTC(),
	})
	return &s.Artifacts[len(s.Artifacts)-1]
}

// FindArtifact returns the most recent artifact with the given path, or nil.
func (s *State) FindArtifact(path string) *Artifact {
	for i := len(s.Artifacts) - 1; i >= 0; i-- {
		if s.Artifacts[i].Path == path {
			return &s.Artifacts[i]
		}
	}
	return nil
}

// Validate checks structural invariants of the state.
func (s *State) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("state has no session_id")
	}
	if !IsValidPhase(s.Phase) {
		return fmt.Errorf("invalid phase %q", s.Phase)
	}
	if !IsValidStage(s.Stage) {
		return fmt.Errorf("invalid stage %q", s.Stage)
	}
	if !IsValidStatus(s.Status) {
		return fmt.Errorf("invalid status %q", s.Status)
	}
	// Stage is non-empty exactly when the phase is active.
	if s.Phase.IsActive() && s.Stage == StageNone {
		return fmt.Errorf("phase %s requires a stage", s.Phase)
	}
	if !s.Phase.IsActive() && s.Stage != StageNone {
		return fmt.Errorf("phase %s must not carry a stage", s.Phase)
	}
	if s.CurrentIteration < 1 {
		return fmt.Errorf("current_iteration %d < 1", s.CurrentIteration)
	}
	if s.RetryCount < 0 {
		return fmt.Errorf("retry_count %d < 0", s.RetryCount)
	}
	for _, a := range s.Artifacts {
		if a.SHA256 != "" && !isHexSHA256(a.SHA256) {
			return fmt.Errorf("artifact %s: malformed sha256 %q", a.Path, a.SHA256)
		}
	}
	return nil
}

func isHexSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
