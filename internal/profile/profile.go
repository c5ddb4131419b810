// Package profile defines the contracts the engine consumes from domain
// plugins: the Profile that builds prompts and parses responses, and the
// StandardsProvider that bundles coding standards. Concrete profiles live
// outside the engine and register themselves at startup.
package profile

import (
	"context"

	"github.com/calderhq/forge/internal/workflow"
)

// Metadata describes static profile capabilities.
type Metadata struct {
	// CanRegeneratePrompts allows the engine to auto-retry a rejected
	// PROMPT stage by asking the profile to rebuild the prompt with
	// feedback. Profiles that render prompts deterministically from
	// context leave this false.
	CanRegeneratePrompts bool
}

// PromptRequest carries everything a profile may draw on to build a prompt.
type PromptRequest struct {
	Phase     workflow.Phase
	Iteration int
	// Context is the session's opaque parameter map.
	Context map[string]any
	// PreviousResponses maps phase name to the latest approved response
	// content for that phase.
	PreviousResponses map[string]string
	// Standards is the content of the session's standards bundle.
	Standards string
	// Feedback is the last rejection feedback, empty on first build.
	Feedback string
	// SuggestedContent is an approver rewrite hint, when present.
	SuggestedContent string
}

// PromptContent is a profile's output for one prompt. Either Raw is set, or
// Sections carries ordered titled sections the engine assembles.
type PromptContent struct {
	Raw      string
	Sections []Section
}

// Section is one titled block of prompt content.
type Section struct {
	Title string
	Body  string
}

// Verdict is the parsed outcome of a review response.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Profile generates prompts and parses responses for a specific domain.
// Profiles never hold a reference to the engine.
type Profile interface {
	// Name returns the registry key, e.g. "jpa-mt".
	Name() string

	// ContextSchema declares the fields the session context must satisfy.
	ContextSchema() Schema

	// Metadata returns static capability flags.
	Metadata() Metadata

	// BuildPrompt produces prompt content for a phase.
	BuildPrompt(ctx context.Context, req PromptRequest) (*PromptContent, error)

	// ParseReviewVerdict extracts PASS or FAIL from a review response.
	ParseReviewVerdict(content string) (Verdict, error)
}

// StandardsProvider produces the standards bundle written once per session.
type StandardsProvider interface {
	Name() string
	// Bundle returns the standards document for a profile and context.
	Bundle(ctx context.Context, profileKey string, sessionContext map[string]any) (string, error)
}
