// Package provider defines the AI and approval provider contracts, their
// registries, and the factory that wraps AI providers as approvers.
// Concrete AI integrations (SDKs, subprocess drivers) live outside the
// engine and register themselves at startup.
package provider

import (
	"context"
	"time"

	"github.com/calderhq/forge/internal/workflow"
)

// FSAbility is a provider's self-declared filesystem access level.
type FSAbility string

const (
	// FSNone means the engine must inline file contents for the provider.
	FSNone FSAbility = "none"
	// FSRead means the provider reads files from disk on its own.
	FSRead FSAbility = "read"
	// FSLocalWrite means the provider may also create or modify files.
	FSLocalWrite FSAbility = "local-write"
)

// DefaultResponseTimeout applies when a provider declares none.
const DefaultResponseTimeout = 5 * time.Minute

// Metadata is a provider's static descriptor.
type Metadata struct {
	Name            string
	FSAbility       FSAbility
	ResponseTimeout time.Duration
	// ConfigKeys lists the approver_config keys the provider understands.
	ConfigKeys []string
}

// Timeout returns the declared response timeout or the default.
func (m Metadata) Timeout() time.Duration {
	if m.ResponseTimeout > 0 {
		return m.ResponseTimeout
	}
	return DefaultResponseTimeout
}

// Result is an AI provider's output for one generate call.
type Result struct {
	// Response is the textual response; written to the canonical response
	// file when non-empty.
	Response string
	// Files maps relative code paths to content. A nil value means the
	// provider wrote the file directly via its own tooling; the engine
	// only verifies it exists.
	Files map[string]*string
}

// AIProvider generates content from prompts.
type AIProvider interface {
	// Validate reports whether the provider is usable (CLI present,
	// credentials configured). Called before first use.
	Validate() error

	// Generate runs one synchronous call. A nil result with nil error
	// means manual mode: the user will write the response file themselves.
	Generate(ctx context.Context, prompt string, pctx map[string]any) (*Result, error)

	// Metadata returns the static descriptor.
	Metadata() Metadata
}

// ApprovalResult is an approver's verdict on a gate.
// DecisionRejected always carries non-empty feedback.
type ApprovalResult struct {
	Decision workflow.Decision
	Feedback string
	// SuggestedContent is a rewrite hint, only honored when the stage
	// config allows rewrites. It is passed back into the next provider
	// call; approvers never mutate files.
	SuggestedContent string
}

// ApprovalProvider evaluates the files of one gate.
type ApprovalProvider interface {
	// Evaluate judges the gate's files. Values in files are file contents
	// when the approver's fs ability is none, nil otherwise (the approver
	// reads the files itself; paths are relative to the session dir given
	// in pctx under "session_dir").
	Evaluate(ctx context.Context, phase workflow.Phase, stage workflow.Stage, files map[string]*string, pctx map[string]any) (*ApprovalResult, error)

	// Metadata returns the static descriptor.
	Metadata() Metadata
}
