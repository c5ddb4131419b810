package config

import (
	"fmt"

	ferrors "github.com/calderhq/forge/internal/errors"
	"github.com/calderhq/forge/internal/provider"
	"github.com/calderhq/forge/internal/workflow"
)

// Validate checks the workflow config against the provider registry.
// Fail-fast at load time: every provider key must resolve, every RESPONSE
// stage needs an AI provider, and approval providers that cannot see the
// filesystem are rejected outright.
func (w *Workflow) Validate(reg *provider.Registry) error {
	for _, phase := range workflow.ActivePhases() {
		for _, stage := range []workflow.Stage{workflow.StagePrompt, workflow.StageResponse} {
			cfg := w.Resolve(phase, stage)

			if cfg.ApprovalMaxRetries < 0 {
				return ferrors.ConfigInvalid(fmt.Sprintf(
					"%s[%s]: approval_max_retries must be non-negative", phase, stage))
			}

			if !reg.HasApproval(cfg.ApprovalProvider) {
				return ferrors.ConfigInvalid(fmt.Sprintf(
					"%s[%s]: approval provider %q is not registered", phase, stage, cfg.ApprovalProvider))
			}

			// A declared approval provider without filesystem access can
			// never read the files it must evaluate. AI-wrapped approvers
			// are exempt: the adapter inlines contents into its prompt.
			if fs, direct := reg.DeclaredApprovalFS(cfg.ApprovalProvider); direct && fs == provider.FSNone {
				return ferrors.ConfigInvalid(fmt.Sprintf(
					"%s[%s]: approval provider %q declares fs_ability none and cannot evaluate files",
					phase, stage, cfg.ApprovalProvider))
			}

			if stage == workflow.StageResponse {
				if cfg.AIProvider == "" {
					return ferrors.ConfigInvalid(fmt.Sprintf(
						"%s[response]: no ai_provider configured", phase))
				}
				if !reg.HasAI(cfg.AIProvider) {
					return ferrors.ConfigInvalid(fmt.Sprintf(
						"%s[response]: ai_provider %q is not registered", phase, cfg.AIProvider))
				}
			}
		}
	}
	return nil
}

// AIProviderSnapshot resolves the AI provider key for each active phase's
// response stage. Stored on the session at init so later config edits do
// not change a running session.
func (w *Workflow) AIProviderSnapshot() map[string]string {
	snapshot := make(map[string]string, len(workflow.ActivePhases()))
	for _, phase := range workflow.ActivePhases() {
		cfg := w.Resolve(phase, workflow.StageResponse)
		snapshot[string(phase)] = cfg.AIProvider
	}
	return snapshot
}
