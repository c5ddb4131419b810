package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/calderhq/forge/internal/workflow"
)

// printState renders a session state, as JSON with --json or as a short
// human summary otherwise.
func (a *app) printState(cmd *cobra.Command, state *workflow.State) error {
	out := cmd.OutOrStdout()

	if a.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	marker := stateMarker(state)
	position := string(state.Phase)
	if state.Stage != workflow.StageNone {
		position = fmt.Sprintf("%s[%s]", state.Phase, state.Stage)
	}
	fmt.Fprintf(out, "%s %s  %s  %s  iteration %d\n",
		marker, state.SessionID, position, state.Status, state.CurrentIteration)

	if state.PendingApproval {
		fmt.Fprintln(out, "  awaiting approval")
	}
	if state.LastError != "" {
		fmt.Fprintf(out, "  last error: %s\n", state.LastError)
	}
	for _, msg := range state.Messages {
		fmt.Fprintf(out, "  %s\n", msg)
	}
	return nil
}

// stateMarker is a one-glyph status indicator, plain on non-terminals.
func stateMarker(state *workflow.State) string {
	tty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	if !tty {
		return "-"
	}
	switch state.Status {
	case workflow.StatusSuccess:
		return "✓"
	case workflow.StatusError, workflow.StatusFailed:
		return "✗"
	case workflow.StatusCancelled:
		return "⊘"
	default:
		if state.PendingApproval {
			return "…"
		}
		return "▸"
	}
}

// printResolvedConfig dumps the effective stage configuration per active
// phase and stage.
func (a *app) printResolvedConfig(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	type row struct {
		Phase              string         `json:"phase"`
		Stage              string         `json:"stage"`
		AIProvider         string         `json:"ai_provider,omitempty"`
		ApprovalProvider   string         `json:"approval_provider"`
		ApprovalMaxRetries int            `json:"approval_max_retries"`
		AllowRewrite       bool           `json:"approval_allow_rewrite"`
		ApproverConfig     map[string]any `json:"approver_config,omitempty"`
	}

	var rows []row
	for _, phase := range workflow.ActivePhases() {
		for _, stage := range []workflow.Stage{workflow.StagePrompt, workflow.StageResponse} {
			cfg := a.cfg.Resolve(phase, stage)
			rows = append(rows, row{
				Phase:              string(phase),
				Stage:              string(stage),
				AIProvider:         cfg.AIProvider,
				ApprovalProvider:   cfg.ApprovalProvider,
				ApprovalMaxRetries: cfg.ApprovalMaxRetries,
				AllowRewrite:       cfg.ApprovalAllowRewrite,
				ApproverConfig:     cfg.ApproverConfig,
			})
		}
	}

	if a.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	for _, r := range rows {
		fmt.Fprintf(out, "%-8s %-8s ai=%-12s approver=%-12s retries=%d rewrite=%v\n",
			r.Phase, r.Stage, orDash(r.AIProvider), r.ApprovalProvider, r.ApprovalMaxRetries, r.AllowRewrite)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
