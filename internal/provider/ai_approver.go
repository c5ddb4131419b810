package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	ferrors "github.com/calderhq/forge/internal/errors"
	"github.com/calderhq/forge/internal/workflow"
)

// unparseableFeedback is returned when an approver response carries no
// recognizable decision. Defaulting to REJECTED forces re-evaluation rather
// than silently advancing.
const unparseableFeedback = "unparseable approver response; content must be re-evaluated"

// rewriteFence marks a rewrite suggestion block in an approver response.
const rewriteFence = "```rewrite"

// AIApprovalProvider wraps an AI provider so it can act as an approval
// provider: it renders the gate as a prompt, calls Generate, and parses the
// decision out of the response leniently.
type AIApprovalProvider struct {
	ai     AIProvider
	config map[string]any
}

// NewAIApprovalProvider wraps ai as an approval provider. config is the
// stage's approver_config, passed through opaquely.
func NewAIApprovalProvider(ai AIProvider, config map[string]any) *AIApprovalProvider {
	return &AIApprovalProvider{ai: ai, config: config}
}

// Metadata mirrors the wrapped provider's descriptor. When the wrapped
// provider declares fs_ability none the engine inlines file contents, which
// the adapter folds into the prompt.
func (a *AIApprovalProvider) Metadata() Metadata {
	m := a.ai.Metadata()
	m.Name = m.Name + "-approver"
	return m
}

// Evaluate renders the gate prompt, calls the wrapped provider, and parses
// the response into an ApprovalResult.
func (a *AIApprovalProvider) Evaluate(ctx context.Context, phase workflow.Phase, stage workflow.Stage, files map[string]*string, pctx map[string]any) (*ApprovalResult, error) {
	prompt := a.buildGatePrompt(phase, stage, files, pctx)

	result, err := a.ai.Generate(ctx, prompt, pctx)
	if err != nil {
		return nil, ferrors.Provider(a.ai.Metadata().Name, "evaluate gate", err)
	}
	if result == nil {
		// A manual-mode AI provider cannot approve anything.
		return nil, ferrors.Provider(a.ai.Metadata().Name, "evaluate gate",
			fmt.Errorf("provider returned no response"))
	}

	return parseApproverResponse(result.Response), nil
}

// buildGatePrompt constructs the structured question for the current gate.
func (a *AIApprovalProvider) buildGatePrompt(phase workflow.Phase, stage workflow.Stage, files map[string]*string, pctx map[string]any) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Approval Gate: %s[%s]\n\n", phase, stage)
	b.WriteString("You are reviewing the files below for this workflow stage. ")
	b.WriteString("Decide whether the content is acceptable to build on.\n\n")

	if instructions, ok := a.config["instructions"].(string); ok && instructions != "" {
		b.WriteString("## Reviewer Instructions\n\n")
		b.WriteString(instructions)
		b.WriteString("\n\n")
	}

	if dir, ok := pctx["session_dir"].(string); ok && dir != "" {
		fmt.Fprintf(&b, "Session directory: %s\n\n", dir)
	}

	b.WriteString("## Files\n\n")
	for _, path := range sortedKeys(files) {
		content := files[path]
		if content == nil {
			fmt.Fprintf(&b, "- %s\n", path)
			continue
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", path, *content)
	}

	b.WriteString("## Output Format\n\n")
	b.WriteString("Reply with a line `DECISION: APPROVED`, `DECISION: REJECTED`, or `DECISION: PENDING`.\n")
	b.WriteString("For REJECTED, follow with the reasons on subsequent lines.\n")
	if a.allowRewrite() {
		b.WriteString("You may propose a full rewrite inside a ```rewrite fenced block.\n")
	}

	return b.String()
}

func (a *AIApprovalProvider) allowRewrite() bool {
	if v, ok := a.config["allow_rewrite"].(bool); ok {
		return v
	}
	return true
}

func sortedKeys(m map[string]*string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseApproverResponse extracts a decision from free-form approver output.
// Parse order: JSON body, DECISION: line, keyword scan, then a defensive
// REJECTED default.
func parseApproverResponse(response string) *ApprovalResult {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return &ApprovalResult{Decision: workflow.DecisionRejected, Feedback: unparseableFeedback}
	}

	suggested := extractRewriteBlock(trimmed)

	if res := parseJSONDecision(trimmed); res != nil {
		if res.SuggestedContent == "" {
			res.SuggestedContent = suggested
		}
		return res
	}

	if res := parseDecisionLine(trimmed); res != nil {
		res.SuggestedContent = suggested
		return res
	}

	// Keyword scan. Rejection wins: "approved" only counts when nothing
	// suggests a rejection.
	lower := strings.ToLower(trimmed)
	switch {
	case strings.Contains(lower, "rejected"):
		return &ApprovalResult{
			Decision:         workflow.DecisionRejected,
			Feedback:         trimmed,
			SuggestedContent: suggested,
		}
	case strings.Contains(lower, "approved"):
		return &ApprovalResult{Decision: workflow.DecisionApproved, SuggestedContent: suggested}
	}

	return &ApprovalResult{Decision: workflow.DecisionRejected, Feedback: unparseableFeedback}
}

// parseJSONDecision handles providers that reply with a JSON object, e.g.
// {"decision": "rejected", "feedback": "..."}. Both decision/status and
// feedback/reason spellings are accepted.
func parseJSONDecision(response string) *ApprovalResult {
	if !gjson.Valid(response) {
		return nil
	}
	decision := gjson.Get(response, "decision")
	if !decision.Exists() {
		decision = gjson.Get(response, "status")
	}
	if !decision.Exists() {
		return nil
	}

	feedback := gjson.Get(response, "feedback").String()
	if feedback == "" {
		feedback = gjson.Get(response, "reason").String()
	}
	suggested := gjson.Get(response, "suggested_content").String()

	switch strings.ToLower(decision.String()) {
	case "approved":
		return &ApprovalResult{Decision: workflow.DecisionApproved, Feedback: feedback, SuggestedContent: suggested}
	case "rejected":
		if feedback == "" {
			feedback = unparseableFeedback
		}
		return &ApprovalResult{Decision: workflow.DecisionRejected, Feedback: feedback, SuggestedContent: suggested}
	case "pending":
		return &ApprovalResult{Decision: workflow.DecisionPending, Feedback: feedback}
	default:
		return &ApprovalResult{Decision: workflow.DecisionRejected, Feedback: unparseableFeedback}
	}
}

// parseDecisionLine finds a line starting with DECISION: (case-insensitive)
// and uses the remainder of the response as feedback.
func parseDecisionLine(response string) *ApprovalResult {
	lines := strings.Split(response, "\n")
	for i, line := range lines {
		rest, found := strings.CutPrefix(strings.ToUpper(strings.TrimSpace(line)), "DECISION:")
		if !found {
			continue
		}
		feedback := strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
		feedback = stripRewriteBlock(feedback)

		switch strings.TrimSpace(rest) {
		case "APPROVED":
			return &ApprovalResult{Decision: workflow.DecisionApproved, Feedback: feedback}
		case "REJECTED":
			if feedback == "" {
				feedback = unparseableFeedback
			}
			return &ApprovalResult{Decision: workflow.DecisionRejected, Feedback: feedback}
		case "PENDING":
			return &ApprovalResult{Decision: workflow.DecisionPending, Feedback: feedback}
		}
		return &ApprovalResult{Decision: workflow.DecisionRejected, Feedback: unparseableFeedback}
	}
	return nil
}

// extractRewriteBlock returns the content of a ```rewrite fenced block, or
// empty when none is present.
func extractRewriteBlock(response string) string {
	start := strings.Index(response, rewriteFence)
	if start < 0 {
		return ""
	}
	body := response[start+len(rewriteFence):]
	end := strings.Index(body, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(body[:end])
}

// stripRewriteBlock removes a ```rewrite fenced block from feedback text.
func stripRewriteBlock(text string) string {
	start := strings.Index(text, rewriteFence)
	if start < 0 {
		return text
	}
	body := text[start+len(rewriteFence):]
	end := strings.Index(body, "```")
	if end < 0 {
		return strings.TrimSpace(text[:start])
	}
	return strings.TrimSpace(text[:start] + body[end+3:])
}
