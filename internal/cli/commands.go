package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/calderhq/forge/internal/engine"
	ferrors "github.com/calderhq/forge/internal/errors"
	"github.com/calderhq/forge/internal/workflow"
)

func (a *app) newInitCmd() *cobra.Command {
	var profileKey, standards string
	var contextPairs []string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new session and start the workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessionContext, err := parseContextPairs(contextPairs)
			if err != nil {
				return err
			}
			state, err := a.engine.InitializeRun(cmd.Context(), engine.InitParams{
				Profile:   profileKey,
				Context:   sessionContext,
				Standards: standards,
			})
			if err != nil {
				return err
			}
			return a.printState(cmd, state)
		},
	}
	cmd.Flags().StringVar(&profileKey, "profile", "", "profile key (required)")
	cmd.Flags().StringVar(&standards, "standards", "", "standards provider key")
	cmd.Flags().StringArrayVar(&contextPairs, "context", nil, "context field as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

func (a *app) newApproveCmd() *cobra.Command {
	return a.commandCmd("approve", "Approve the pending artifact and continue", workflow.CommandApprove, false)
}

func (a *app) newRejectCmd() *cobra.Command {
	return a.commandCmd("reject", "Reject the pending artifact with feedback", workflow.CommandReject, true)
}

func (a *app) newRetryCmd() *cobra.Command {
	return a.commandCmd("retry", "Regenerate the current artifact", workflow.CommandRetry, true)
}

func (a *app) newCancelCmd() *cobra.Command {
	return a.commandCmd("cancel", "Cancel the session", workflow.CommandCancel, false)
}

func (a *app) newStatusCmd() *cobra.Command {
	return a.commandCmd("status", "Show session state", workflow.CommandStatus, false)
}

// commandCmd builds a session-scoped engine command. Commands that take
// feedback accept it as an optional second argument.
func (a *app) commandCmd(name, short string, command workflow.Command, takesFeedback bool) *cobra.Command {
	use := name + " <session-id>"
	maxArgs := 1
	if takesFeedback {
		use += " [feedback]"
		maxArgs = 2
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.RangeArgs(1, maxArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) > 1 {
				arg = args[1]
			}
			state, err := a.engine.Execute(cmd.Context(), args[0], command, arg)
			if err != nil {
				return err
			}
			if state.Status == workflow.StatusError {
				a.postRunExit = ferrors.ExitWorkflowError
			}
			return a.printState(cmd, state)
		},
	}
}

func (a *app) newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := a.store.List()
			if err != nil {
				return err
			}
			for _, id := range ids {
				state, loadErr := a.store.Load(id)
				if loadErr != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  (unreadable: %v)\n", id, loadErr)
					continue
				}
				position := string(state.Phase)
				if state.Stage != workflow.StageNone {
					position = fmt.Sprintf("%s[%s]", state.Phase, state.Stage)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s %-22s iteration %d\n",
					id, state.Status, position, state.CurrentIteration)
			}
			return nil
		},
	}
}

func (a *app) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the resolved stage configuration",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return a.printResolvedConfig(c)
		},
	})
	return cmd
}

// parseContextPairs turns repeated key=value flags into a context map.
// Values that parse as integers or booleans are typed accordingly so schema
// validation of int and bool fields works from the command line.
func parseContextPairs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return map[string]any{}, nil
	}
	sessionContext := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, ferrors.ContextInvalid(fmt.Sprintf("context flag %q is not key=value", pair))
		}
		switch {
		case value == "true" || value == "false":
			sessionContext[key] = value == "true"
		default:
			if n, err := strconv.Atoi(value); err == nil {
				sessionContext[key] = n
			} else {
				sessionContext[key] = value
			}
		}
	}
	return sessionContext, nil
}
