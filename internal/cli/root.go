// Package cli wires the forge commands around the engine. All workflow
// logic lives in internal/engine; commands here parse arguments, build the
// runtime, and render state.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/calderhq/forge/internal/config"
	"github.com/calderhq/forge/internal/db"
	"github.com/calderhq/forge/internal/engine"
	ferrors "github.com/calderhq/forge/internal/errors"
	"github.com/calderhq/forge/internal/events"
	"github.com/calderhq/forge/internal/profile"
	"github.com/calderhq/forge/internal/provider"
	"github.com/calderhq/forge/internal/session"
)

// Options carries the registries the embedding binary populated at startup.
type Options struct {
	Providers *provider.Registry
	Profiles  *profile.Registry
	Version   string
}

// app is the per-invocation runtime built from flags.
type app struct {
	opts    Options
	viper   *viper.Viper
	logger  *slog.Logger
	engine  *engine.Engine
	store   *session.Store
	auditDB *db.DB
	cfg     *config.Workflow
	asJSON  bool

	// postRunExit is nonzero when the command processed fine but the
	// workflow itself is in status error.
	postRunExit int
}

// Execute runs the CLI and returns the process exit code.
func Execute(opts Options) int {
	a := &app{opts: opts, viper: viper.New()}

	root := a.newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, userMessage(err))
		return exitCode(err)
	}
	return a.postRunExit
}

func (a *app) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "forge",
		Short:         "File-materialized AI code generation workflows",
		Long:          "forge drives AI-assisted code generation through plan, generate, review and revise phases,\nwith an approval gate after every artifact. Sessions live under .forge/sessions.",
		Version:       a.opts.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("project-dir", ".", "project directory holding .forge/")
	flags.String("config", "", "workflow config file (default: .forge/workflow.yaml)")
	flags.Bool("verbose", false, "debug logging")
	flags.BoolVar(&a.asJSON, "json", false, "print state as JSON")

	a.viper.SetEnvPrefix("FORGE")
	a.viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.viper.AutomaticEnv()
	for _, key := range []string{"project-dir", "config", "verbose"} {
		_ = a.viper.BindPFlag(key, flags.Lookup(key))
	}

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return a.setup(cmd)
	}
	root.PersistentPostRun = func(*cobra.Command, []string) {
		if a.auditDB != nil {
			a.auditDB.Close()
		}
	}

	root.AddCommand(
		a.newInitCmd(),
		a.newApproveCmd(),
		a.newRejectCmd(),
		a.newRetryCmd(),
		a.newCancelCmd(),
		a.newStatusCmd(),
		a.newSessionsCmd(),
		a.newConfigCmd(),
	)
	return root
}

// setup builds the logger, config, store, audit sink, and engine.
func (a *app) setup(_ *cobra.Command) error {
	level := slog.LevelInfo
	if a.viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	projectDir := a.viper.GetString("project-dir")
	workflowCfg, err := a.loadWorkflowConfig(projectDir)
	if err != nil {
		return err
	}
	a.cfg = workflowCfg

	a.store = session.NewStore(filepath.Join(projectDir, session.DefaultRoot))

	var pub events.Publisher = events.NopPublisher{}
	auditDB, dbErr := db.Open(filepath.Join(projectDir, db.DefaultPath))
	if dbErr != nil {
		// Auditing is best effort; the workflow runs without it.
		a.logger.Warn("audit database unavailable", "error", dbErr)
	} else {
		a.auditDB = auditDB
		pub = db.NewSink(auditDB, a.logger)
	}

	a.engine = engine.New(engine.Options{
		Store:     a.store,
		Providers: a.opts.Providers,
		Profiles:  a.opts.Profiles,
		Workflow:  workflowCfg,
		Publisher: pub,
		Logger:    a.logger,
	})
	return nil
}

// loadWorkflowConfig reads the configured workflow file, the first default
// path that exists, or an empty config when none exists.
func (a *app) loadWorkflowConfig(projectDir string) (*config.Workflow, error) {
	if path := a.viper.GetString("config"); path != "" {
		return config.Load(path)
	}
	for _, rel := range config.DefaultPaths() {
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(projectDir, rel)
		}
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	return config.Parse([]byte("workflow: {}"))
}

// userMessage renders an error for the terminal, with the fix hint when the
// error carries one.
func userMessage(err error) string {
	var fe *ferrors.ForgeError
	if errors.As(err, &fe) {
		return fe.UserMessage()
	}
	return "Error: " + err.Error()
}

// exitCode maps an error to the process exit code contract.
func exitCode(err error) int {
	var fe *ferrors.ForgeError
	if errors.As(err, &fe) {
		return fe.ExitCode()
	}
	return ferrors.ExitWorkflowError
}
