// Package cli implements the cobra command tree for datafold.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/shiba4life/datafold/internal/config"
	"github.com/shiba4life/datafold/internal/logging"
)

// ExitError wraps an error with a specific process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}

	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Execute builds the command tree, runs it, and returns the exit code.
func Execute() int {
	cmd := NewRootCommand()

	if err := cmd.Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}

		return 1
	}

	return 0
}

// NewRootCommand constructs the top-level cobra.Command with all
// subcommands attached.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "datafold",
		Short: "Schema-driven, content-addressed data store with reactive transforms",
		Long: `datafold is a schema-driven, content-addressed data store. Fields of
user-defined schemas can be declared as the output of transforms whose
inputs are other fields; whenever an input field is mutated the dependent
transforms are recomputed and their results persisted as queryable field
values.

Schemas move through Available -> Approved -> Blocked; only Approved
schemas accept queries and mutations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd, cfgFile)
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}

			logger := logging.Setup(cfg)

			ctx := cmd.Context()
			ctx = config.NewContext(ctx, cfg)
			ctx = logging.NewContext(ctx, logger)
			cmd.SetContext(ctx)

			logger.Debug("configuration loaded",
				slog.String("storagePath", cfg.StoragePath),
				slog.Int("workers", cfg.Workers),
			)

			return nil
		},
	}

	// Global persistent flags.
	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: .datafold.yaml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text, json")
	pf.BoolP("quiet", "q", false, "suppress non-essential output")
	pf.String("storage-path", "datafold.db", "path of the key-value store file")
	pf.Int("workers", 1, "orchestrator executor pool size")
	pf.Duration("transform-timeout", 5*time.Second, "wall-clock limit per transform execution")
	pf.Int("cascade-depth", 0, "cascade depth bound per mutation (0 = unbounded)")

	// Flag parsing errors return exit code 2.
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: 2, Err: err}
	})

	// Register subcommands.
	cmd.AddCommand(
		newVersionCommand(),
		newLoadSchemaCommand(),
		newAddSchemaCommand(),
		newListSchemasCommand(),
		newApproveSchemaCommand(),
		newBlockSchemaCommand(),
		newUnloadSchemaCommand(),
		newAllowSchemaCommand(),
		newGetSchemaStateCommand(),
		newQueryCommand(),
		newMutateCommand(),
		newExecuteCommand(),
		newHistoryCommand(),
		newCompletionCommand(),
	)

	return cmd
}
