package cli

import (
	"github.com/spf13/cobra"

	"github.com/shiba4life/datafold/internal/config"
	"github.com/shiba4life/datafold/internal/logging"
	"github.com/shiba4life/datafold/pkg/datafold"
)

// openDB opens the datafold database configured for this invocation.
// The caller closes it when the command finishes.
func openDB(cmd *cobra.Command) (*datafold.DB, error) {
	ctx := cmd.Context()
	cfg := config.FromContext(ctx)

	return datafold.Open(cfg.StoragePath,
		datafold.WithWorkers(cfg.Workers),
		datafold.WithTransformTimeout(cfg.TransformTimeout),
		datafold.WithTransformRetries(cfg.TransformRetries),
		datafold.WithCascadeDepth(cfg.CascadeDepth),
		datafold.WithBusBuffer(cfg.BusBuffer),
		datafold.WithLogger(logging.FromContext(ctx)),
	)
}
