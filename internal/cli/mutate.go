package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shiba4life/datafold/pkg/datafold"
)

func newMutateCommand() *cobra.Command {
	var (
		dataJSON     string
		mutationType string
		pubKey       string
		trust        int
	)

	cmd := &cobra.Command{
		Use:   "mutate <schema>",
		Short: "Apply a mutation to an Approved schema",
		Long: `Write field values into an Approved schema. Transform outputs
triggered by the mutation become visible asynchronously.

  datafold mutate TransformBase --data '{"value1": 25}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataJSON == "" {
				return fmt.Errorf("--data is required")
			}

			var fields map[string]any
			if err := json.Unmarshal([]byte(dataJSON), &fields); err != nil {
				return fmt.Errorf("parsing --data: %w", err)
			}

			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			err = db.ExecuteMutation(datafold.Mutation{
				Schema:        args[0],
				Fields:        fields,
				Type:          mutationType,
				PubKey:        pubKey,
				TrustDistance: trust,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "mutation applied to %q (%d fields)\n", args[0], len(fields))

			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&dataJSON, "data", "", "field values as JSON")
	f.StringVar(&mutationType, "type", "create", "mutation type")
	f.StringVar(&pubKey, "pub-key", "", "writer public key (provenance)")
	f.IntVar(&trust, "trust-distance", 0, "writer trust distance")

	return cmd
}
