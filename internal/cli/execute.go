package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shiba4life/datafold/pkg/datafold"
)

// operationEnvelope is the on-disk shape the execute command consumes.
type operationEnvelope struct {
	Operation     string         `json:"operation"`
	Schema        string         `json:"schema"`
	Fields        []string       `json:"fields,omitempty"`
	Filter        map[string]any `json:"filter,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	MutationType  string         `json:"mutation_type,omitempty"`
	PubKey        string         `json:"pub_key,omitempty"`
	TrustDistance int            `json:"trust_distance,omitempty"`
}

func newExecuteCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "execute <file>",
		Short: "Execute a query or mutation from an operation file",
		Long: `Read a JSON operation envelope from a file and dispatch it.

Envelope shape:

  {"operation": "query", "schema": "users", "fields": ["name"]}
  {"operation": "mutation", "schema": "users", "data": {"name": "alice"}}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading operation file %q: %w", args[0], err)
			}

			var op operationEnvelope
			if err := json.Unmarshal(raw, &op); err != nil {
				return fmt.Errorf("parsing operation file: %w", err)
			}

			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			switch op.Operation {
			case "query":
				result, err := db.ExecuteQuery(datafold.Query{
					Schema:        op.Schema,
					Fields:        op.Fields,
					Filter:        op.Filter,
					PubKey:        op.PubKey,
					TrustDistance: op.TrustDistance,
				})
				if err != nil {
					return err
				}

				return writeResult(cmd, result, outputFormat)
			case "mutation":
				err := db.ExecuteMutation(datafold.Mutation{
					Schema:        op.Schema,
					Fields:        op.Data,
					Type:          op.MutationType,
					PubKey:        op.PubKey,
					TrustDistance: op.TrustDistance,
				})
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "mutation applied to %q\n", op.Schema)

				return nil
			default:
				return fmt.Errorf("unknown operation %q (available: query, mutation)", op.Operation)
			}
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "json", "output format: json, yaml")

	return cmd
}
