package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/shiba4life/datafold/pkg/datafold"
)

func newQueryCommand() *cobra.Command {
	var (
		fields       []string
		filterJSON   string
		outputFormat string
		pubKey       string
		trust        int
		partial      bool
	)

	cmd := &cobra.Command{
		Use:   "query <schema>",
		Short: "Query fields of an Approved schema",
		Long: `Query one or more fields of an Approved schema. For a range schema,
pass a range filter to group results by the range-key value:

  datafold query user_scores --fields score \
    --filter '{"range_filter": {"user_id": "123"}}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(fields) == 0 {
				return fmt.Errorf("at least one --fields entry is required")
			}

			var filter map[string]any

			if filterJSON != "" {
				if err := json.Unmarshal([]byte(filterJSON), &filter); err != nil {
					return fmt.Errorf("parsing --filter: %w", err)
				}
			}

			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			result, err := db.ExecuteQuery(datafold.Query{
				Schema:        args[0],
				Fields:        fields,
				Filter:        filter,
				PubKey:        pubKey,
				TrustDistance: trust,
				Partial:       partial,
			})
			if err != nil {
				return err
			}

			return writeResult(cmd, result, outputFormat)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&fields, "fields", nil, "fields to query")
	f.StringVar(&filterJSON, "filter", "", "query filter as JSON")
	f.StringVarP(&outputFormat, "output", "o", "json", "output format: json, yaml")
	f.StringVar(&pubKey, "pub-key", "", "requester public key (provenance)")
	f.IntVar(&trust, "trust-distance", 0, "requester trust distance")
	f.BoolVar(&partial, "partial", false, "return per-field results even when some fields fail")

	return cmd
}

// writeResult renders v to stdout in the chosen format.
func writeResult(cmd *cobra.Command, v any, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	case "yaml":
		data, err := sigsyaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}

		fmt.Fprint(cmd.OutOrStdout(), string(data))
	default:
		return fmt.Errorf("unknown output format %q (available: json, yaml)", format)
	}

	return nil
}
