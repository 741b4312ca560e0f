package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shiba4life/datafold/internal/schema"
)

func newLoadSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "load-schema <file>",
		Short: "Load a schema document from a JSON file",
		Long: `Validate a schema document and load it with state Available.
The schema must be approved before it accepts queries or mutations.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading schema file %q: %w", args[0], err)
			}

			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			name, err := db.LoadSchemaFromJSON(doc)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "schema %q loaded (Available)\n", name)

			return nil
		},
	}
}

func newAddSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add-schema <json>",
		Short: "Load a schema document given inline as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			name, err := db.LoadSchemaFromJSON([]byte(args[0]))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "schema %q loaded (Available)\n", name)

			return nil
		},
	}
}

func newListSchemasCommand() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "list-schemas",
		Short: "List loaded schemas, optionally filtered by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			var names []string

			if state == "" {
				names = db.ListAllSchemas()
			} else {
				st, err := schema.ParseState(state)
				if err != nil {
					return err
				}

				names = db.ListSchemasByState(st)
			}

			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no schemas")
				return nil
			}

			for _, name := range names {
				st, err := db.GetSchemaState(name)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, st)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "filter by state: Available, Approved, Blocked")

	return cmd
}

func newApproveSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "approve-schema <name>",
		Short: "Approve a schema, materializing pointers and registering transforms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := db.ApproveSchema(args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "schema %q approved\n", args[0])

			return nil
		},
	}
}

func newBlockSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "block-schema <name>",
		Short: "Place a schema on administrative hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := db.BlockSchema(args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "schema %q blocked\n", args[0])

			return nil
		},
	}
}

func newUnloadSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unload-schema <name>",
		Short: "Remove a schema and unregister its transforms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := db.UnloadSchema(args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "schema %q unloaded\n", args[0])

			return nil
		},
	}
}

func newAllowSchemaCommand() *cobra.Command {
	var node string

	cmd := &cobra.Command{
		Use:   "allow-schema <name>...",
		Short: "Grant a node permission to use the given schemas",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			nodeID := node
			if nodeID == "" {
				nodeID, err = db.NodeID()
				if err != nil {
					return err
				}
			}

			existing, err := db.GetSchemaPermissions(nodeID)
			if err != nil {
				return err
			}

			merged := mergeUnique(existing, args)
			if err := db.SetSchemaPermissions(nodeID, merged); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "node %s permitted: %s\n", nodeID, strings.Join(merged, ", "))

			return nil
		},
	}

	cmd.Flags().StringVar(&node, "node", "", "node id (default: this node)")

	return cmd
}

func newGetSchemaStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get-schema-state <name>",
		Short: "Print a schema's lifecycle state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			state, err := db.GetSchemaState(args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), state)

			return nil
		},
	}
}

// mergeUnique appends items to existing, dropping duplicates and keeping
// first-seen order.
func mergeUnique(existing, items []string) []string {
	seen := make(map[string]bool, len(existing)+len(items))

	var out []string

	for _, lists := range [][]string{existing, items} {
		for _, item := range lists {
			if seen[item] {
				continue
			}

			seen[item] = true
			out = append(out, item)
		}
	}

	return out
}
