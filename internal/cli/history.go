package cli

import (
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "history <schema.field>",
		Short: "Print the atom version chain of a field pointer",
		Long: `Walk a field pointer's predecessor chain and print every atom,
newest first. Tombstoned atoms are included with their status.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			history, err := db.GetAtomHistory(args[0])
			if err != nil {
				return err
			}

			return writeResult(cmd, history, outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "json", "output format: json, yaml")

	return cmd
}
