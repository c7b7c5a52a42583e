package cmd

import (
	"github.com/spf13/cobra"
)

func newRecoverCmd() *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Recover the index from segments or a backup",
		Long: `Without --from, re-scans all segment files, quarantines any that
fail validation, and rebuilds the index from what survives.

With --from <backup>, replaces the current segments with the backup's
and rebuilds the index from them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer setupLogging()()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Recover(from); err != nil {
				return err
			}
			cmd.Printf("Recovered: %d entries across %d segment(s)\n",
				store.Count(), countSegments(store))
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "backup name to restore from")
	return cmd
}
