package cmd

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Compact fragmented segment files",
		Long: `Rewrites segments whose removed-entry ratio exceeds the configured
fragmentation threshold, packing their live entries into fresh segments
and deleting the superseded files.`,
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

			result, err := store.Compact(cmd.Context())
			if err != nil {
				return err
			}

			if result.FilesCompacted == 0 {
				cmd.Println("Nothing to compact.")
				return nil
			}
			cmd.Printf("Compacted %d segment(s), removed %d file(s), reclaimed %s\n",
				result.FilesCompacted, result.FilesRemoved,
				humanize.Bytes(uint64(result.BytesReclaimed)))
			return nil
		},
	}
}
