package cmd

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/notewise/notewise/internal/vector"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Args:  cobra.NoArgs,
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

			stats, err := store.Metrics()
			if err != nil {
				return err
			}

			cmd.Printf("Storage dir:     %s\n", store.Dir())
			cmd.Printf("Entries:         %d\n", stats.Entries)
			cmd.Printf("Segments:        %d\n", stats.Segments)
			cmd.Printf("Dimension:       %d\n", stats.Dimension)
			cmd.Printf("Disk size:       %s\n", humanize.Bytes(uint64(stats.TotalBytes)))
			cmd.Printf("Uncompressed:    %s\n", humanize.Bytes(uint64(stats.UncompressedBytes)))
			cmd.Printf("Fragmentation:   %.1f%%\n", store.Fragmentation()*100)
			if stats.LastCompaction.IsZero() {
				cmd.Printf("Last compaction: never\n")
			} else {
				cmd.Printf("Last compaction: %s\n", humanize.Time(stats.LastCompaction))
			}
			return nil
		},
	}
}

// countSegments reports the segment count via store metrics.
func countSegments(store *vector.Store) int {
	stats, err := store.Metrics()
	if err != nil {
		return 0
	}
	return stats.Segments
}
