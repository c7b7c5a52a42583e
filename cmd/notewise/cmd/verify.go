package cmd

import (
	"github.com/spf13/cobra"

	"github.com/notewise/notewise/internal/errors"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify segment integrity",
		Long: `Re-reads every segment file, validating headers and payload
checksums, and reports per-segment status.`,
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

			statuses := store.Verify()
			if len(statuses) == 0 {
				cmd.Println("Store is empty.")
				return nil
			}

			bad := 0
			for _, st := range statuses {
				if st.OK {
					cmd.Printf("  ok   %s (%d entries)\n", st.File, st.Entries)
				} else {
					bad++
					cmd.Printf("  FAIL %s: %s\n", st.File, st.Err)
				}
			}
			if bad > 0 {
				return errors.Newf(errors.ErrCodeSegmentCorrupt,
					"%d of %d segment(s) failed verification", bad, len(statuses)).
					WithSuggestion("run 'notewise recover' to rebuild from intact segments")
			}
			cmd.Printf("All %d segment(s) verified.\n", len(statuses))
			return nil
		},
	}
}
