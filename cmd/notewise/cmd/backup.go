package cmd

import (
	"github.com/spf13/cobra"
)

func newBackupCmd() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a point-in-time backup",
		Long: `Copies all segments and the index journal into
backups/backup-<timestamp>/ inside the storage directory.`,
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

			if list {
				backups, err := store.ListBackups()
				if err != nil {
					return err
				}
				if len(backups) == 0 {
					cmd.Println("No backups.")
					return nil
				}
				for _, name := range backups {
					cmd.Println(name)
				}
				return nil
			}

			dir, err := store.CreateBackup()
			if err != nil {
				return err
			}
			cmd.Printf("Backup created: %s\n", dir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list existing backups")
	return cmd
}
