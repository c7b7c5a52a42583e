package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a storage directory",
		Long: `Creates the storage directory, writes a default config file into it,
and initializes an empty index.`,
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

			configPath := filepath.Join(store.Dir(), "config.yaml")
			cfg.Storage.Dir = store.Dir()
			if err := cfg.Save(configPath); err != nil {
				return err
			}

			cmd.Printf("Initialized storage in %s\n", store.Dir())
			cmd.Printf("Config written to %s\n", configPath)
			return nil
		},
	}
}
