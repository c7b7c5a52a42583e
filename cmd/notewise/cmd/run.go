package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/notewise/notewise/internal/engine"
	"github.com/notewise/notewise/internal/errors"
)

func newRunCmd() *cobra.Command {
	var vault string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine, watching a vault for changes",
		Long: `Starts the full engine: the embedding queue, caches, maintenance
cycle, and operation scheduler, and watches the vault directory so note
changes are indexed as they happen. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer setupLogging()()

			if vault == "" {
				return errors.New(errors.ErrCodeInvalidInput,
					"a vault directory is required (--vault)", nil)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Maintenance.VaultPaths) == 0 {
				cfg.Maintenance.VaultPaths = []string{vault}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := engine.Open(ctx, cfg, flagStorageDir)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			e.Start(ctx)
			if err := e.Watch(ctx, vault); err != nil {
				return err
			}

			cmd.Printf("Watching %s (Ctrl-C to stop)\n", vault)
			<-ctx.Done()
			cmd.Println("Shutting down.")
			return nil
		},
	}

	cmd.Flags().StringVar(&vault, "vault", "", "note vault directory to watch")
	return cmd
}
