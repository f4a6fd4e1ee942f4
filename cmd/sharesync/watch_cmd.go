package main

import (
	"log/slog"
	"time"

	"github.com/openmined/sharesync/internal/config"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newWatchCmd())
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync now, then again whenever the local directory changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Mode() != config.ModeSync {
				// delete-all and force are one shot
				slog.Warn("watch ignores --delete-all and --force")
				cfg.DeleteAll, cfg.Force = false, false
			}
			interval, _ := cmd.Flags().GetDuration("interval")

			cmd.SilenceUsage = true
			showHeader(cmd.OutOrStdout(), cfg)

			mgr, closeBackend, err := newManager(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeBackend()

			defer slog.Info("Bye!")
			return mgr.Watch(cmd.Context(), interval)
		},
	}
	cmd.Flags().Duration("debounce", config.DefaultDebounce, "Quiet period after local changes before a run")
	cmd.Flags().Duration("interval", 5*time.Minute, "Run at least this often to pick up remote changes (0 disables)")
	return cmd
}
