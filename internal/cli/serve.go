package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kinshell/kinshell/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the kinshell host",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := loadLocalConfig(cmd)
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return &ExitError{code: exitUsage, err: err}
			}
			defer closeLog()
			slog.SetDefault(logger)

			h, err := server.New(ctx, cfg, server.Options{Logger: logger})
			if err != nil {
				return err
			}
			defer h.Close()
			return h.Run(ctx)
		},
	}
}
