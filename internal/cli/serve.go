package cli

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/chorus/internal/app"
)

func newServeCmd() *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket server until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.BindAddr = bind
			}
			logger := app.NewLogger(cfg, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := res.Cleanup(); err != nil {
					logger.Warn("cleanup failed", "error", err)
				}
			}()

			ln, err := net.Listen("tcp", cfg.BindAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.BindAddr, err)
			}
			return res.Serve(ctx, ln)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "listen address, overrides APP_BIND_ADDR")
	return cmd
}
