package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/chorus/internal/app"
	"github.com/ent0n29/chorus/internal/chatfeed"
)

func newFeedCmd() *cobra.Command {
	var (
		serverURL  string
		feedURL    string
		maxRetries int
		retryBase  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Forward a live chat feed into the server as text turns",
		Long:  "feed joins the server as a client and prints its client uid. Invite that uid into a group so chat lines reach the group's conversation.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if feedURL == "" {
				return errors.New("--feed-url is required")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bridge := &chatfeed.Bridge{
				ServerURL: serverURL,
				Source: &chatfeed.WSSource{
					URL:        feedURL,
					MaxRetries: maxRetries,
					RetryBase:  retryBase,
					Logger:     logger,
				},
				Logger: logger,
				OnReady: func(uid string) {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), uid)
				},
			}
			return bridge.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "ws://127.0.0.1:8080/v1/ws", "chorus websocket endpoint")
	cmd.Flags().StringVar(&feedURL, "feed-url", "", "websocket URL streaming chat messages as JSON")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 10, "consecutive feed reconnect failures before giving up (negative retries forever)")
	cmd.Flags().DurationVar(&retryBase, "retry-base", time.Second, "initial feed reconnect delay")
	return cmd
}
