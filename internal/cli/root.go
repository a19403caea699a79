package cli

import (
	"github.com/spf13/cobra"

	"github.com/ent0n29/chorus/internal/config"
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "chorus",
		Short:         "chorus: realtime multi-client conversation server",
		Long:          "chorus serves streamed conversational turns to many websocket clients, with shared groups, bounded task queueing and interruption.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().String("config", "", "config file layered under the environment (toml, yaml or json)")

	rootCmd.AddCommand(
		newServeCmd(),
		newFeedCmd(),
		newConfigCmd(),
		newSchemaCmd(),
	)
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	return config.LoadFile(path)
}
