package cmd

import (
	"github.com/spf13/cobra"
	"media-hls/config"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "media-hls",
		Short:         "video ingestion, hls encoding and range streaming",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(server(config))
	rootCmd.AddCommand(migrate(config))
	rootCmd.AddCommand(requestEncode(config))
	return rootCmd
}
