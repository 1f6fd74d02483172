package cmd

import (
	"github.com/spf13/cobra"
	"media-hls/config"
	server2 "media-hls/server"
)

func server(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start http server and encode worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunHttp(config)
		},
	}
}
