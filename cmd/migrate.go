package cmd

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"media-hls/config"
	server2 "media-hls/server"
)

func migrate(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "create or update the video_status table",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
			ctx := logger.WithContext(context.Background())

			repo, err := server2.NewStatusRepository(ctx, config)
			if err != nil {
				return err
			}
			if err := repo.Migrate(ctx); err != nil {
				return err
			}
			logger.Info().Str("driver", config.Database.Driver).Msg("migration complete")
			return nil
		},
	}
}
