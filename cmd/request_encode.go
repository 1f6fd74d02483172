package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"media-hls/config"
	"media-hls/dto"
	"media-hls/pkg/rabbitmq"
	"media-hls/pkg/storage"
)

// requestEncode is how another backend hands a video to a running server over RabbitMQ.
func requestEncode(cfg *config.Config) *cobra.Command {
	var (
		file       string
		objectPath string
		jobID      string
	)

	cmd := &cobra.Command{
		Use:   "request-encode",
		Short: "publish an encode request for a bucket object",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
			ctx := logger.WithContext(context.Background())

			if file == "" && objectPath == "" {
				return errors.New("one of --file or --object is required")
			}
			if jobID == "" {
				jobID = uuid.NewString()
			}

			if file != "" {
				if cfg.Storage == nil {
					return errors.New("--file needs minio.enabled")
				}
				store := storage.NewObjectStore(cfg.Storage, cfg.MinIO.Bucket, cfg.MinIO.PublicURL)
				if err := store.EnsureBucket(ctx); err != nil {
					return err
				}
				objectPath = path.Join("raw", jobID, filepath.Base(file))
				if err := store.Upload(ctx, objectPath, file); err != nil {
					return fmt.Errorf("upload %s: %w", file, err)
				}
				logger.Info().Str("object_path", objectPath).Msg("source uploaded")
			}

			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			conn, err := config.NewRabbitMQConn(connCtx, cfg.Queue)
			if err != nil {
				return err
			}

			msg := dto.EncodeRequestMessage{
				JobId:      jobID,
				ObjectPath: objectPath,
				FileName:   path.Base(objectPath),
			}
			if err := rabbitmq.PublishEncodeRequest(ctx, conn, cfg.Queue, msg); err != nil {
				return fmt.Errorf("publish encode request: %w", err)
			}
			logger.Info().Str("job_id", jobID).Str("object_path", objectPath).Msg("encode request published")
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "local video to upload before requesting the encode")
	cmd.Flags().StringVar(&objectPath, "object", "", "object already in the bucket")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job id, generated when empty")
	return cmd
}
