package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"media-hls/config"
	"media-hls/constant"
	"media-hls/handler"
	"media-hls/pkg/metrics"
	"media-hls/pkg/rabbitmq"
	"media-hls/pkg/storage"
	"media-hls/repository"
	"media-hls/service"
)

const (
	shutdownTimeout  = 30 * time.Second
	consumerWorkers  = 1
	redisDialTimeout = 5 * time.Second
)

func RunHttp(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	logger := zerolog.Ctx(ctx)

	logger.Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	for _, dir := range []string{cfg.Media.TempDir, cfg.Media.HLSDir, cfg.Media.VideoDir} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	repo, err := NewStatusRepository(ctx, cfg)
	if err != nil {
		return err
	}
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var uploader service.ObjectUploader
	var objects service.ObjectStore
	if cfg.Storage != nil {
		store := storage.NewObjectStore(cfg.Storage, cfg.MinIO.Bucket, cfg.MinIO.PublicURL)
		if err := store.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket %s: %w", cfg.MinIO.Bucket, err)
		}
		uploader, objects = store, store
	}

	var notifier service.StatusNotifier
	var publisher *rabbitmq.StatusPublisher
	conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
	if err != nil {
		logger.Warn().Err(err).Msg("status events and remote encode requests disabled")
	} else {
		publisher = rabbitmq.NewStatusPublisher(conn, cfg.Queue)
		notifier = publisher
	}

	transcoder := service.NewPipeline(
		service.NewFFmpegTranscoder(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, service.DefaultRenditions),
		uploader,
		cfg.Media.TempDir,
	)
	queue := service.NewEncodeQueue(service.EncodeQueueConfig{
		Repo:       repo,
		Transcoder: transcoder,
		OutputDir:  cfg.Media.HLSDir,
		StagingDir: cfg.Media.TempDir,
		Timeout:    cfg.Media.EncodeTimeout,
		Notifier:   notifier,
		Metrics:    m,
	})
	ingest := service.NewIngestService(queue, service.IngestConfig{
		StagingDir:   cfg.Media.TempDir,
		VideoDir:     cfg.Media.VideoDir,
		ImageDir:     cfg.Media.ImageDir,
		MaxFileSize:  cfg.Media.MaxFileSize,
		MaxFiles:     cfg.Media.MaxFiles,
		AllowedTypes: cfg.Media.AllowedTypes,
		MaxImageSize: cfg.Media.MaxImageSize,
		MaxImages:    cfg.Media.MaxImages,
		PublicURL:    cfg.App.PublicURL(),
		Objects:      objects,
		Statuses:     repo,
	})

	r := NewRouter(RouterDeps{
		Logger:    *logger,
		Metrics:   m,
		Gatherer:  registry,
		JWTSecret: cfg.Auth.JWTSecret,
		HLSDir:    cfg.Media.HLSDir,
		ImageDir:  cfg.Media.ImageDir,
		Media:     handler.NewMediaHandler(ingest, repo),
		Stream: handler.NewStreamHandler(handler.StreamConfig{
			VideoDir:     cfg.Media.VideoDir,
			ChunkSize:    cfg.Media.ChunkSize,
			DefaultStart: cfg.Media.StreamDefaultStart,
		}),
		HLS:   handler.NewHLSHandler(cfg.Media.HLSDir),
		Image: handler.NewImageHandler(cfg.Media.ImageDir),
		Queue: queue,
		DB:    repo,
	})

	httpServer := &http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := queue.Start(gctx); err != nil {
		return err
	}

	if conn != nil && objects != nil {
		encodeConsumer := rabbitmq.NewConsumer(conn, cfg.Queue, rabbitmq.EncodeRequestBinding, consumerWorkers, handler.EncodeRequestHandler)
		deps := handler.ServiceDependencies{Ingest: ingest}
		g.Go(func() error {
			err := encodeConsumer.Consume(gctx, deps)
			if err != nil && !errors.Is(err, context.Canceled) {
				zerolog.Ctx(gctx).Error().Err(err).Msg("encode request consumer error")
			}
			return nil
		})
	}

	g.Go(func() error {
		zerolog.Ctx(gctx).Info().Str("env", cfg.App.Environment).Str("addr", httpServer.Addr).Msg("start http server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zerolog.Ctx(gctx).Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			zerolog.Ctx(gctx).Error().Err(err).Msg("http shutdown")
		}
		if err := queue.Shutdown(shutdownCtx); err != nil {
			zerolog.Ctx(gctx).Error().Err(err).Msg("encode queue shutdown")
		}
		if publisher != nil {
			if err := publisher.Close(); err != nil {
				zerolog.Ctx(gctx).Warn().Err(err).Msg("close status publisher")
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Str("env", cfg.App.Environment).Msg("server shutdown")
	return err
}

// NewStatusRepository opens the configured database, fronted by redis when redis.addr is set.
func NewStatusRepository(ctx context.Context, cfg *config.Config) (repository.StatusRepository, error) {
	dialector, err := cfg.Database.Dialector()
	if err != nil {
		return nil, err
	}
	repo, err := repository.NewRepo(dialector, cfg.App.Environment == constant.EnvironmentDevelop.String())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Redis.Addr == "" {
		return repo, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: redisDialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, status cache will fall through")
	}
	return repository.NewCachedRepo(repo, client, cfg.Redis.TTL), nil
}

func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Log to standard output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
