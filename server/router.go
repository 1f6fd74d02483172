package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"media-hls/dto"
	"media-hls/handler"
	"media-hls/pkg/metrics"
)

type QueueStatter interface {
	Stats() dto.QueueStats
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterDeps struct {
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	JWTSecret string
	HLSDir    string
	ImageDir  string
	Media     *handler.MediaHandler
	Stream    *handler.StreamHandler
	HLS       *handler.HLSHandler
	Image     *handler.ImageHandler
	Queue     QueueStatter
	DB        Pinger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handler.RequestLogger(deps.Logger), handler.RequestMetrics(deps.Metrics))

	medias := r.Group("/medias")
	if deps.JWTSecret != "" {
		medias.Use(handler.RequireToken(deps.JWTSecret))
	}
	medias.POST("/upload-video-hls", deps.Media.UploadVideoHLS)
	medias.POST("/upload-video", deps.Media.UploadVideo)
	medias.POST("/upload-image", deps.Media.UploadImage)
	medias.GET("/video-status/:id", deps.Media.VideoStatus)

	resource := r.Group("/resource")
	resource.GET("/video-stream/:name", deps.Stream.ServeVideoStream)
	resource.GET("/video-hls/:id/master", deps.HLS.ServeMaster)
	resource.GET("/video-hls/:id/:rendition/:segment", deps.HLS.ServeSegment)

	r.Static("/static/video-hls", deps.HLSDir)
	if deps.Image != nil {
		resource.GET("/image/:name", deps.Image.ServeImage)
	}
	if deps.ImageDir != "" {
		r.Static("/static/image", deps.ImageDir)
	}

	addHealth(r, deps.Queue, deps.DB)
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

func addHealth(r *gin.Engine, queue QueueStatter, db Pinger) {
	r.GET("/health", func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				zerolog.Ctx(c.Request.Context()).Warn().Err(err).Msg("database ping failed")
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		body := gin.H{"status": status}
		if queue != nil {
			stats := queue.Stats()
			body["queue"] = gin.H{"pending": stats.Pending, "busy": stats.Busy}
		}
		c.JSON(code, body)
	})
}
