package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type Config struct {
	App      App           `yaml:"app"`
	Server   Server        `yaml:"server"`
	Database Database      `yaml:"database"`
	Media    Media         `yaml:"media"`
	Queue    *RabbitMQ     `yaml:"rabbitmq"`
	MinIO    MinIO         `yaml:"minio"`
	Storage  *minio.Client `yaml:"storage"`
	Redis    Redis         `yaml:"redis"`
	Auth     Auth          `yaml:"auth"`
}

type App struct {
	Environment string `yaml:"environment"`
	Host        string `yaml:"host"`
	Protocol    string `yaml:"protocol"`
	BaseURL     string `yaml:"public_url"`
}

// PublicURL is the base clients use to reach this service. app.public_url wins over protocol and host.
func (a App) PublicURL() string {
	if a.BaseURL != "" {
		return strings.TrimRight(a.BaseURL, "/")
	}
	protocol := a.Protocol
	if protocol == "" {
		protocol = "http"
	}
	return fmt.Sprintf("%s://%s", protocol, strings.TrimRight(a.Host, "/"))
}

type Server struct {
	HttpPort string `yaml:"http_port"`
}

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Media struct {
	TempDir            string        `yaml:"temp_dir"`
	HLSDir             string        `yaml:"hls_dir"`
	VideoDir           string        `yaml:"video_dir"`
	ImageDir           string        `yaml:"image_dir"`
	ChunkSize          int64         `yaml:"chunk_size"`
	MaxFileSize        int64         `yaml:"max_file_size"`
	MaxFiles           int           `yaml:"max_files"`
	AllowedTypes       []string      `yaml:"allowed_types"`
	MaxImageSize       int64         `yaml:"max_image_size"`
	MaxImages          int           `yaml:"max_images"`
	EncodeTimeout      time.Duration `yaml:"encode_timeout"`
	StreamDefaultStart int64         `yaml:"stream_default_start"`
	FFmpegPath         string        `yaml:"ffmpeg_path"`
	FFprobePath        string        `yaml:"ffprobe_path"`
}

type RabbitMQ struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Pass         string `json:"pass"`
	ExchangeName string `json:"exchange_name"`
	Kind         string `json:"kind"`
}

func (r *RabbitMQ) Enabled() bool {
	return r != nil && r.Host != ""
}

type MinIO struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	PublicURL       string `yaml:"public_url"`
	AccessID        string `yaml:"access_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
	Secure          bool   `yaml:"secure"`
}

type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type Auth struct {
	JWTSecret string `yaml:"jwt_secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "develop")
	v.SetDefault("app.host", "localhost:4000")
	v.SetDefault("app.protocol", "http")
	v.SetDefault("app.public_url", "")
	v.SetDefault("server.port", "4000")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("media.temp_dir", "uploads/temp")
	v.SetDefault("media.hls_dir", "uploads/videos-hls")
	v.SetDefault("media.video_dir", "uploads/videos")
	v.SetDefault("media.image_dir", "uploads/images")
	v.SetDefault("media.chunk_size", 1_000_000)
	v.SetDefault("media.max_file_size", 50*1024*1024)
	v.SetDefault("media.max_files", 4)
	v.SetDefault("media.allowed_types", []string{"video/mp4"})
	v.SetDefault("media.max_image_size", 300*1024)
	v.SetDefault("media.max_images", 4)
	v.SetDefault("media.encode_timeout", 2*time.Hour)
	v.SetDefault("media.stream_default_start", -1)
	v.SetDefault("media.ffmpeg_path", "ffmpeg")
	v.SetDefault("media.ffprobe_path", "ffprobe")
	v.SetDefault("rabbitmq_host", "")
	v.SetDefault("rabbitmq_port", 5672)
	v.SetDefault("rabbitmq_kind", "topic")
	v.SetDefault("minio.enabled", false)
	v.SetDefault("minio.bucket", "media")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 10*time.Minute)
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{
		App: App{
			Environment: v.GetString("app.environment"),
			Host:        v.GetString("app.host"),
			Protocol:    v.GetString("app.protocol"),
			BaseURL:     v.GetString("app.public_url"),
		},
		Server: Server{
			HttpPort: v.GetString("server.port"),
		},
		Database: Database{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		Media: Media{
			TempDir:            v.GetString("media.temp_dir"),
			HLSDir:             v.GetString("media.hls_dir"),
			VideoDir:           v.GetString("media.video_dir"),
			ImageDir:           v.GetString("media.image_dir"),
			ChunkSize:          v.GetInt64("media.chunk_size"),
			MaxFileSize:        v.GetInt64("media.max_file_size"),
			MaxFiles:           v.GetInt("media.max_files"),
			AllowedTypes:       v.GetStringSlice("media.allowed_types"),
			MaxImageSize:       v.GetInt64("media.max_image_size"),
			MaxImages:          v.GetInt("media.max_images"),
			EncodeTimeout:      v.GetDuration("media.encode_timeout"),
			StreamDefaultStart: v.GetInt64("media.stream_default_start"),
			FFmpegPath:         v.GetString("media.ffmpeg_path"),
			FFprobePath:        v.GetString("media.ffprobe_path"),
		},
		Queue: &RabbitMQ{
			Host:         v.GetString("rabbitmq_host"),
			Port:         v.GetInt("rabbitmq_port"),
			User:         v.GetString("rabbitmq_user"),
			Pass:         v.GetString("rabbitmq_pass"),
			ExchangeName: v.GetString("rabbitmq_exchange"),
			Kind:         v.GetString("rabbitmq_kind"),
		},
		MinIO: MinIO{
			Enabled:         v.GetBool("minio.enabled"),
			URL:             v.GetString("minio.url"),
			PublicURL:       v.GetString("minio.public_url"),
			AccessID:        v.GetString("minio.access_id"),
			SecretAccessKey: v.GetString("minio.secret_access_key"),
			Bucket:          v.GetString("minio.bucket"),
			Secure:          v.GetBool("minio.secure"),
		},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			TTL:      v.GetDuration("redis.ttl"),
		},
		Auth: Auth{
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
	}

	if cfg.MinIO.Enabled {
		minioClient, err := minio.New(cfg.MinIO.URL, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIO.AccessID, cfg.MinIO.SecretAccessKey, ""),
			Secure: cfg.MinIO.Secure,
		})
		if err != nil {
			return nil, err
		}
		cfg.Storage = minioClient
	}

	return cfg, nil
}

// Dialector opens the configured database for gorm.
func (d Database) Dialector() (gorm.Dialector, error) {
	switch d.Driver {
	case "sqlite":
		dsn := d.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		return sqlite.Open(withBusyTimeout(dsn)), nil
	case "postgres", "":
		if d.DSN == "" {
			return nil, errors.New("database.dsn is required for postgres")
		}
		db, err := sql.Open("postgres", d.DSN)
		if err != nil {
			return nil, err
		}
		return postgres.New(postgres.Config{Conn: db}), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", d.Driver)
	}
}

// withBusyTimeout makes sqlite wait for the writer instead of failing with SQLITE_BUSY.
func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}
