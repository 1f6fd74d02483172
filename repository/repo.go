package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"media-hls/constant"
	"media-hls/entities"
)

var (
	ErrStatusNotFound  = errors.New("video status not found")
	ErrStatusExists    = errors.New("video status already exists")
	ErrStaleTransition = errors.New("video status transition would regress")
)

type StatusRepository interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	CreateStatus(ctx context.Context, name string) (*entities.VideoStatus, error)
	UpdateStatus(ctx context.Context, name string, status constant.EncodingStatus, message string) (*entities.VideoStatus, error)
	FindStatus(ctx context.Context, name string) (*entities.VideoStatus, error)
	ListByStatus(ctx context.Context, statuses ...constant.EncodingStatus) ([]*entities.VideoStatus, error)
}

type repo struct {
	db *gorm.DB
}

func NewRepo(dialector gorm.Dialector, verbose bool) (StatusRepository, error) {
	level := logger.Warn
	if verbose {
		level = logger.Info
	}
	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, err
	}
	return &repo{db: gormDB}, nil
}

func (r *repo) GetDB() *gorm.DB {
	return r.db
}

func (r *repo) Migrate(ctx context.Context) error {
	return r.GetDB().WithContext(ctx).AutoMigrate(&entities.VideoStatus{})
}

func (r *repo) Ping(ctx context.Context) error {
	sqlDB, err := r.GetDB().DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *repo) CreateStatus(ctx context.Context, name string) (*entities.VideoStatus, error) {
	status := &entities.VideoStatus{
		Name:   name,
		Status: constant.EncodingStatusPending,
	}
	res := r.GetDB().WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(status)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrStatusExists
	}
	return status, nil
}

// UpdateStatus only moves a row forward; terminal rows are never rewritten.
func (r *repo) UpdateStatus(ctx context.Context, name string, status constant.EncodingStatus, message string) (*entities.VideoStatus, error) {
	res := r.GetDB().WithContext(ctx).
		Model(&entities.VideoStatus{}).
		Where("name = ? AND status <= ? AND status < ?", name, int(status), int(constant.EncodingStatusCompleted)).
		Updates(map[string]interface{}{
			"status":     int(status),
			"message":    message,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}

	current, err := r.FindStatus(ctx, name)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return current, ErrStaleTransition
	}
	return current, nil
}

func (r *repo) FindStatus(ctx context.Context, name string) (*entities.VideoStatus, error) {
	status := &entities.VideoStatus{}
	err := r.GetDB().WithContext(ctx).First(status, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStatusNotFound
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (r *repo) ListByStatus(ctx context.Context, statuses ...constant.EncodingStatus) ([]*entities.VideoStatus, error) {
	values := make([]int, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, int(s))
	}
	var rows []*entities.VideoStatus
	err := r.GetDB().WithContext(ctx).
		Where("status IN ?", values).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
