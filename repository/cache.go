package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"media-hls/constant"
	"media-hls/entities"
)

const statusKeyPrefix = "video_status:"

// cachedRepo serves status polls for finished jobs from redis.
// Only terminal rows are cached since they never change again.
type cachedRepo struct {
	StatusRepository
	client *redis.Client
	ttl    time.Duration
}

func NewCachedRepo(inner StatusRepository, client *redis.Client, ttl time.Duration) StatusRepository {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &cachedRepo{StatusRepository: inner, client: client, ttl: ttl}
}

func statusKey(name string) string {
	return statusKeyPrefix + name
}

func (c *cachedRepo) FindStatus(ctx context.Context, name string) (*entities.VideoStatus, error) {
	raw, err := c.client.Get(ctx, statusKey(name)).Bytes()
	switch {
	case err == nil:
		status := &entities.VideoStatus{}
		if jsonErr := json.Unmarshal(raw, status); jsonErr == nil {
			return status, nil
		}
		zerolog.Ctx(ctx).Warn().Str("job_id", name).Msg("dropping undecodable cached status")
		c.client.Del(ctx, statusKey(name))
	case !errors.Is(err, redis.Nil):
		zerolog.Ctx(ctx).Warn().Err(err).Str("job_id", name).Msg("status cache read failed")
	}

	status, err := c.StatusRepository.FindStatus(ctx, name)
	if err != nil {
		return nil, err
	}
	c.store(ctx, status)
	return status, nil
}

func (c *cachedRepo) UpdateStatus(ctx context.Context, name string, status constant.EncodingStatus, message string) (*entities.VideoStatus, error) {
	updated, err := c.StatusRepository.UpdateStatus(ctx, name, status, message)
	if updated != nil {
		c.store(ctx, updated)
	}
	return updated, err
}

func (c *cachedRepo) store(ctx context.Context, status *entities.VideoStatus) {
	if !status.Status.Terminal() {
		return
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, statusKey(status.Name), raw, c.ttl).Err(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("job_id", status.Name).Msg("status cache write failed")
	}
}
