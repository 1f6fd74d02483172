package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"media-hls/dto"
	"media-hls/service"
)

type ObjectStager interface {
	StageObject(ctx context.Context, msg dto.EncodeRequestMessage) (string, error)
}

type ServiceDependencies struct {
	Ingest ObjectStager
}

// EncodeRequestHandler stages a bucket object named by the message and queues it for encoding.
func EncodeRequestHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var request dto.EncodeRequestMessage
	if err := json.Unmarshal(msg.Body, &request); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal encode request message")
		return backoff.Permanent(err)
	}

	zerolog.Ctx(ctx).Info().
		Str("job_id", request.JobId).
		Str("object_path", request.ObjectPath).
		Str("file_name", request.FileName).
		Msg("received encode request")

	jobID, err := deps.Ingest.StageObject(ctx, request)
	switch {
	case err == nil:
		zerolog.Ctx(ctx).Info().Str("job_id", jobID).Msg("encode request queued")
		return nil
	case errors.Is(err, service.ErrJobExists):
		// redelivery of a request already queued
		zerolog.Ctx(ctx).Warn().Str("job_id", request.JobId).Msg("encode request already queued")
		return nil
	case errors.Is(err, service.ErrStorageDisabled),
		errors.Is(err, service.ErrObjectRequired),
		errors.Is(err, service.ErrInvalidJobID):
		return backoff.Permanent(err)
	default:
		return fmt.Errorf("stage object %s: %w", request.ObjectPath, err)
	}
}
