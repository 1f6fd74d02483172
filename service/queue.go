package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"media-hls/constant"
	"media-hls/dto"
	"media-hls/entities"
	"media-hls/pkg/metrics"
	"media-hls/repository"
)

var (
	ErrJobExists    = errors.New("encode job already exists")
	ErrInvalidJobID = errors.New("invalid encode job id")
)

const (
	defaultEncodeTimeout = 2 * time.Hour
	statusWriteTimeout   = 10 * time.Second
	statusWriteTries     = 3
)

// StatusNotifier receives every status transition. Errors are logged by the caller.
type StatusNotifier interface {
	Notify(ctx context.Context, event dto.StatusEventMessage) error
}

type EncodeJob struct {
	ID         string
	SourcePath string
}

type EncodeQueueConfig struct {
	Repo       repository.StatusRepository
	Transcoder Transcoder
	OutputDir  string
	// StagingDir enables crash recovery: sources are expected at StagingDir/<id>/<id>.mp4.
	StagingDir string
	Timeout    time.Duration
	Notifier   StatusNotifier
	Metrics    *metrics.Metrics
}

// EncodeQueue runs at most one transcode at a time, in enqueue order.
type EncodeQueue struct {
	repo       repository.StatusRepository
	transcoder Transcoder
	outputDir  string
	stagingDir string
	timeout    time.Duration
	notifier   StatusNotifier
	metrics    *metrics.Metrics

	mu      sync.Mutex
	pending []EncodeJob
	busy    bool
	current string
	started bool
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewEncodeQueue(cfg EncodeQueueConfig) *EncodeQueue {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultEncodeTimeout
	}
	return &EncodeQueue{
		repo:       cfg.Repo,
		transcoder: cfg.Transcoder,
		outputDir:  cfg.OutputDir,
		stagingDir: cfg.StagingDir,
		timeout:    timeout,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// JobIDFromPath derives the job id from a staged file name without its extension.
func JobIDFromPath(sourcePath string) string {
	base := filepath.Base(sourcePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// StagedSourcePath is where ingestion places the source for job id under stagingDir.
func StagedSourcePath(stagingDir, id string) string {
	return filepath.Join(stagingDir, id, id+".mp4")
}

// Enqueue records a Pending status for the file and appends it to the queue.
func (q *EncodeQueue) Enqueue(ctx context.Context, sourcePath string) (string, error) {
	id := JobIDFromPath(sourcePath)
	if id == "" || id == "." || id == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, sourcePath)
	}

	row, err := q.repo.CreateStatus(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrStatusExists) {
			return "", fmt.Errorf("%w: %s", ErrJobExists, id)
		}
		return "", fmt.Errorf("create status for %s: %w", id, err)
	}
	q.publish(ctx, row)

	q.push(EncodeJob{ID: id, SourcePath: sourcePath})
	zerolog.Ctx(ctx).Info().Str("job_id", id).Str("source", sourcePath).Msg("encode job queued")
	return id, nil
}

func (q *EncodeQueue) push(job EncodeJob) {
	q.mu.Lock()
	q.pending = append(q.pending, job)
	depth := len(q.pending)
	q.mu.Unlock()
	q.metrics.SetQueueDepth(depth)

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start recovers unfinished jobs and launches the single worker.
func (q *EncodeQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	if err := q.recoverUnfinished(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to recover unfinished encode jobs")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()
	go q.run(workerCtx)
	return nil
}

// Shutdown stops the worker. The job in flight sees its context cancelled and is recorded Failed.
func (q *EncodeQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *EncodeQueue) Stats() dto.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return dto.QueueStats{
		Pending: len(q.pending),
		Busy:    q.busy,
		Current: q.current,
	}
}

func (q *EncodeQueue) run(ctx context.Context) {
	defer close(q.done)
	zerolog.Ctx(ctx).Info().Msg("encode worker started")
	for {
		if ctx.Err() != nil {
			zerolog.Ctx(ctx).Info().Msg("encode worker stopped")
			return
		}
		job, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				zerolog.Ctx(ctx).Info().Msg("encode worker stopped")
				return
			case <-q.wake:
			}
			continue
		}
		q.process(ctx, job)
		q.finish()
	}
}

func (q *EncodeQueue) next() (EncodeJob, bool) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.busy = false
		q.current = ""
		q.mu.Unlock()
		q.metrics.SetBusy(false)
		return EncodeJob{}, false
	}
	job := q.pending[0]
	q.pending[0] = EncodeJob{}
	q.pending = q.pending[1:]
	q.busy = true
	q.current = job.ID
	depth := len(q.pending)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.metrics.SetBusy(true)
	return job, true
}

func (q *EncodeQueue) finish() {
	q.mu.Lock()
	q.busy = false
	q.current = ""
	q.mu.Unlock()
	q.metrics.SetBusy(false)
}

func (q *EncodeQueue) process(ctx context.Context, job EncodeJob) {
	logger := zerolog.Ctx(ctx).With().Str("job_id", job.ID).Logger()
	ctx = logger.WithContext(ctx)

	if _, err := q.transition(ctx, job.ID, constant.EncodingStatusProcessing, ""); err != nil {
		if errors.Is(err, repository.ErrStatusNotFound) || errors.Is(err, repository.ErrStaleTransition) {
			logger.Warn().Err(err).Msg("skipping encode job that is no longer pending")
			return
		}
		logger.Error().Err(err).Msg("failed to mark job processing")
		q.fail(ctx, job.ID, fmt.Errorf("mark processing: %w", err))
		return
	}

	logger.Info().Str("source", job.SourcePath).Msg("transcoding")
	started := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, q.timeout)
	err := q.transcode(jobCtx, job)
	cancel()
	elapsed := time.Since(started)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("encode timed out after %s: %w", q.timeout, err)
		}
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("transcode failed")
		q.metrics.ObserveJob("failed", elapsed)
		q.fail(ctx, job.ID, err)
		return
	}

	if _, err := q.transition(ctx, job.ID, constant.EncodingStatusCompleted, ""); err != nil {
		logger.Error().Err(err).Msg("failed to mark job completed")
	}
	q.metrics.ObserveJob("completed", elapsed)
	logger.Info().Dur("elapsed", elapsed).Msg("encode job completed")
}

func (q *EncodeQueue) transcode(ctx context.Context, job EncodeJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transcoder panic: %v", r)
		}
	}()
	return q.transcoder.Transcode(ctx, job.SourcePath, filepath.Join(q.outputDir, job.ID))
}

// fail records a Failed status, retrying transient store errors. A final error is only logged.
func (q *EncodeQueue) fail(ctx context.Context, id string, cause error) {
	message := truncate(strings.ToValidUTF8(cause.Error(), "\uFFFD"), stderrTailBytes)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	operation := func() (*entities.VideoStatus, error) {
		row, err := q.transition(ctx, id, constant.EncodingStatusFailed, message)
		if errors.Is(err, repository.ErrStatusNotFound) || errors.Is(err, repository.ErrStaleTransition) {
			return row, backoff.Permanent(err)
		}
		return row, err
	}
	if _, err := backoff.Retry(context.WithoutCancel(ctx), operation, backoff.WithBackOff(bo), backoff.WithMaxTries(statusWriteTries)); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("job_id", id).Str("cause", message).Msg("failed to record failed status")
	}
}

func (q *EncodeQueue) transition(ctx context.Context, id string, status constant.EncodingStatus, message string) (*entities.VideoStatus, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	row, err := q.repo.UpdateStatus(writeCtx, id, status, message)
	if err != nil {
		return row, err
	}
	q.publish(ctx, row)
	return row, nil
}

func (q *EncodeQueue) publish(ctx context.Context, row *entities.VideoStatus) {
	if q.notifier == nil || row == nil {
		return
	}
	event := dto.StatusEventMessage{
		Name:      row.Name,
		Status:    row.Status,
		Message:   row.Message,
		UpdatedAt: row.UpdatedAt,
	}
	if err := q.notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("job_id", row.Name).Msg("failed to publish status event")
	}
}

// recoverUnfinished re-queues jobs left Pending or Processing by a previous process.
func (q *EncodeQueue) recoverUnfinished(ctx context.Context) error {
	if q.stagingDir == "" {
		return nil
	}
	rows, err := q.repo.ListByStatus(ctx, constant.EncodingStatusPending, constant.EncodingStatusProcessing)
	if err != nil {
		return err
	}

	q.mu.Lock()
	queued := make(map[string]struct{}, len(q.pending))
	for _, job := range q.pending {
		queued[job.ID] = struct{}{}
	}
	q.mu.Unlock()

	recovered := 0
	for _, row := range rows {
		if _, ok := queued[row.Name]; ok {
			continue
		}
		source := StagedSourcePath(q.stagingDir, row.Name)
		if _, err := os.Stat(source); err != nil {
			q.fail(ctx, row.Name, fmt.Errorf("source lost before encode: %w", err))
			continue
		}
		q.push(EncodeJob{ID: row.Name, SourcePath: source})
		recovered++
	}
	if recovered > 0 {
		zerolog.Ctx(ctx).Info().Int("jobs", recovered).Msg("recovered unfinished encode jobs")
	}
	return nil
}

// truncate cuts s to at most max bytes on a character boundary.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
