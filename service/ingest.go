package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"media-hls/constant"
	"media-hls/dto"
	"media-hls/entities"
	"media-hls/repository"
)

var (
	ErrVideoRequired   = errors.New("video is required")
	ErrImageRequired   = errors.New("image is required")
	ErrTooManyFiles    = errors.New("too many files")
	ErrInvalidFileType = errors.New("file type is not allowed")
	ErrFileTooLarge    = errors.New("file is too large")
	ErrStorageDisabled = errors.New("object storage is not configured")
	ErrObjectRequired  = errors.New("object path is required")
)

const (
	defaultMaxImageSize = 300 * 1024
	defaultMaxImages    = 4
	jpegQuality         = 90
)

var imageTypes = []string{"image/jpeg", "image/jpg", "image/png"}

// Enqueuer accepts a staged source file and returns its job id.
type Enqueuer interface {
	Enqueue(ctx context.Context, sourcePath string) (string, error)
}

// ObjectStore is the part of the bucket the ingestion path needs.
type ObjectStore interface {
	Download(ctx context.Context, objectName, localPath string) error
	ObjectURL(objectName string) string
}

type StatusLookup interface {
	FindStatus(ctx context.Context, name string) (*entities.VideoStatus, error)
}

type IngestConfig struct {
	StagingDir   string
	VideoDir     string
	ImageDir     string
	MaxFileSize  int64
	MaxFiles     int
	AllowedTypes []string
	MaxImageSize int64
	MaxImages    int
	PublicURL    string
	// Objects is nil when object storage is disabled.
	Objects ObjectStore
	// Statuses lets remote requests for known jobs be dropped before downloading.
	Statuses StatusLookup
}

type uploadLimits struct {
	maxFileSize int64
	maxFiles    int
	allowed     map[string]struct{}
	required    error
}

func newUploadLimits(maxFileSize int64, maxFiles int, types []string, required error) uploadLimits {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return uploadLimits{maxFileSize: maxFileSize, maxFiles: maxFiles, allowed: allowed, required: required}
}

func (l uploadLimits) check(files []*multipart.FileHeader) error {
	if len(files) == 0 {
		return l.required
	}
	if l.maxFiles > 0 && len(files) > l.maxFiles {
		return fmt.Errorf("%w: at most %d per request", ErrTooManyFiles, l.maxFiles)
	}
	for _, fh := range files {
		mediaType, _, err := mime.ParseMediaType(fh.Header.Get("Content-Type"))
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidFileType, fh.Filename)
		}
		if _, ok := l.allowed[strings.ToLower(mediaType)]; !ok {
			return fmt.Errorf("%w: %s", ErrInvalidFileType, mediaType)
		}
		if l.maxFileSize > 0 && fh.Size > l.maxFileSize {
			return fmt.Errorf("%w: %s exceeds %d bytes", ErrFileTooLarge, fh.Filename, l.maxFileSize)
		}
	}
	return nil
}

func (l uploadLimits) requestSize() int64 {
	if l.maxFileSize <= 0 || l.maxFiles <= 0 {
		return 0
	}
	// room for multipart framing
	return l.maxFileSize*int64(l.maxFiles) + 1<<20
}

type IngestService struct {
	queue      Enqueuer
	stagingDir string
	videoDir   string
	imageDir   string
	video      uploadLimits
	image      uploadLimits
	publicURL  string
	objects    ObjectStore
	statuses   StatusLookup
}

func NewIngestService(queue Enqueuer, cfg IngestConfig) *IngestService {
	videoTypes := cfg.AllowedTypes
	if len(videoTypes) == 0 {
		videoTypes = []string{"video/mp4"}
	}
	maxImageSize := cfg.MaxImageSize
	if maxImageSize <= 0 {
		maxImageSize = defaultMaxImageSize
	}
	maxImages := cfg.MaxImages
	if maxImages <= 0 {
		maxImages = defaultMaxImages
	}
	return &IngestService{
		queue:      queue,
		stagingDir: cfg.StagingDir,
		videoDir:   cfg.VideoDir,
		imageDir:   cfg.ImageDir,
		video:      newUploadLimits(cfg.MaxFileSize, cfg.MaxFiles, videoTypes, ErrVideoRequired),
		image:      newUploadLimits(maxImageSize, maxImages, imageTypes, ErrImageRequired),
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
		objects:    cfg.Objects,
		statuses:   cfg.Statuses,
	}
}

// MaxRequestSize bounds a whole video upload request body.
func (s *IngestService) MaxRequestSize() int64 {
	return s.video.requestSize()
}

func (s *IngestService) MaxImageRequestSize() int64 {
	return s.image.requestSize()
}

func (s *IngestService) Validate(files []*multipart.FileHeader) error {
	return s.video.check(files)
}

func (s *IngestService) ValidateImages(files []*multipart.FileHeader) error {
	return s.image.check(files)
}

// StageHLS stages every file under a fresh job id, then queues them for encoding.
// It returns as soon as the jobs are queued. When queueing stops part way, the jobs
// already queued are returned with the error and the rest are removed from staging.
func (s *IngestService) StageHLS(ctx context.Context, files []*multipart.FileHeader) ([]dto.Media, error) {
	if err := s.Validate(files); err != nil {
		return nil, err
	}

	sources := make([]string, 0, len(files))
	for _, fh := range files {
		source := StagedSourcePath(s.stagingDir, newJobID())
		if err := saveUpload(fh, source); err != nil {
			removeStaged(append(sources, source))
			return nil, fmt.Errorf("stage %s: %w", fh.Filename, err)
		}
		sources = append(sources, source)
	}

	result := make([]dto.Media, 0, len(files))
	for i, source := range sources {
		jobID, err := s.queue.Enqueue(ctx, source)
		if err != nil {
			removeStaged(sources[i:])
			if len(result) > 0 {
				zerolog.Ctx(ctx).Warn().Err(err).Int("queued", len(result)).Int("dropped", len(sources)-i).Msg("upload only partly queued")
			}
			return result, fmt.Errorf("queue %s: %w", files[i].Filename, err)
		}
		zerolog.Ctx(ctx).Info().Str("job_id", jobID).Str("file_name", files[i].Filename).Int64("size", files[i].Size).Msg("video staged for hls")
		result = append(result, s.hlsMedia(jobID))
	}
	return result, nil
}

// StageProgressive stores each file under a generated name for range streaming. Nothing is encoded.
func (s *IngestService) StageProgressive(ctx context.Context, files []*multipart.FileHeader) ([]dto.Media, error) {
	if err := s.Validate(files); err != nil {
		return nil, err
	}

	result := make([]dto.Media, 0, len(files))
	for _, fh := range files {
		name := newJobID() + ".mp4"
		if err := saveUpload(fh, filepath.Join(s.videoDir, name)); err != nil {
			return nil, fmt.Errorf("store %s: %w", fh.Filename, err)
		}
		zerolog.Ctx(ctx).Info().Str("name", name).Int64("size", fh.Size).Msg("video stored")
		result = append(result, dto.Media{
			URL:  s.publicURL + "/resource/video-stream/" + name,
			Type: constant.MediaTypeVideo,
		})
	}
	return result, nil
}

// StageImage re-encodes each image as JPEG under a generated name.
func (s *IngestService) StageImage(ctx context.Context, files []*multipart.FileHeader) ([]dto.Media, error) {
	if err := s.ValidateImages(files); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.imageDir, os.ModePerm); err != nil {
		return nil, err
	}

	result := make([]dto.Media, 0, len(files))
	written := make([]string, 0, len(files))
	for _, fh := range files {
		name := newJobID() + ".jpg"
		dst := filepath.Join(s.imageDir, name)
		if err := saveJPEG(fh, dst); err != nil {
			for _, p := range written {
				_ = os.Remove(p)
			}
			return nil, fmt.Errorf("store %s: %w", fh.Filename, err)
		}
		written = append(written, dst)
		zerolog.Ctx(ctx).Info().Str("name", name).Int64("size", fh.Size).Msg("image stored")
		result = append(result, dto.Media{
			URL:  s.publicURL + "/static/image/" + name,
			Type: constant.MediaTypeImage,
		})
	}
	return result, nil
}

// StageObject downloads a bucket object requested over the message queue and queues it.
func (s *IngestService) StageObject(ctx context.Context, msg dto.EncodeRequestMessage) (string, error) {
	if s.objects == nil {
		return "", ErrStorageDisabled
	}
	objectName := strings.TrimPrefix(msg.ObjectPath, "/")
	if objectName == "" {
		return "", ErrObjectRequired
	}

	id := sanitizeJobID(msg.JobId)
	if id == "" {
		id = newJobID()
	} else if err := s.checkUnknownJob(ctx, id); err != nil {
		return "", err
	}
	source := StagedSourcePath(s.stagingDir, id)
	if _, err := os.Stat(source); err == nil {
		// a staged source means the job is still queued or running
		return "", fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	if err := os.MkdirAll(filepath.Dir(source), os.ModePerm); err != nil {
		return "", err
	}
	if err := s.objects.Download(ctx, objectName, source); err != nil {
		_ = os.RemoveAll(filepath.Dir(source))
		return "", fmt.Errorf("download %s: %w", objectName, err)
	}

	jobID, err := s.queue.Enqueue(ctx, source)
	if err != nil {
		_ = os.RemoveAll(filepath.Dir(source))
		return "", err
	}
	return jobID, nil
}

// checkUnknownJob reports ErrJobExists when id already has a status row.
func (s *IngestService) checkUnknownJob(ctx context.Context, id string) error {
	if s.statuses == nil {
		return nil
	}
	_, err := s.statuses.FindStatus(ctx, id)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrJobExists, id)
	case errors.Is(err, repository.ErrStatusNotFound):
		return nil
	default:
		return fmt.Errorf("look up %s: %w", id, err)
	}
}

func (s *IngestService) hlsMedia(id string) dto.Media {
	media := dto.Media{
		ID:          id,
		URL:         s.publicURL + "/static/video-hls/" + id + "/" + constant.MasterPlaylistName,
		URLResource: s.publicURL + "/resource/video-hls/" + id + "/master",
		Type:        constant.MediaTypeHLS,
	}
	if s.objects != nil {
		media.URLStorage = s.objects.ObjectURL(path.Join(HLSObjectPrefix(id), constant.MasterPlaylistName))
	}
	return media
}

func newJobID() string {
	return uuid.NewString()
}

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func sanitizeJobID(id string) string {
	id = strings.TrimSpace(id)
	if !jobIDPattern.MatchString(id) {
		return ""
	}
	return id
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func saveJPEG(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	img, _, err := image.Decode(src)
	if err != nil {
		return fmt.Errorf("%w: %s is not a readable image", ErrInvalidFileType, fh.Filename)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

func removeStaged(sources []string) {
	for _, source := range sources {
		_ = os.RemoveAll(filepath.Dir(source))
	}
}
