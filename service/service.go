package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// ObjectUploader copies a finished HLS tree into the bucket.
type ObjectUploader interface {
	UploadDirectory(ctx context.Context, localPath, remotePrefix string) error
}

// HLSObjectPrefix is the bucket prefix that holds the package for job id.
func HLSObjectPrefix(id string) string {
	return "hls/" + id
}

type pipeline struct {
	transcoder Transcoder
	uploader   ObjectUploader
	stagingDir string
}

// NewPipeline wraps a transcoder with the steps around it: publishing the package
// when uploader is set, and removing the staged source once the job is over.
func NewPipeline(transcoder Transcoder, uploader ObjectUploader, stagingDir string) Transcoder {
	return &pipeline{
		transcoder: transcoder,
		uploader:   uploader,
		stagingDir: stagingDir,
	}
}

func (p *pipeline) Transcode(ctx context.Context, sourcePath, outputDir string) (err error) {
	id := filepath.Base(outputDir)
	defer p.removeStaged(ctx, sourcePath)

	zerolog.Ctx(ctx).Info().Str("output_dir", outputDir).Msg("transcode file")
	if err = p.transcoder.Transcode(ctx, sourcePath, outputDir); err != nil {
		return err
	}

	if p.uploader == nil {
		return nil
	}
	zerolog.Ctx(ctx).Info().Str("prefix", HLSObjectPrefix(id)).Msg("upload transcode file")
	if err = p.uploader.UploadDirectory(ctx, outputDir, HLSObjectPrefix(id)); err != nil {
		return fmt.Errorf("publish hls package: %w", err)
	}
	return nil
}

// removeStaged deletes the per-job staging directory. Sources outside stagingDir are left alone.
func (p *pipeline) removeStaged(ctx context.Context, sourcePath string) {
	if p.stagingDir == "" {
		return
	}
	dir := filepath.Dir(sourcePath)
	rel, err := filepath.Rel(p.stagingDir, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		zerolog.Ctx(ctx).Warn().Err(err).Str("dir", dir).Msg("failed to remove staged source")
	}
}
