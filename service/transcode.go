package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"media-hls/constant"
)

type Rendition struct {
	Name      string
	Width     int
	Height    int
	Bitrate   string // e.g., "800k"
	AudioRate string // e.g., "96k"
}

// DefaultRenditions is the HLS ladder, lowest first.
var DefaultRenditions = []Rendition{
	{Name: "144p", Width: 256, Height: 144, Bitrate: "200k", AudioRate: "64k"},
	{Name: "360p", Width: 640, Height: 360, Bitrate: "800k", AudioRate: "96k"},
	{Name: "480p", Width: 854, Height: 480, Bitrate: "1500k", AudioRate: "128k"},
	{Name: "720p", Width: 1280, Height: 720, Bitrate: "3000k", AudioRate: "192k"},
	{Name: "1080p", Width: 1920, Height: 1080, Bitrate: "5000k", AudioRate: "192k"},
}

const (
	hlsSegmentSeconds = "6"
	segmentPattern    = "segment_%03d.ts"
	stderrTailBytes   = 800
)

// Transcoder turns one source file into an HLS package under outputDir.
type Transcoder interface {
	Transcode(ctx context.Context, sourcePath, outputDir string) error
}

type ffmpegTranscoder struct {
	ffmpegPath  string
	ffprobePath string
	renditions  []Rendition
}

func NewFFmpegTranscoder(ffmpegPath, ffprobePath string, renditions []Rendition) Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if len(renditions) == 0 {
		renditions = DefaultRenditions
	}
	ladder := make([]Rendition, len(renditions))
	copy(ladder, renditions)
	return &ffmpegTranscoder{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		renditions:  ladder,
	}
}

func (t *ffmpegTranscoder) Transcode(ctx context.Context, sourcePath, outputDir string) error {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return fmt.Errorf("stat source: %s is not a readable video file", sourcePath)
	}

	if err := os.RemoveAll(outputDir); err != nil {
		return fmt.Errorf("reset output dir: %w", err)
	}
	if err := os.MkdirAll(outputDir, os.ModePerm); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	height, err := t.probeHeight(ctx, sourcePath)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("source", sourcePath).Msg("probe failed, encoding full ladder")
	}
	ladder := selectRenditions(t.renditions, height)
	for _, r := range ladder {
		if err := os.MkdirAll(filepath.Join(outputDir, r.Name), os.ModePerm); err != nil {
			return fmt.Errorf("create %s dir: %w", r.Name, err)
		}
	}

	args := buildHLSArgs(sourcePath, outputDir, ladder)
	stderr := newTailWriter(ctx, stderrTailBytes)
	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	cmd.Stdout = stderr
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	zerolog.Ctx(ctx).Debug().Str("cmd", t.ffmpegPath+" "+strings.Join(args, " ")).Msg("executing ffmpeg")
	started := time.Now()
	err = cmd.Run()
	stderr.Flush()
	if err != nil {
		step := "encode renditions " + renditionNames(ladder)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", step, ctxErr)
		}
		if tail := stderr.Tail(); tail != "" {
			return fmt.Errorf("%s: %w: %s", step, err, tail)
		}
		return fmt.Errorf("%s: %w", step, err)
	}
	zerolog.Ctx(ctx).Info().Dur("elapsed", time.Since(started)).Str("renditions", renditionNames(ladder)).Msg("ffmpeg finished")

	if err := createMasterPlaylist(outputDir, ladder); err != nil {
		return fmt.Errorf("write master playlist: %w", err)
	}
	return nil
}

func (t *ffmpegTranscoder) probeHeight(ctx context.Context, sourcePath string) (int, error) {
	cmd := exec.CommandContext(ctx, t.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		sourcePath,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	return parseProbeHeight(string(output))
}

func parseProbeHeight(output string) (int, error) {
	line := strings.TrimSpace(output)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	parts := strings.Split(line, "x")
	if len(parts) < 2 {
		return 0, fmt.Errorf("unexpected probe output %q", output)
	}
	height, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, fmt.Errorf("unexpected probe output %q: %w", output, err)
	}
	return height, nil
}

// selectRenditions drops renditions taller than the source but always keeps the lowest.
func selectRenditions(ladder []Rendition, sourceHeight int) []Rendition {
	if sourceHeight <= 0 || len(ladder) == 0 {
		return ladder
	}
	selected := make([]Rendition, 0, len(ladder))
	for _, r := range ladder {
		if r.Height <= sourceHeight {
			selected = append(selected, r)
		}
	}
	if len(selected) == 0 {
		selected = append(selected, ladder[0])
	}
	return selected
}

func buildHLSArgs(inputFilepath, outputDir string, ladder []Rendition) []string {
	var filterComplexBuilder strings.Builder
	filterComplexBuilder.WriteString(fmt.Sprintf("[0:v]split=%d", len(ladder)))
	for i := range ladder {
		filterComplexBuilder.WriteString(fmt.Sprintf("[s%d]", i))
	}
	for i, r := range ladder {
		filterComplexBuilder.WriteString(
			fmt.Sprintf("; [s%d]scale=w=%d:h=%d:force_original_aspect_ratio=decrease:force_divisible_by=2,pad=w=%d:h=%d:x=(ow-iw)/2:y=(oh-ih)/2[v%d]",
				i, r.Width, r.Height, r.Width, r.Height, i))
	}

	ffmpegArgs := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-y",
		"-i", inputFilepath,
		"-filter_complex", filterComplexBuilder.String(),
	}

	for i, r := range ladder {
		ffmpegArgs = append(ffmpegArgs,
			"-map", fmt.Sprintf("[v%d]", i),
			"-map", "0:a:0?",

			"-c:v", "libx264",
			"-preset", "veryfast",
			"-b:v", r.Bitrate,
			"-maxrate", r.Bitrate,
			"-bufsize", r.Bitrate,
			"-g", "48",
			"-sc_threshold", "0",

			"-c:a", "aac",
			"-b:a", r.AudioRate,

			"-f", "hls",
			"-hls_time", hlsSegmentSeconds,
			"-hls_playlist_type", "vod",
			"-hls_segment_filename", filepath.Join(outputDir, r.Name, segmentPattern),
			filepath.Join(outputDir, r.Name, constant.RenditionPlaylistName),
		)
	}
	return ffmpegArgs
}

func createMasterPlaylist(outputDir string, ladder []Rendition) error {
	masterPlaylistPath := filepath.Join(outputDir, constant.MasterPlaylistName)
	var contentBuilder strings.Builder
	contentBuilder.WriteString("#EXTM3U\n")
	contentBuilder.WriteString("#EXT-X-VERSION:3\n")

	for _, r := range ladder {
		totalBandwidth := (kbps(r.Bitrate) + kbps(r.AudioRate)) * 1000
		contentBuilder.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"avc1.640028,mp4a.40.2\"\n", totalBandwidth, r.Width, r.Height))
		contentBuilder.WriteString(r.Name + "/" + constant.RenditionPlaylistName + "\n")
	}

	tmp := masterPlaylistPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(contentBuilder.String()), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, masterPlaylistPath)
}

func kbps(rate string) int {
	var value int
	fmt.Sscanf(rate, "%dk", &value)
	return value
}

func renditionNames(ladder []Rendition) string {
	names := make([]string, 0, len(ladder))
	for _, r := range ladder {
		names = append(names, r.Name)
	}
	return strings.Join(names, ",")
}

// tailWriter forwards ffmpeg output lines to debug logs and keeps the last bytes for error messages.
// A line split across writes is held until its terminator arrives.
type tailWriter struct {
	ctx  context.Context
	max  int
	mu   sync.Mutex
	line []byte
	tail []byte
}

func newTailWriter(ctx context.Context, max int) *tailWriter {
	return &tailWriter{ctx: ctx, max: max}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.line = append(w.line, p...)
	for {
		// ffmpeg ends progress lines with \r
		i := bytes.IndexAny(w.line, "\r\n")
		if i < 0 {
			break
		}
		w.logLine(w.line[:i])
		w.line = append(w.line[:0], w.line[i+1:]...)
	}
	if len(w.line) > w.max {
		w.logLine(w.line)
		w.line = w.line[:0]
	}

	w.tail = append(w.tail, p...)
	if len(w.tail) > w.max {
		w.tail = append(w.tail[:0], w.tail[len(w.tail)-w.max:]...)
	}
	return len(p), nil
}

// Flush logs a trailing line that never got its terminator.
func (w *tailWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logLine(w.line)
	w.line = w.line[:0]
}

func (w *tailWriter) logLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) > 0 {
		zerolog.Ctx(w.ctx).Debug().Str("stream", "ffmpeg").Msg(strings.ToValidUTF8(string(line), "\uFFFD"))
	}
}

// Tail returns the kept bytes starting at a character boundary.
func (w *tailWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	tail := w.tail
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(tail), "\uFFFD"))
}
