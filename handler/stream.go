package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"media-hls/constant"
)

var errBadRange = errors.New("invalid Range header")

type StreamConfig struct {
	VideoDir  string
	ChunkSize int64
	// DefaultStart is used when the request has no Range header. Negative disables it.
	DefaultStart int64
}

// StreamHandler serves progressive videos one bounded byte window per request.
type StreamHandler struct {
	videoDir     string
	chunkSize    int64
	defaultStart int64
}

func NewStreamHandler(cfg StreamConfig) *StreamHandler {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = constant.DefaultChunkSize
	}
	return &StreamHandler{
		videoDir:     cfg.VideoDir,
		chunkSize:    chunk,
		defaultStart: cfg.DefaultStart,
	}
}

func (h *StreamHandler) ServeVideoStream(c *gin.Context) {
	name, ok := cleanName(c.Param("name"))
	if !ok {
		abortWithError(c, NewErrorWithStatus(http.StatusNotFound, "Video not found"))
		return
	}
	videoPath := filepath.Join(h.videoDir, name)

	info, err := os.Stat(videoPath)
	if err != nil || !info.Mode().IsRegular() {
		abortWithError(c, NewErrorWithStatus(http.StatusNotFound, "Video not found"))
		return
	}
	size := info.Size()

	start, end, err := h.window(c.GetHeader("Range"), size)
	if err != nil {
		if errors.Is(err, errBadRange) {
			abortWithError(c, NewErrorWithStatus(http.StatusBadRequest, err.Error()))
			return
		}
		c.Header("Content-Range", fmt.Sprintf("bytes */%d", size))
		abortWithError(c, NewErrorWithStatus(http.StatusRequestedRangeNotSatisfiable, err.Error()))
		return
	}

	f, err := os.Open(videoPath)
	if err != nil {
		abortWithError(c, NewErrorWithStatus(http.StatusNotFound, "Video not found"))
		return
	}
	defer f.Close()
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		abortWithError(c, err)
		return
	}

	length := end - start + 1
	c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Length", strconv.FormatInt(length, 10))
	c.Header("Content-Type", "video/mp4")
	c.Status(http.StatusPartialContent)

	if _, err := io.CopyN(c.Writer, f, length); err != nil {
		// client went away mid-chunk
		zerolog.Ctx(c.Request.Context()).Debug().Err(err).Str("name", name).Msg("stream copy interrupted")
	}
}

// window resolves the byte range served for header against a file of size bytes.
func (h *StreamHandler) window(header string, size int64) (int64, int64, error) {
	var start int64
	requestedEnd := int64(-1)

	if header == "" {
		if h.defaultStart < 0 {
			return 0, 0, fmt.Errorf("%w: Requires Range header", errBadRange)
		}
		start = h.defaultStart
	} else {
		var err error
		start, requestedEnd, err = parseRange(header)
		if err != nil {
			return 0, 0, err
		}
	}

	if start >= size {
		return 0, 0, fmt.Errorf("range start %d beyond size %d", start, size)
	}
	end := min(start+h.chunkSize-1, size-1)
	if requestedEnd >= start && requestedEnd < end {
		end = requestedEnd
	}
	return start, end, nil
}

// parseRange reads "bytes=<start>-" or "bytes=<start>-<end>". end is -1 when open.
func parseRange(header string) (int64, int64, error) {
	ranges, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(ranges, ",") {
		return 0, 0, errBadRange
	}
	first, last, ok := strings.Cut(ranges, "-")
	if !ok || first == "" {
		return 0, 0, errBadRange
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errBadRange
	}
	end := int64(-1)
	if last = strings.TrimSpace(last); last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, errBadRange
		}
	}
	return start, end, nil
}

// cleanName rejects anything that is not a single path element.
func cleanName(name string) (string, bool) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", false
	}
	return filepath.Base(name), true
}
