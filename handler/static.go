package handler

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"media-hls/constant"
	"media-hls/pkg/storage"
)

// HLSHandler serves files of finished HLS packages from disk.
type HLSHandler struct {
	hlsDir string
}

func NewHLSHandler(hlsDir string) *HLSHandler {
	return &HLSHandler{hlsDir: hlsDir}
}

func (h *HLSHandler) ServeMaster(c *gin.Context) {
	id, ok := cleanName(c.Param("id"))
	if !ok {
		abortWithError(c, NewErrorWithStatus(http.StatusNotFound, "Not found"))
		return
	}
	serveFile(c, filepath.Join(h.hlsDir, id, constant.MasterPlaylistName))
}

func (h *HLSHandler) ServeSegment(c *gin.Context) {
	id, okID := cleanName(c.Param("id"))
	rendition, okRendition := cleanName(c.Param("rendition"))
	segment, okSegment := cleanName(c.Param("segment"))
	if !okID || !okRendition || !okSegment {
		abortWithError(c, NewErrorWithStatus(http.StatusNotFound, "Not found"))
		return
	}
	serveFile(c, filepath.Join(h.hlsDir, id, rendition, segment))
}

// ImageHandler serves stored images by name.
type ImageHandler struct {
	imageDir string
}

func NewImageHandler(imageDir string) *ImageHandler {
	return &ImageHandler{imageDir: imageDir}
}

func (h *ImageHandler) ServeImage(c *gin.Context) {
	name, ok := cleanName(c.Param("name"))
	if !ok {
		abortWithError(c, NewErrorWithStatus(http.StatusNotFound, "Image not found"))
		return
	}
	info, err := os.Stat(filepath.Join(h.imageDir, name))
	if err != nil || !info.Mode().IsRegular() {
		abortWithError(c, NewErrorWithStatus(http.StatusNotFound, "Image not found"))
		return
	}
	serveFile(c, filepath.Join(h.imageDir, name))
}

func serveFile(c *gin.Context, filePath string) {
	info, err := os.Stat(filePath)
	if err != nil || !info.Mode().IsRegular() {
		abortWithError(c, NewErrorWithStatus(http.StatusNotFound, "Not found"))
		return
	}
	c.Header("Content-Type", storage.ContentTypeFor(filePath))
	c.File(filePath)
}
