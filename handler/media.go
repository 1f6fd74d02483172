package handler

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"media-hls/dto"
	"media-hls/entities"
	"media-hls/repository"
)

const (
	videoField = "video"
	imageField = "image"
)

type Ingestor interface {
	StageHLS(ctx context.Context, files []*multipart.FileHeader) ([]dto.Media, error)
	StageProgressive(ctx context.Context, files []*multipart.FileHeader) ([]dto.Media, error)
	StageImage(ctx context.Context, files []*multipart.FileHeader) ([]dto.Media, error)
	MaxRequestSize() int64
	MaxImageRequestSize() int64
}

type StatusFinder interface {
	FindStatus(ctx context.Context, name string) (*entities.VideoStatus, error)
}

type MediaHandler struct {
	ingest   Ingestor
	statuses StatusFinder
}

func NewMediaHandler(ingest Ingestor, statuses StatusFinder) *MediaHandler {
	return &MediaHandler{ingest: ingest, statuses: statuses}
}

// UploadVideoHLS stages the uploaded videos for encoding and answers without waiting for it.
// Jobs queued before a failure are listed under "result" next to the error message.
func (h *MediaHandler) UploadVideoHLS(c *gin.Context) {
	files, err := h.formFiles(c, videoField, h.ingest.MaxRequestSize())
	if err != nil {
		abortWithError(c, err)
		return
	}
	media, err := h.ingest.StageHLS(c.Request.Context(), files)
	if err != nil {
		abortWithResult(c, err, media)
		return
	}
	c.JSON(http.StatusOK, media)
}

func (h *MediaHandler) UploadImage(c *gin.Context) {
	files, err := h.formFiles(c, imageField, h.ingest.MaxImageRequestSize())
	if err != nil {
		abortWithError(c, err)
		return
	}
	media, err := h.ingest.StageImage(c.Request.Context(), files)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, media)
}

func (h *MediaHandler) UploadVideo(c *gin.Context) {
	files, err := h.formFiles(c, videoField, h.ingest.MaxRequestSize())
	if err != nil {
		abortWithError(c, err)
		return
	}
	media, err := h.ingest.StageProgressive(c.Request.Context(), files)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, media)
}

func (h *MediaHandler) VideoStatus(c *gin.Context) {
	status, err := h.statuses.FindStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrStatusNotFound) {
			abortWithError(c, NewErrorWithStatus(http.StatusNotFound, "Video not found"))
			return
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *MediaHandler) formFiles(c *gin.Context, field string, limit int64) ([]*multipart.FileHeader, error) {
	if limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, NewErrorWithStatus(http.StatusBadRequest, "invalid multipart body: "+err.Error())
	}
	return form.File[field], nil
}
