package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"media-hls/dto"
	"media-hls/repository"
	"media-hls/service"
)

// ErrorWithStatus is an error that already knows its HTTP status.
type ErrorWithStatus struct {
	Status  int
	Message string
}

func (e *ErrorWithStatus) Error() string {
	return e.Message
}

func NewErrorWithStatus(status int, message string) *ErrorWithStatus {
	return &ErrorWithStatus{Status: status, Message: message}
}

func statusFor(err error) int {
	var withStatus *ErrorWithStatus
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &withStatus):
		return withStatus.Status
	case errors.As(err, &tooLarge), errors.Is(err, service.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrVideoRequired),
		errors.Is(err, service.ErrImageRequired),
		errors.Is(err, service.ErrTooManyFiles),
		errors.Is(err, service.ErrInvalidFileType):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrStatusNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrJobExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError renders {"message": ...}. Internal errors are logged and hidden from the client.
func abortWithError(c *gin.Context, err error) {
	status, body := errorBody(c, err)
	c.AbortWithStatusJSON(status, body)
}

// abortWithResult is abortWithError plus the work that did complete, under "result".
func abortWithResult(c *gin.Context, err error, result []dto.Media) {
	status, body := errorBody(c, err)
	if len(result) > 0 {
		body["result"] = result
	}
	c.AbortWithStatusJSON(status, body)
}

func errorBody(c *gin.Context, err error) (int, gin.H) {
	status := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		message = http.StatusText(status)
	}
	return status, gin.H{"message": message}
}
