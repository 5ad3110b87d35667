package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/sitemap/internal/sitemap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidRequest = "invalid_request"
	errorCodeUnauthorized   = "unauthorized"
	errorCodeInternal       = "internal_error"
)

type errorPayload struct {
	Error           string `json:"error"`
	NodeID          string `json:"node_id,omitempty"`
	Path            string `json:"path,omitempty"`
	Partial         bool   `json:"partial,omitempty"`
	Step            string `json:"step,omitempty"`
	CompletedWrites int    `json:"completed_writes,omitempty"`
}

// statusForCategory maps an engine error category to an HTTP status.
func statusForCategory(category error) int {
	switch {
	case errors.Is(category, sitemap.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(category, sitemap.ErrLockConflict):
		return http.StatusConflict
	case errors.Is(category, sitemap.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(category, sitemap.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondServiceError writes the JSON error for a failed engine call. The engine has already
// logged the failure with its context.
func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	var failure *sitemap.ServiceError
	if !errors.As(err, &failure) {
		h.logger.Error("unclassified sitemap failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: errorCodeInternal})
		return
	}
	payload := errorPayload{
		Error:  failure.Code(),
		NodeID: failure.NodeID(),
		Path:   failure.Path(),
	}
	if errors.Is(failure.Category(), sitemap.ErrPartialApplication) {
		payload.Partial = true
		payload.Step = failure.Step()
		payload.CompletedWrites = failure.CompletedWrites()
	}
	c.JSON(statusForCategory(failure.Category()), payload)
}

func respondInvalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, errorPayload{Error: errorCodeInvalidRequest})
}
