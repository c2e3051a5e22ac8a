// Package httpapi exposes the judge engine's diagnostic HTTP surface:
// a liveness probe and a read-only submission status lookup, nothing
// that participates in grading itself.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"fuzoj/internal/common/http/middleware"
	appErr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/response"
)

// SubmissionStatus is the subset of a submission row the debug endpoint
// renders.
type SubmissionStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Score  int64  `json:"score"`
	Time   int64  `json:"time"`
	Memory uint64 `json:"memory"`
	Groups string `json:"groups"`
}

// Store is the read-only seam the debug endpoint needs.
type Store interface {
	GetSubmissionStatus(ctx context.Context, id string) (SubmissionStatus, error)
}

// New builds the diagnostic gin engine: trace context on every request,
// a liveness probe, and a read-only submission lookup.
func New(store Store) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.TraceContextMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/debug/submissions/:id", func(c *gin.Context) {
		id := c.Param("id")
		status, err := store.GetSubmissionStatus(c.Request.Context(), id)
		if err != nil {
			if appErr.Is(err, appErr.SubmissionNotFound) {
				response.NotFound(c, "submission not found")
				return
			}
			response.InternalServerError(c, err)
			return
		}
		response.Success(c, status)
	})

	return r
}
