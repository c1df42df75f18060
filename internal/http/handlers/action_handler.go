// Package handlers provides the read-only HTTP handlers of the admin/audit
// surface. This file serves the action log: the coarse audit trail of
// worker sessions, filterable by hostname and time range.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/tg-media-archiver/internal/domain"
	"github.com/tbourn/tg-media-archiver/internal/repo"
	"github.com/tbourn/tg-media-archiver/internal/utils"
)

// ActionReader lists audit rows; implemented by a repo shim.
type ActionReader interface {
	ListActions(ctx context.Context, f repo.ActionFilter, offset, limit int) ([]domain.Action, error)
	CountActions(ctx context.Context, f repo.ActionFilter) (int64, error)
}

// ActionsResponse is a page of audit rows plus pagination metadata.
type ActionsResponse struct {
	Items    []domain.Action `json:"items"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// ListActions handles GET /actions with optional ?hostname=, ?from=, ?to=
// (RFC 3339) and pagination.
func ListActions(reader ActionReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := repo.ActionFilter{Hostname: c.Query("hostname")}

		if v := c.Query("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				fail(c, http.StatusBadRequest, CodeBadRequest, "from must be RFC 3339")
				return
			}
			f.From = t
		}
		if v := c.Query("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				fail(c, http.StatusBadRequest, CodeBadRequest, "to must be RFC 3339")
				return
			}
			f.To = t
		}

		page := utils.AtoiDefault(c.Query("page"), 1)
		pageSize := utils.AtoiDefault(c.Query("page_size"), 50)
		page, pageSize, offset := utils.ClampPage(page, pageSize, 500)

		total, err := reader.CountActions(c.Request.Context(), f)
		if err != nil {
			fail(c, http.StatusInternalServerError, CodeInternal, "failed to count actions")
			return
		}
		items := []domain.Action{}
		if total > 0 {
			items, err = reader.ListActions(c.Request.Context(), f, offset, pageSize)
			if err != nil {
				fail(c, http.StatusInternalServerError, CodeInternal, "failed to list actions")
				return
			}
		}
		ok(c, http.StatusOK, ActionsResponse{Items: items, Total: total, Page: page, PageSize: pageSize})
	}
}
