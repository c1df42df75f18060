// Package handlers provides the read-only HTTP handlers of the admin/audit
// surface. This file serves ledger lookups: one entry with its attempt
// history, per-chat entry listings, and aggregate stats.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/tg-media-archiver/internal/domain"
	"github.com/tbourn/tg-media-archiver/internal/services"
	"github.com/tbourn/tg-media-archiver/internal/utils"
)

// LedgerReader is the slice of LedgerService the handlers need.
type LedgerReader interface {
	History(ctx context.Context, key domain.LedgerKey) (*domain.LedgerEntry, []domain.Attempt, error)
}

// EntryLister lists ledger rows and stats; implemented by a repo shim.
type EntryLister interface {
	ListEntries(ctx context.Context, chatID int64, status domain.DownloadStatus, offset, limit int) ([]domain.LedgerEntry, error)
	Stats(ctx context.Context, chatID int64) (any, error)
}

// EntryResponse is a ledger entry together with its attempt history.
type EntryResponse struct {
	Entry    *domain.LedgerEntry `json:"entry"`
	Attempts []domain.Attempt    `json:"attempts"`
}

// GetEntry handles GET /ledger/:chat_id/:message_id.
func GetEntry(svc LedgerReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		chatID := utils.ParseInt64Default(c.Param("chat_id"), 0)
		messageID := utils.ParseInt64Default(c.Param("message_id"), 0)
		if chatID == 0 || messageID == 0 {
			fail(c, http.StatusBadRequest, CodeBadRequest, "chat_id and message_id must be positive integers")
			return
		}

		entry, attempts, err := svc.History(c.Request.Context(), domain.LedgerKey{ChatID: chatID, MessageID: messageID})
		if errors.Is(err, services.ErrEntryNotFound) {
			fail(c, http.StatusNotFound, CodeNotFound, "ledger entry not found")
			return
		}
		if err != nil {
			fail(c, http.StatusInternalServerError, CodeInternal, "failed to load ledger entry")
			return
		}
		ok(c, http.StatusOK, EntryResponse{Entry: entry, Attempts: attempts})
	}
}

// ListEntries handles GET /ledger/:chat_id with optional ?status= and
// pagination.
func ListEntries(lister EntryLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		chatID := utils.ParseInt64Default(c.Param("chat_id"), 0)
		if chatID == 0 {
			fail(c, http.StatusBadRequest, CodeBadRequest, "chat_id must be a positive integer")
			return
		}

		status := domain.DownloadStatus(c.Query("status"))
		if status != "" && !status.IsValid() {
			fail(c, http.StatusBadRequest, CodeBadRequest, "status must be one of: pending, downloaded, failed, skipped")
			return
		}

		page := utils.AtoiDefault(c.Query("page"), 1)
		pageSize := utils.AtoiDefault(c.Query("page_size"), 50)
		_, pageSize, offset := utils.ClampPage(page, pageSize, 500)

		entries, err := lister.ListEntries(c.Request.Context(), chatID, status, offset, pageSize)
		if err != nil {
			fail(c, http.StatusInternalServerError, CodeInternal, "failed to list ledger entries")
			return
		}
		ok(c, http.StatusOK, gin.H{"items": entries})
	}
}

// GetStats handles GET /ledger/stats with optional ?chat_id=.
func GetStats(lister EntryLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		chatID := utils.ParseInt64Default(c.Query("chat_id"), 0)
		stats, err := lister.Stats(c.Request.Context(), chatID)
		if err != nil {
			fail(c, http.StatusInternalServerError, CodeInternal, "failed to compute stats")
			return
		}
		ok(c, http.StatusOK, stats)
	}
}
