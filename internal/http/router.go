// Package httpapi wires the admin HTTP transport (Gin) to the ledger
// services and repositories. The surface is read-only: it exists so an
// operator can audit what a fleet of workers has done — ledger lookups,
// attempt histories, stats, and the action trail — not to mutate state.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/tbourn/tg-media-archiver/internal/config"
	"github.com/tbourn/tg-media-archiver/internal/domain"
	"github.com/tbourn/tg-media-archiver/internal/http/handlers"
	"github.com/tbourn/tg-media-archiver/internal/http/middleware"
	"github.com/tbourn/tg-media-archiver/internal/repo"
	"github.com/tbourn/tg-media-archiver/internal/services"
)

// entryListerShim adapts the repository free functions to the
// handlers.EntryLister interface. This keeps handlers decoupled from the
// concrete repo package while reusing existing functions.
type entryListerShim struct{ db *gorm.DB }

func (s entryListerShim) ListEntries(ctx context.Context, chatID int64, status domain.DownloadStatus, offset, limit int) ([]domain.LedgerEntry, error) {
	return repo.ListEntries(ctx, s.db, chatID, status, offset, limit)
}

func (s entryListerShim) Stats(ctx context.Context, chatID int64) (any, error) {
	return repo.Stats(ctx, s.db, chatID)
}

// actionReaderShim adapts the action repo functions to handlers.ActionReader.
type actionReaderShim struct{ db *gorm.DB }

func (s actionReaderShim) ListActions(ctx context.Context, f repo.ActionFilter, offset, limit int) ([]domain.Action, error) {
	return repo.ListActions(ctx, s.db, f, offset, limit)
}

func (s actionReaderShim) CountActions(ctx context.Context, f repo.ActionFilter) (int64, error) {
	return repo.CountActions(ctx, s.db, f)
}

// NewRouter builds the admin engine: correlation, logging, recovery,
// metrics, health, and the versioned read-only API under /api/v1.
func NewRouter(db *gorm.DB, ledger *services.LedgerService, cfg config.AdminConfig) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.Metrics())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/ledger/stats", handlers.GetStats(entryListerShim{db}))
		v1.GET("/ledger/:chat_id", handlers.ListEntries(entryListerShim{db}))
		v1.GET("/ledger/:chat_id/:message_id", handlers.GetEntry(ledger))
		v1.GET("/actions", handlers.ListActions(actionReaderShim{db}))
	}

	return r
}

// NewServer wraps the router in an http.Server with the configured limits.
func NewServer(r *gin.Engine, cfg config.AdminConfig) *http.Server {
	return &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        r,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
}
