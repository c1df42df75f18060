// Command archiver runs one worker over a chat history export: it claims
// messages in the shared ledger, downloads their media, and records every
// outcome. Multiple instances on multiple hosts may run against the same
// database; they coordinate only through the ledger.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/tbourn/tg-media-archiver/internal/config"
	"github.com/tbourn/tg-media-archiver/internal/domain"
	httpapi "github.com/tbourn/tg-media-archiver/internal/http"
	"github.com/tbourn/tg-media-archiver/internal/observability"
	"github.com/tbourn/tg-media-archiver/internal/repo"
	"github.com/tbourn/tg-media-archiver/internal/services"
	"github.com/tbourn/tg-media-archiver/internal/source"
	"github.com/tbourn/tg-media-archiver/internal/storage"
	"github.com/tbourn/tg-media-archiver/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// ledgerRepoShim adapts the repository free functions to the
// services.LedgerRepo interface expected by the LedgerService.
type ledgerRepoShim struct{}

func (ledgerRepoShim) ClaimObservation(ctx context.Context, db *gorm.DB, chatID, messageID int64, mediaType domain.MediaType, hostname string, now time.Time) (*domain.LedgerEntry, bool, error) {
	return repo.ClaimObservation(ctx, db, chatID, messageID, mediaType, hostname, now)
}

func (ledgerRepoShim) GetEntry(ctx context.Context, db *gorm.DB, key domain.LedgerKey) (*domain.LedgerEntry, error) {
	return repo.GetEntry(ctx, db, key)
}

func (ledgerRepoShim) RecordOutcome(ctx context.Context, db *gorm.DB, key domain.LedgerKey, hostname, localFilePath string, outcome domain.AttemptOutcome, errorMessage string, now time.Time) (bool, error) {
	return repo.RecordOutcome(ctx, db, key, hostname, localFilePath, outcome, errorMessage, now)
}

func (ledgerRepoShim) Skip(ctx context.Context, db *gorm.DB, key domain.LedgerKey, hostname string, now time.Time) (bool, error) {
	return repo.Skip(ctx, db, key, hostname, now)
}

func (ledgerRepoShim) Reopen(ctx context.Context, db *gorm.DB, key domain.LedgerKey, now time.Time) (bool, error) {
	return repo.Reopen(ctx, db, key, now)
}

func (ledgerRepoShim) Reconcile(ctx context.Context, db *gorm.DB, now time.Time) (int, error) {
	return repo.Reconcile(ctx, db, now)
}

func (ledgerRepoShim) AttemptsFor(ctx context.Context, db *gorm.DB, key domain.LedgerKey) ([]domain.Attempt, error) {
	return repo.AttemptsFor(ctx, db, key)
}

// actionRecorderShim adapts repo.AppendAction to services.ActionRecorder.
type actionRecorderShim struct{}

func (actionRecorderShim) AppendAction(ctx context.Context, db *gorm.DB, hostname string, kind domain.ActionKind, errorMessage *string, now time.Time) (*domain.Action, error) {
	return repo.AppendAction(ctx, db, hostname, kind, errorMessage, now)
}

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	hostname := sysutil.ResolveHostname(cfg.Hostname)
	logger := log.With().Str("hostname", hostname).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		logger.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shCtx)
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("failed to open database")
	}
	if err := repo.Migrate(db); err != nil {
		// Partial schema never survives: each migration is transactional.
		logger.Fatal().Err(err).Msg("schema migration failed")
	}

	ledger := services.NewLedgerService(db, ledgerRepoShim{}, hostname)

	if cfg.Admin.Enabled {
		srv := httpapi.NewServer(httpapi.NewRouter(db, ledger, cfg.Admin), cfg.Admin)
		go func() {
			logger.Info().Str("addr", srv.Addr).Msg("admin server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("admin server failed")
			}
		}()
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shCtx)
		}()
	}

	if cfg.ExportPath == "" {
		logger.Fatal().Msg("EXPORT_PATH must point at a message export feed")
	}
	src := &source.FileSource{Path: cfg.ExportPath, From: cfg.DateFrom, To: cfg.DateTo}

	svc := services.NewArchiveService(
		ledger,
		actionRecorderShim{},
		// Media refs in the export resolve relative to the export file.
		&storage.LocalFetcher{Root: filepath.Dir(cfg.ExportPath)},
		&storage.FileStore{Root: cfg.DownloadDir},
		logger,
	)
	svc.Wanted = cfg.WantsMedia
	svc.OpTimeout = cfg.OpTimeout
	if cfg.RateRPS > 0 {
		svc.Limiter = rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst)
	}

	res, err := svc.Run(ctx, src, cfg.ChatID)
	if err != nil {
		logger.Fatal().Err(err).Msg("batch failed")
	}
	logger.Info().
		Int("observed", res.Observed).
		Int("downloaded", res.Downloaded).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Int("repaired", res.Repaired).
		Msg("archiver finished")
}
