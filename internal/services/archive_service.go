// Package services – ArchiveService
//
// This file implements the worker loop: enumerate message descriptors from
// a source, decide per message whether work is needed by consulting the
// ledger, perform the download through the fetcher/store collaborators, and
// record every outcome. Operation-level events (session start, chat
// listing, batch completion, fatal errors) land in the action log
// independently of any single message.
//
// The loop is safe to interrupt anywhere: every ledger mutation is
// individually atomic and claims are idempotent, so a restarted worker
// re-observes claimed messages as no-ops and only acts on pending work.
package services

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/tbourn/tg-media-archiver/internal/domain"
	"github.com/tbourn/tg-media-archiver/internal/observability"
	"github.com/tbourn/tg-media-archiver/internal/source"
)

// ActionRecorder defines the audit-log contract required by ArchiveService.
type ActionRecorder interface {
	AppendAction(ctx context.Context, db *gorm.DB, hostname string, kind domain.ActionKind, errorMessage *string, now time.Time) (*domain.Action, error)
}

// MediaFetcher resolves a descriptor's media reference to a byte stream.
type MediaFetcher interface {
	Fetch(ctx context.Context, msg source.Message) (io.ReadCloser, error)
}

// MediaStore persists a byte stream and returns the path written. The path
// is recorded in the ledger as an opaque identifier.
type MediaStore interface {
	Store(ctx context.Context, msg source.Message, r io.Reader) (string, error)
}

// BatchResult summarises one Run for logging and tests.
type BatchResult struct {
	Observed   int // descriptors consumed from the source
	Claimed    int // ledger rows this worker created
	Downloaded int // successful downloads recorded by this worker
	Skipped    int // entries this worker transitioned to skipped
	Failed     int // failed attempts recorded by this worker
	Repaired   int // entries fixed by the pre-run reconcile pass
}

// ArchiveService drives one worker's walk over a chat history.
type ArchiveService struct {
	// DB is the GORM handle shared with the repositories.
	DB *gorm.DB
	// Ledger coordinates claims and outcomes.
	Ledger *LedgerService
	// Actions receives the operation-level audit trail.
	Actions ActionRecorder
	// Fetch and Store are the platform and filesystem collaborators.
	Fetch MediaFetcher
	Store MediaStore

	// Wanted filters media types; descriptors it rejects are skipped in the
	// ledger rather than silently dropped, leaving an auditable record.
	Wanted func(domain.MediaType) bool
	// Limiter paces downloads against the platform. Nil means unlimited.
	Limiter *rate.Limiter
	// OpTimeout bounds every storage/download operation; a timeout is a
	// failure outcome, never a hang.
	OpTimeout time.Duration

	// Hostname identifies this worker in the action log.
	Hostname string
	// Now supplies timestamps; overridable in tests.
	Now func() time.Time

	Log zerolog.Logger
}

// NewArchiveService wires an ArchiveService around an existing LedgerService.
func NewArchiveService(ledger *LedgerService, actions ActionRecorder, fetch MediaFetcher, store MediaStore, log zerolog.Logger) *ArchiveService {
	return &ArchiveService{
		DB:        ledger.DB,
		Ledger:    ledger,
		Actions:   actions,
		Fetch:     fetch,
		Store:     store,
		Wanted:    func(domain.MediaType) bool { return true },
		OpTimeout: 30 * time.Second,
		Hostname:  ledger.Hostname,
		Now:       ledger.Now,
		Log:       log,
	}
}

// Run walks chatID's messages (0 = every chat in the source) and returns a
// batch summary. Failures of individual downloads are recorded and the walk
// continues; source and audit-log failures abort the batch with a
// fatal-error action, because a broken feed or audit trail is not
// recoverable mid-run.
func (s *ArchiveService) Run(ctx context.Context, src source.Source, chatID int64) (*BatchResult, error) {
	res := &BatchResult{}

	if err := s.audit(ctx, domain.ActionSessionStart, nil); err != nil {
		return nil, err
	}

	// Repair anything a crashed predecessor left half-committed before
	// trusting ledger statuses for this run's decisions.
	repaired, err := s.Ledger.Reconcile(ctx)
	if err != nil {
		return nil, s.fatal(ctx, res, err)
	}
	res.Repaired = repaired
	if repaired > 0 {
		observability.Repairs.Add(float64(repaired))
		s.Log.Warn().Int("repaired", repaired).Msg("reconciled orphaned ledger entries")
	}

	if chatID == 0 {
		chats, err := src.Chats(ctx)
		if err != nil {
			return nil, s.fatal(ctx, res, err)
		}
		if err := s.audit(ctx, domain.ActionListChats, nil); err != nil {
			return nil, err
		}
		s.Log.Info().Ints64("chats", chats).Msg("listed chats")
	}

	it, err := src.Messages(ctx, chatID)
	if err != nil {
		return nil, s.fatal(ctx, res, err)
	}
	defer it.Close()

	for {
		msg, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, s.fatal(ctx, res, err)
		}
		res.Observed++

		if err := s.process(ctx, *msg, res); err != nil {
			return nil, s.fatal(ctx, res, err)
		}
	}

	if err := s.audit(ctx, domain.ActionBatchComplete, nil); err != nil {
		return nil, err
	}
	s.Log.Info().
		Int("observed", res.Observed).
		Int("claimed", res.Claimed).
		Int("downloaded", res.Downloaded).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("batch complete")
	return res, nil
}

// process handles one descriptor. Download errors are recorded as failed
// attempts and do not abort the batch; only storage-layer errors propagate.
func (s *ArchiveService) process(ctx context.Context, msg source.Message, res *BatchResult) error {
	log := s.Log.With().
		Int64("chat_id", msg.ChatID).
		Int64("message_id", msg.MessageID).
		Str("media_type", string(msg.MediaType)).
		Logger()

	opCtx, cancel := context.WithTimeout(ctx, s.OpTimeout)
	entry, created, err := s.Ledger.Claim(opCtx, msg.ChatID, msg.MessageID, msg.MediaType)
	cancel()
	if err != nil {
		return err
	}
	if created {
		res.Claimed++
		observability.Claims.WithLabelValues("created").Inc()
		log.Debug().Msg("claimed message")
	} else {
		observability.Claims.WithLabelValues("existing").Inc()
	}

	switch entry.DownloadStatus {
	case domain.StatusDownloaded:
		log.Debug().Msg("already downloaded, nothing to do")
		return nil
	case domain.StatusSkipped:
		// Stays skipped until an explicit reopen; never reconsidered here.
		return nil
	}

	key := entry.Key()

	if !s.Wanted(msg.MediaType) {
		opCtx, cancel := context.WithTimeout(ctx, s.OpTimeout)
		changed, err := s.Ledger.Skip(opCtx, key)
		cancel()
		if err != nil {
			return err
		}
		if changed {
			res.Skipped++
			observability.Skips.Inc()
			log.Info().Msg("media type filtered, marked skipped")
		}
		return nil
	}

	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	path, dlErr := s.download(ctx, msg)

	opCtx, cancel = context.WithTimeout(ctx, s.OpTimeout)
	defer cancel()
	if dlErr != nil {
		changed, err := s.Ledger.RecordFailure(opCtx, key, dlErr.Error())
		if err != nil {
			return err
		}
		if changed {
			res.Failed++
		}
		observability.Attempts.WithLabelValues(string(domain.OutcomeFailure)).Inc()
		log.Warn().Err(dlErr).Msg("download failed")
		return nil
	}

	changed, err := s.Ledger.RecordSuccess(opCtx, key, path)
	if err != nil {
		return err
	}
	if changed {
		res.Downloaded++
		observability.Attempts.WithLabelValues(string(domain.OutcomeSuccess)).Inc()
		log.Info().Str("path", path).Msg("downloaded")
	} else {
		// Another worker beat us to it between claim and commit.
		log.Debug().Msg("success already recorded elsewhere")
	}
	return nil
}

// download fetches and persists one message's media under OpTimeout.
func (s *ArchiveService) download(ctx context.Context, msg source.Message) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.OpTimeout)
	defer cancel()

	rc, err := s.Fetch.Fetch(opCtx, msg)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	cr := &countingReader{r: rc}
	path, err := s.Store.Store(opCtx, msg, cr)
	if err != nil {
		return "", err
	}
	observability.DownloadBytes.Add(float64(cr.n))
	return path, nil
}

// audit appends one action row and counts it.
func (s *ArchiveService) audit(ctx context.Context, kind domain.ActionKind, errorMessage *string) error {
	if _, err := s.Actions.AppendAction(ctx, s.DB, s.Hostname, kind, errorMessage, s.Now()); err != nil {
		return err
	}
	observability.ActionWrites.WithLabelValues(string(kind)).Inc()
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// fatal appends a fatal-error action and returns err. A context already
// cancelled still gets a best-effort audit write on a short detached
// timeout, so the trail records why the batch died.
func (s *ArchiveService) fatal(ctx context.Context, res *BatchResult, err error) error {
	msg := err.Error()
	auditCtx := ctx
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var cancel context.CancelFunc
		auditCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if aerr := s.audit(auditCtx, domain.ActionFatalError, &msg); aerr != nil {
		s.Log.Error().Err(aerr).Msg("failed to record fatal-error action")
	}
	s.Log.Error().Err(err).
		Int("observed", res.Observed).
		Msg("batch aborted")
	return err
}
