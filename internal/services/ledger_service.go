// Package services – LedgerService
//
// This file implements the LedgerService, the single source of truth for
// "has this message been seen / downloaded, and by whom". It layers the
// coordination rules — claim-once, sticky success, explicit reopen — over
// the thin repository, stamps every mutation with the worker's hostname,
// and exposes the crash-repair pass that reconciles the ledger against the
// attempt history.
//
// Service-level errors (e.g. ErrEntryNotFound) are returned for predictable
// cases so callers can branch on them with errors.Is.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/tg-media-archiver/internal/domain"
)

// LedgerRepo defines the repository contract required by LedgerService.
// Implementations own storage-level atomicity: ClaimObservation must be an
// atomic insert-if-absent, and RecordOutcome must commit the ledger update
// and the attempt append as one transaction.
type LedgerRepo interface {
	// ClaimObservation inserts a pending entry, or returns the existing one
	// unchanged (created=false) when the pair is already claimed.
	ClaimObservation(ctx context.Context, db *gorm.DB, chatID, messageID int64, mediaType domain.MediaType, hostname string, now time.Time) (*domain.LedgerEntry, bool, error)

	// GetEntry fetches an entry by key, or gorm.ErrRecordNotFound.
	GetEntry(ctx context.Context, db *gorm.DB, key domain.LedgerKey) (*domain.LedgerEntry, error)

	// RecordOutcome atomically applies one attempt's result to the ledger
	// and appends it to the attempt log.
	RecordOutcome(ctx context.Context, db *gorm.DB, key domain.LedgerKey, hostname, localFilePath string, outcome domain.AttemptOutcome, errorMessage string, now time.Time) (bool, error)

	// Skip transitions pending → skipped.
	Skip(ctx context.Context, db *gorm.DB, key domain.LedgerKey, hostname string, now time.Time) (bool, error)

	// Reopen transitions skipped → pending.
	Reopen(ctx context.Context, db *gorm.DB, key domain.LedgerKey, now time.Time) (bool, error)

	// Reconcile repairs pending entries that already have a recorded
	// successful attempt.
	Reconcile(ctx context.Context, db *gorm.DB, now time.Time) (int, error)

	// AttemptsFor returns an entry's attempt history, oldest first.
	AttemptsFor(ctx context.Context, db *gorm.DB, key domain.LedgerKey) ([]domain.Attempt, error)
}

// LedgerService coordinates ledger access for one worker process. All
// mutations carry the configured hostname; it is supplied configuration,
// never derived here, so tests and sandboxes stay deterministic.
type LedgerService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the ledger repository used by this service.
	Repo LedgerRepo
	// Hostname identifies this worker in provenance and audit records.
	Hostname string

	// Now supplies timestamps; overridable in tests. Defaults to UTC now.
	Now func() time.Time
}

// NewLedgerService constructs a LedgerService for the given worker identity.
func NewLedgerService(db *gorm.DB, r LedgerRepo, hostname string) *LedgerService {
	return &LedgerService{
		DB:       db,
		Repo:     r,
		Hostname: hostname,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Claim records the first observation of a message and returns the ledger
// entry plus whether this call created it. Safe to re-call any number of
// times from any number of workers: exactly one creation ever wins, and
// losers see the winner's row.
func (s *LedgerService) Claim(ctx context.Context, chatID, messageID int64, mediaType domain.MediaType) (*domain.LedgerEntry, bool, error) {
	if !mediaType.IsValid() {
		return nil, false, ErrInvalidMediaType
	}
	return s.Repo.ClaimObservation(ctx, s.DB, chatID, messageID, mediaType, s.Hostname, s.Now())
}

// Get returns the entry for key, or ErrEntryNotFound.
func (s *LedgerService) Get(ctx context.Context, key domain.LedgerKey) (*domain.LedgerEntry, error) {
	e, err := s.Repo.GetEntry(ctx, s.DB, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

// RecordSuccess records a completed download: the entry becomes downloaded
// and the path/host provenance is set, unless a success is already recorded
// — first success wins, and the duplicate reports changed=false with no
// error (expected under concurrent workers, not a fault).
func (s *LedgerService) RecordSuccess(ctx context.Context, key domain.LedgerKey, localFilePath string) (bool, error) {
	changed, err := s.Repo.RecordOutcome(ctx, s.DB, key, s.Hostname, localFilePath, domain.OutcomeSuccess, "", s.Now())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrEntryNotFound
	}
	return changed, err
}

// RecordFailure records a failed attempt with its error message. The entry
// moves to failed (a repeat failure appends to the history but reports
// changed=false). Failures against a downloaded entry are no-ops.
func (s *LedgerService) RecordFailure(ctx context.Context, key domain.LedgerKey, cause string) (bool, error) {
	changed, err := s.Repo.RecordOutcome(ctx, s.DB, key, s.Hostname, "", domain.OutcomeFailure, cause, s.Now())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrEntryNotFound
	}
	return changed, err
}

// Skip marks a pending entry as deliberately not downloaded (filtered media
// type, out-of-range date discovered late). Skipping anything but a pending
// entry is a logical no-op reported as changed=false.
func (s *LedgerService) Skip(ctx context.Context, key domain.LedgerKey) (bool, error) {
	changed, err := s.Repo.Skip(ctx, s.DB, key, s.Hostname, s.Now())
	if err != nil {
		return false, err
	}
	if !changed {
		// Distinguish "wrong state" from "no such entry".
		if _, gerr := s.Get(ctx, key); gerr != nil {
			return false, gerr
		}
	}
	return changed, nil
}

// Reopen returns a skipped entry to pending so a future run reconsiders it.
// This is the only automatic-free path out of skipped; it fails with
// ErrAlreadyDownloaded for downloaded entries (success stays sticky) and
// ErrNotSkipped for any other state.
func (s *LedgerService) Reopen(ctx context.Context, key domain.LedgerKey) error {
	changed, err := s.Repo.Reopen(ctx, s.DB, key, s.Now())
	if err != nil {
		return err
	}
	if changed {
		return nil
	}
	e, gerr := s.Get(ctx, key)
	if gerr != nil {
		return gerr
	}
	if e.DownloadStatus.Terminal() {
		return ErrAlreadyDownloaded
	}
	return ErrNotSkipped
}

// Reconcile promotes pending entries whose attempt history already holds a
// success (a crash landed between the download and the ledger commit of a
// previous run). Returns how many entries were repaired.
func (s *LedgerService) Reconcile(ctx context.Context) (int, error) {
	return s.Repo.Reconcile(ctx, s.DB, s.Now())
}

// History returns an entry together with its full attempt log, for the
// audit surface and for debugging retry behavior.
func (s *LedgerService) History(ctx context.Context, key domain.LedgerKey) (*domain.LedgerEntry, []domain.Attempt, error) {
	e, err := s.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	attempts, err := s.Repo.AttemptsFor(ctx, s.DB, key)
	if err != nil {
		return nil, nil, err
	}
	return e, attempts, nil
}
