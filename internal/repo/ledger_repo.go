// Package repo implements the data persistence layer for the download
// ledger, backed by GORM. This file provides repository functions for the
// LedgerEntry model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: persistence, query composition, and the storage-level atomicity
// the coordination rules depend on — no policy beyond that.
//
// Error semantics:
//   - When an entry is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - A lost creation race is not an error: ClaimObservation resolves it by
//     re-reading the winning row.
//   - On DB errors (constraint violations other than the claim race,
//     connectivity issues, etc.), the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/tg-media-archiver/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer.
var ErrNotFound = gorm.ErrRecordNotFound

// isUniqueViolation reports whether err is a uniqueness-constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// ClaimObservation records the first observation of a message: it inserts a
// ledger row with status pending and returns (entry, true). If a row for
// (chatID, messageID) already exists — including when a concurrent worker
// wins the insert race — the existing row is returned unchanged with
// created=false. Exactly one creation ever succeeds per pair; the composite
// primary key is the arbiter, not any in-memory lock.
func ClaimObservation(ctx context.Context, db *gorm.DB, chatID, messageID int64, mediaType domain.MediaType, hostname string, now time.Time) (*domain.LedgerEntry, bool, error) {
	e := &domain.LedgerEntry{
		ChatID:            chatID,
		MessageID:         messageID,
		MediaType:         mediaType,
		RetrievedAt:       now,
		RetrievedHostname: hostname,
		DownloadStatus:    domain.StatusPending,
		UpdatedAt:         now,
	}
	err := db.WithContext(ctx).Create(e).Error
	if err == nil {
		return e, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, err
	}
	// Lost the race (or re-observed a known message): fall back to the
	// winner's row. RetrievedHostname stays whatever the winner wrote.
	existing, gerr := GetEntry(ctx, db, domain.LedgerKey{ChatID: chatID, MessageID: messageID})
	if gerr != nil {
		return nil, false, gerr
	}
	return existing, false, nil
}

// GetEntry fetches a ledger entry by its composite key, or ErrNotFound.
func GetEntry(ctx context.Context, db *gorm.DB, key domain.LedgerKey) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := db.WithContext(ctx).
		Where("chat_id = ? AND message_id = ?", key.ChatID, key.MessageID).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// RecordOutcome records the result of one download attempt as a single
// atomic unit: the guarded ledger update and the attempt-log append commit
// or roll back together, so a crash can never leave the two inconsistent.
//
// Rules enforced here:
//   - downloaded is sticky: an entry already downloaded is left untouched
//     and no attempt row is appended (changed=false, nil error — duplicate
//     workers reaching this path is expected, not exceptional).
//   - On success from pending or failed, the status becomes downloaded and
//     LocalFilePath/DownloadHostname are set together, exactly once.
//   - On failure from pending or failed, the status becomes failed and the
//     path stays null.
//   - The attempt's retry count is the stored maximum for the entry plus
//     one (0 for the first attempt), computed inside the same transaction
//     to survive crashes and concurrent writers.
//
// The returned bool reports whether the ledger entry's state actually
// changed (a failed→failed retry appends an attempt but reports false).
func RecordOutcome(ctx context.Context, db *gorm.DB, key domain.LedgerKey, hostname, localFilePath string, outcome domain.AttemptOutcome, errorMessage string, now time.Time) (bool, error) {
	changed := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := GetEntry(ctx, tx, key)
		if err != nil {
			return err
		}
		if entry.DownloadStatus.Terminal() {
			return nil
		}

		retry, err := NextRetryCount(ctx, tx, key)
		if err != nil {
			return err
		}

		updates := map[string]any{"updated_at": now}
		switch outcome {
		case domain.OutcomeSuccess:
			updates["download_status"] = domain.StatusDownloaded
			updates["local_file_path"] = localFilePath
			updates["download_hostname"] = hostname
			changed = true
		case domain.OutcomeFailure:
			updates["download_status"] = domain.StatusFailed
			changed = entry.DownloadStatus != domain.StatusFailed
		default:
			return ErrInvalidOutcome
		}

		res := tx.Model(&domain.LedgerEntry{}).
			Where("chat_id = ? AND message_id = ? AND download_status IN ?",
				key.ChatID, key.MessageID,
				[]domain.DownloadStatus{domain.StatusPending, domain.StatusFailed}).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// A concurrent worker finished first between our read and the
			// guarded update. First success wins; nothing to record.
			changed = false
			return nil
		}

		a := domain.Attempt{
			ChatID:      key.ChatID,
			MessageID:   key.MessageID,
			Hostname:    hostname,
			AttemptedAt: now,
			RetryCount:  retry,
			Outcome:     outcome,
		}
		if outcome == domain.OutcomeFailure {
			a.ErrorMessage = &errorMessage
		} else {
			a.LocalFilePath = &localFilePath
		}
		return AppendAttempt(ctx, tx, &a)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// ErrInvalidOutcome is returned when an attempt outcome is neither success
// nor failure.
var ErrInvalidOutcome = errors.New("invalid attempt outcome")

// Skip transitions a pending entry to skipped (media filtered out, outside
// the requested range, and so on). Any other current status — downloaded,
// failed, or already skipped — leaves the row untouched and returns false.
// The reason, when present, lands in the action-level audit trail, not the
// ledger row; the ledger only records that a deliberate skip happened.
func Skip(ctx context.Context, db *gorm.DB, key domain.LedgerKey, hostname string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.LedgerEntry{}).
		Where("chat_id = ? AND message_id = ? AND download_status = ?",
			key.ChatID, key.MessageID, domain.StatusPending).
		Updates(map[string]any{
			"download_status": domain.StatusSkipped,
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Reopen transitions a skipped entry back to pending so it can be
// reconsidered for download. This is the only path out of skipped; it is
// never taken automatically. Returns false if the entry is not skipped.
func Reopen(ctx context.Context, db *gorm.DB, key domain.LedgerKey, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.LedgerEntry{}).
		Where("chat_id = ? AND message_id = ? AND download_status = ?",
			key.ChatID, key.MessageID, domain.StatusSkipped).
		Updates(map[string]any{
			"download_status": domain.StatusPending,
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Reconcile repairs entries orphaned by a crash between a successful
// download and its ledger commit: any pending entry whose attempt history
// already contains a success is promoted to downloaded, taking the path and
// hostname from the most recent successful attempt. The attempt log is the
// authority; the ledger is the view being repaired. Returns the number of
// entries repaired.
func Reconcile(ctx context.Context, db *gorm.DB, now time.Time) (int, error) {
	repaired := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orphans []domain.Attempt
		// Latest successful attempt per still-pending entry.
		err := tx.Raw(`
			SELECT a.* FROM attempts a
			JOIN ledger_entries e
			  ON e.chat_id = a.chat_id AND e.message_id = a.message_id
			WHERE e.download_status = ? AND a.outcome = ?
			  AND a.id = (
				SELECT a2.id FROM attempts a2
				WHERE a2.chat_id = a.chat_id AND a2.message_id = a.message_id
				  AND a2.outcome = ?
				ORDER BY a2.retry_count DESC, a2.attempted_at DESC
				LIMIT 1
			  )`,
			domain.StatusPending, domain.OutcomeSuccess, domain.OutcomeSuccess).
			Scan(&orphans).Error
		if err != nil {
			return err
		}
		for _, a := range orphans {
			res := tx.Model(&domain.LedgerEntry{}).
				Where("chat_id = ? AND message_id = ? AND download_status = ?",
					a.ChatID, a.MessageID, domain.StatusPending).
				Updates(map[string]any{
					"download_status":   domain.StatusDownloaded,
					"local_file_path":   a.LocalFilePath,
					"download_hostname": a.Hostname,
					"updated_at":        now,
				})
			if res.Error != nil {
				return res.Error
			}
			repaired += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return repaired, nil
}

// ListEntries returns entries for a chat ordered by message id ascending,
// optionally filtered by status. Used by the audit surface.
func ListEntries(ctx context.Context, db *gorm.DB, chatID int64, status domain.DownloadStatus, offset, limit int) ([]domain.LedgerEntry, error) {
	q := db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("message_id ASC")
	if status != "" {
		q = q.Where("download_status = ?", status)
	}
	if limit > 0 {
		q = q.Offset(offset).Limit(limit)
	}
	var out []domain.LedgerEntry
	err := q.Find(&out).Error
	return out, err
}
