// Package repo implements the data persistence layer for the download
// ledger, backed by GORM. This file provides repository functions for the
// append-only Attempt log.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/tg-media-archiver/internal/domain"
)

// AppendAttempt inserts one attempt row. The log is pure append: nothing is
// ever updated or deleted, and the only failures are storage failures, which
// propagate unchanged. The caller owns retry-count accounting (see
// NextRetryCount) and is expected to append inside the same transaction
// that updates the ledger row.
func AppendAttempt(ctx context.Context, db *gorm.DB, a *domain.Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(a).Error
}

// AttemptsFor returns the full attempt history for a ledger entry in
// insertion order (oldest first). The resume path reads this to reconstruct
// retry numbering instead of trusting any in-memory counter.
func AttemptsFor(ctx context.Context, db *gorm.DB, key domain.LedgerKey) ([]domain.Attempt, error) {
	var out []domain.Attempt
	err := db.WithContext(ctx).
		Where("chat_id = ? AND message_id = ?", key.ChatID, key.MessageID).
		Order("retry_count ASC, attempted_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// MaxRetryCount returns the highest retry count recorded for an entry, or
// -1 when the entry has no attempts yet.
func MaxRetryCount(ctx context.Context, db *gorm.DB, key domain.LedgerKey) (int, error) {
	var row struct {
		N *int
	}
	err := db.WithContext(ctx).
		Model(&domain.Attempt{}).
		Select("MAX(retry_count) AS n").
		Where("chat_id = ? AND message_id = ?", key.ChatID, key.MessageID).
		Scan(&row).Error
	if err != nil {
		return 0, err
	}
	if row.N == nil {
		return -1, nil
	}
	return *row.N, nil
}

// NextRetryCount returns the retry count the next attempt should carry:
// 0 for a first attempt, previous max + 1 otherwise. Call it from within
// the transaction that will append the attempt, so concurrent writers
// cannot interleave between the read and the append.
func NextRetryCount(ctx context.Context, db *gorm.DB, key domain.LedgerKey) (int, error) {
	max, err := MaxRetryCount(ctx, db, key)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}
