// Package repo implements the data persistence layer for the download
// ledger, backed by GORM. This file provides small aggregate queries used
// by the audit HTTP surface and by end-of-batch logging.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/tg-media-archiver/internal/domain"
)

// LedgerStats summarises ledger state, optionally scoped to one chat.
type LedgerStats struct {
	Total        int64                           `json:"total"`
	ByStatus     map[domain.DownloadStatus]int64 `json:"by_status"`
	LastUpdated  *time.Time                      `json:"last_updated,omitempty"`
	AttemptCount int64                           `json:"attempt_count"`
}

// Stats computes ledger totals, a per-status breakdown, the most recent
// ledger write, and the attempt-log size. chatID 0 means all chats.
func Stats(ctx context.Context, db *gorm.DB, chatID int64) (*LedgerStats, error) {
	s := &LedgerStats{ByStatus: map[domain.DownloadStatus]int64{}}

	// Fresh query per statement; GORM chains accumulate state across finishers.
	entries := func() *gorm.DB {
		q := db.WithContext(ctx).Model(&domain.LedgerEntry{})
		if chatID != 0 {
			q = q.Where("chat_id = ?", chatID)
		}
		return q
	}
	attempts := func() *gorm.DB {
		q := db.WithContext(ctx).Model(&domain.Attempt{})
		if chatID != 0 {
			q = q.Where("chat_id = ?", chatID)
		}
		return q
	}

	if err := entries().Count(&s.Total).Error; err != nil {
		return nil, err
	}
	if err := attempts().Count(&s.AttemptCount).Error; err != nil {
		return nil, err
	}
	if s.Total == 0 {
		return s, nil
	}

	var rows []struct {
		DownloadStatus domain.DownloadStatus
		N              int64
	}
	if err := entries().Select("download_status, COUNT(*) AS n").
		Group("download_status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		s.ByStatus[r.DownloadStatus] = r.N
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var last struct {
		UpdatedAt time.Time
	}
	if err := entries().Select("updated_at").
		Order("updated_at DESC").Limit(1).Scan(&last).Error; err != nil {
		return nil, err
	}
	s.LastUpdated = &last.UpdatedAt
	return s, nil
}
