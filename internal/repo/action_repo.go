// Package repo implements the data persistence layer for the download
// ledger, backed by GORM. This file provides repository functions for the
// append-only Action audit log.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/tg-media-archiver/internal/domain"
)

// AppendAction inserts one audit row stamped with the originating hostname.
// Pure append, same failure semantics as AppendAttempt: only storage errors
// are possible, and they propagate as hard errors because the integrity of
// the audit trail matters.
func AppendAction(ctx context.Context, db *gorm.DB, hostname string, kind domain.ActionKind, errorMessage *string, now time.Time) (*domain.Action, error) {
	a := &domain.Action{
		ID:           uuid.NewString(),
		Hostname:     hostname,
		OccurredAt:   now,
		Kind:         kind,
		ErrorMessage: errorMessage,
	}
	if err := db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// ActionFilter narrows a ListActions query. Zero values mean "no filter".
type ActionFilter struct {
	Hostname string
	From     time.Time
	To       time.Time
}

// ListActions returns audit rows matching the filter, newest first,
// paginated. Use CountActions for pagination metadata.
func ListActions(ctx context.Context, db *gorm.DB, f ActionFilter, offset, limit int) ([]domain.Action, error) {
	q := applyActionFilter(db.WithContext(ctx), f).Order("occurred_at DESC, id DESC")
	if limit > 0 {
		q = q.Offset(offset).Limit(limit)
	}
	var out []domain.Action
	err := q.Find(&out).Error
	return out, err
}

// CountActions returns the total number of audit rows matching the filter.
func CountActions(ctx context.Context, db *gorm.DB, f ActionFilter) (int64, error) {
	var total int64
	err := applyActionFilter(db.WithContext(ctx).Model(&domain.Action{}), f).Count(&total).Error
	return total, err
}

func applyActionFilter(q *gorm.DB, f ActionFilter) *gorm.DB {
	if f.Hostname != "" {
		q = q.Where("hostname = ?", f.Hostname)
	}
	if !f.From.IsZero() {
		q = q.Where("occurred_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("occurred_at < ?", f.To)
	}
	return q
}
