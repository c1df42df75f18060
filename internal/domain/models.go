// Package domain defines the persistence models for the media download
// ledger: one row per observed chat message, an append-only log of download
// attempts against those rows, and an append-only audit log of worker
// actions. These types are mapped with GORM and form the core data layer
// of the archiver.
package domain

import "time"

// MediaType classifies the media attached to an observed message.
type MediaType string

// Supported media types. Anything the source cannot classify is "other".
const (
	MediaPhoto MediaType = "photo"
	MediaVideo MediaType = "video"
	MediaOther MediaType = "other"
)

// IsValid reports whether m is one of the recognised media types.
func (m MediaType) IsValid() bool {
	switch m {
	case MediaPhoto, MediaVideo, MediaOther:
		return true
	}
	return false
}

// DownloadStatus is the current state of a ledger entry.
//
// Transitions:
//
//	pending   -> downloaded | failed | skipped
//	failed    -> downloaded | failed
//	skipped   -> pending (explicit reopen only)
//	downloaded is terminal ("sticky success").
type DownloadStatus string

const (
	StatusPending    DownloadStatus = "pending"
	StatusDownloaded DownloadStatus = "downloaded"
	StatusFailed     DownloadStatus = "failed"
	StatusSkipped    DownloadStatus = "skipped"
)

// IsValid reports whether s is one of the recognised statuses.
func (s DownloadStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusDownloaded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Terminal reports whether no further download outcome may change the entry.
func (s DownloadStatus) Terminal() bool { return s == StatusDownloaded }

// AttemptOutcome is the result of a single download attempt.
type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeFailure AttemptOutcome = "failure"
)

// ActionKind classifies an entry in the worker action log.
type ActionKind string

const (
	ActionSessionStart  ActionKind = "session-start"
	ActionListChats     ActionKind = "list-chats"
	ActionBatchComplete ActionKind = "batch-complete"
	ActionFatalError    ActionKind = "fatal-error"
)

// IsValid reports whether k is one of the recognised action kinds.
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionSessionStart, ActionListChats, ActionBatchComplete, ActionFatalError:
		return true
	}
	return false
}

// LedgerEntry is the durable record of one (chat, message) pair: who first
// observed it, whether its media was downloaded, by which host, and where
// the bytes landed. Rows are created exactly once per pair (creation is a
// claim, enforced by the composite primary key) and are never deleted.
//
// Fields:
//   - ChatID / MessageID: composite identity of the observed message.
//   - MediaType: photo, video, or other.
//   - RetrievedAt / RetrievedHostname: first observation; written at
//     creation and never changed, even if other workers later touch the row.
//   - LocalFilePath / DownloadHostname: set together on the first successful
//     download; immutable once set.
//   - DownloadStatus: pending, downloaded, failed, or skipped.
//   - UpdatedAt: timestamp managed by GORM.
type LedgerEntry struct {
	ChatID            int64          `json:"chat_id"            gorm:"primaryKey;autoIncrement:false"`
	MessageID         int64          `json:"message_id"         gorm:"primaryKey;autoIncrement:false"`
	MediaType         MediaType      `json:"media_type"         gorm:"type:varchar(16);not null;check:media_type IN ('photo','video','other')"`
	RetrievedAt       time.Time      `json:"retrieved_at"       gorm:"not null"`
	RetrievedHostname string         `json:"retrieved_hostname" gorm:"type:varchar(255);not null;index:idx_ledger_retrieved_host"`
	LocalFilePath     *string        `json:"local_file_path,omitempty"   gorm:"type:text"`
	DownloadHostname  *string        `json:"download_hostname,omitempty" gorm:"type:varchar(255)"`
	DownloadStatus    DownloadStatus `json:"download_status"    gorm:"type:varchar(16);not null;default:'pending';index:idx_ledger_status;check:download_status IN ('pending','downloaded','failed','skipped')"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// TableName returns the database table name for LedgerEntry.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// Key returns the entry's composite identity.
func (e *LedgerEntry) Key() LedgerKey { return LedgerKey{ChatID: e.ChatID, MessageID: e.MessageID} }

// LedgerKey identifies a ledger entry.
type LedgerKey struct {
	ChatID    int64
	MessageID int64
}

// Attempt is one recorded try (success or failure) at downloading the media
// of a claimed message. Attempts are immutable once written; the history for
// an entry is the authority for retry accounting after a crash.
//
// RetryCount values for a given entry form a non-decreasing sequence in
// insertion order; callers compute the next value from the stored maximum
// inside the same transaction that updates the ledger row.
type Attempt struct {
	ID           string         `json:"id"            gorm:"type:char(36);primaryKey"`
	ChatID       int64          `json:"chat_id"       gorm:"not null;index:idx_attempt_entry,priority:1"`
	MessageID    int64          `json:"message_id"    gorm:"not null;index:idx_attempt_entry,priority:2"`
	Hostname     string         `json:"hostname"      gorm:"type:varchar(255);not null"`
	AttemptedAt  time.Time      `json:"attempted_at"  gorm:"not null"`
	RetryCount   int            `json:"retry_count"   gorm:"not null;default:0"`
	Outcome      AttemptOutcome `json:"outcome"       gorm:"type:varchar(16);not null;check:outcome IN ('success','failure')"`
	ErrorMessage *string        `json:"error_message,omitempty" gorm:"type:text"`
	// LocalFilePath is recorded on successful attempts so that a pending
	// entry orphaned by a crash between commit points can be repaired from
	// the attempt history alone.
	LocalFilePath *string `json:"local_file_path,omitempty" gorm:"type:text"`

	// Entry is the claimed message this attempt ran against. Attempts are
	// never deleted, so the FK restricts entry deletion rather than cascade.
	Entry LedgerEntry `json:"-" gorm:"foreignKey:ChatID,MessageID;references:ChatID,MessageID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for Attempt.
func (Attempt) TableName() string { return "attempts" }

// Action is one entry in the coarse-grained audit trail: session lifecycle,
// chat listing, batch completion, and fatal errors, each stamped with the
// hostname that performed the operation. Not tied to any message.
type Action struct {
	ID           string     `json:"id"          gorm:"type:char(36);primaryKey"`
	Hostname     string     `json:"hostname"    gorm:"type:varchar(255);not null;index:idx_action_host_time,priority:1"`
	OccurredAt   time.Time  `json:"occurred_at" gorm:"not null;index:idx_action_host_time,priority:2"`
	Kind         ActionKind `json:"kind"        gorm:"type:varchar(32);not null;check:kind IN ('session-start','list-chats','batch-complete','fatal-error')"`
	ErrorMessage *string    `json:"error_message,omitempty" gorm:"type:text"`
}

// TableName returns the database table name for Action.
func (Action) TableName() string { return "actions" }
