// Package source defines the boundary to the messaging platform: a lazy,
// finite, restartable sequence of message descriptors. The real client SDK
// (session handling, flood-wait behavior, pagination) lives behind this
// contract; the archiver only consumes descriptors and never talks to the
// platform directly.
package source

import (
	"context"
	"time"

	"github.com/tbourn/tg-media-archiver/internal/domain"
)

// Message describes one observed chat message carrying media. The MediaRef
// is an opaque handle a Fetcher resolves to bytes; the ledger never
// interprets it.
type Message struct {
	ChatID    int64            `json:"chat_id"`
	MessageID int64            `json:"message_id"`
	MediaType domain.MediaType `json:"media_type"`
	SentAt    time.Time        `json:"sent_at"`
	MediaRef  string           `json:"media_ref"`
	Extension string           `json:"extension,omitempty"` // e.g. ".jpg"; defaults per media type
}

// Iterator yields message descriptors one at a time. Next returns io.EOF
// when the sequence is exhausted. Iterators are single-use; obtain a fresh
// one from the Source to restart (resuming after interruption is safe
// because ledger claims are idempotent).
type Iterator interface {
	Next(ctx context.Context) (*Message, error)
	Close() error
}

// Source enumerates chats and their media-bearing messages.
type Source interface {
	// Chats lists the chat identifiers the source can serve.
	Chats(ctx context.Context) ([]int64, error)

	// Messages opens a fresh iterator over one chat's messages, oldest
	// first. chatID 0 means every chat the source knows about.
	Messages(ctx context.Context, chatID int64) (Iterator, error)
}
