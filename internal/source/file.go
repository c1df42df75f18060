package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/tbourn/tg-media-archiver/internal/domain"
)

// FileSource reads message descriptors from a JSONL export file, one JSON
// object per line (the shape produced by chat-export tooling). It is the
// replay/offline implementation of Source; a live SDK adapter satisfies the
// same contract. Lines outside the optional date range, or for other chats,
// are filtered before the messages ever reach the ledger.
type FileSource struct {
	Path string

	// From (inclusive) and To (exclusive) bound SentAt; zero means unbounded.
	From time.Time
	To   time.Time
}

// Chats scans the file once and returns the distinct chat ids, ascending.
func (s *FileSource) Chats(ctx context.Context) ([]int64, error) {
	it, err := s.open(0)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	seen := map[int64]bool{}
	for {
		m, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		seen[m.ChatID] = true
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Messages opens a fresh iterator over the export, scoped to chatID
// (0 = all chats) and the configured date range.
func (s *FileSource) Messages(ctx context.Context, chatID int64) (Iterator, error) {
	return s.open(chatID)
}

func (s *FileSource) open(chatID int64) (*fileIterator, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20) // lines with long media refs
	return &fileIterator{src: s, chatID: chatID, f: f, sc: sc}, nil
}

type fileIterator struct {
	src    *FileSource
	chatID int64
	f      *os.File
	sc     *bufio.Scanner
	line   int
}

// Next returns the next in-range descriptor, or io.EOF when the file is
// exhausted. Malformed lines are hard errors: a corrupt export should stop
// the batch, not silently shrink it.
func (it *fileIterator) Next(ctx context.Context) (*Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !it.sc.Scan() {
			if err := it.sc.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		it.line++
		raw := it.sc.Bytes()
		if len(raw) == 0 {
			continue
		}

		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("export line %d: %w", it.line, err)
		}
		if m.ChatID == 0 || m.MessageID == 0 {
			return nil, fmt.Errorf("export line %d: missing chat_id or message_id", it.line)
		}
		if !m.MediaType.IsValid() {
			m.MediaType = domain.MediaOther
		}

		if it.chatID != 0 && m.ChatID != it.chatID {
			continue
		}
		if !it.src.From.IsZero() && m.SentAt.Before(it.src.From) {
			continue
		}
		if !it.src.To.IsZero() && !m.SentAt.Before(it.src.To) {
			continue
		}
		return &m, nil
	}
}

func (it *fileIterator) Close() error { return it.f.Close() }
