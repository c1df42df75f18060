// Package storage persists media bytes to the local filesystem and resolves
// media references to byte streams. The ledger records the resulting path
// as an opaque string; nothing here reads the ledger.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tbourn/tg-media-archiver/internal/domain"
	"github.com/tbourn/tg-media-archiver/internal/source"
)

// Fetcher resolves a message descriptor's MediaRef to a byte stream. The
// live implementation wraps the platform SDK; LocalFetcher serves exports
// already on disk.
type Fetcher interface {
	Fetch(ctx context.Context, msg source.Message) (io.ReadCloser, error)
}

// LocalFetcher resolves MediaRef as a path, relative to Root when not
// absolute. It backs replay runs against an unpacked chat export.
type LocalFetcher struct {
	Root string
}

// Fetch opens the referenced file.
func (f *LocalFetcher) Fetch(ctx context.Context, msg source.Message) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := msg.MediaRef
	if !filepath.IsAbs(p) {
		p = filepath.Join(f.Root, p)
	}
	return os.Open(p)
}

// FileStore writes media under Root at a path derived from the message's
// timestamp, id, and extension: <root>/<chat>/<YYYY>/<MM>/<message><ext>.
type FileStore struct {
	Root string
}

// PathFor returns the destination path for a message without writing
// anything. Deterministic, so a re-run lands on the same path.
func (s *FileStore) PathFor(msg source.Message) string {
	ext := msg.Extension
	if ext == "" {
		switch msg.MediaType {
		case domain.MediaPhoto:
			ext = ".jpg"
		case domain.MediaVideo:
			ext = ".mp4"
		default:
			ext = ".bin"
		}
	}
	return filepath.Join(s.Root,
		fmt.Sprintf("%d", msg.ChatID),
		msg.SentAt.UTC().Format("2006"),
		msg.SentAt.UTC().Format("01"),
		fmt.Sprintf("%d%s", msg.MessageID, ext))
}

// Store streams r to the message's destination path, creating parent
// directories as needed, and returns the path written. The write goes to a
// temp file first and is renamed into place, so a crash mid-copy never
// leaves a plausible-looking partial download at the final path.
func (s *FileStore) Store(ctx context.Context, msg source.Message, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dest := s.PathFor(msg)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".dl-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}
	return dest, nil
}
