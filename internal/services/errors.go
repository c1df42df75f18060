// Package services defines the business logic of the archiver: ledger
// coordination rules on top of the repositories, and the worker loop that
// drives them. This file centralizes common service-level error values so
// they can be consistently returned by service methods and checked by
// callers with errors.Is.
package services

import "errors"

var (
	// ErrEntryNotFound indicates that the ledger has no row for the
	// requested (chat, message) pair.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrAlreadyDownloaded is returned by operations that would overwrite a
	// recorded success. Downloaded is sticky: duplicate workers reaching
	// this path is expected and callers should treat it as informational.
	ErrAlreadyDownloaded = errors.New("entry already downloaded")

	// ErrNotSkipped is returned by Reopen when the entry is not currently
	// skipped; skipped→pending is the only reopen transition.
	ErrNotSkipped = errors.New("entry is not skipped")

	// ErrInvalidMediaType is returned when a message descriptor carries a
	// media type outside photo/video/other.
	ErrInvalidMediaType = errors.New("invalid media type")
)
