// Package repo implements the data persistence layer for the download
// ledger, backed by GORM. This file contains the schema migrations.
//
// Migrations are named, ordered, and strictly additive. Every step is
// written with an existence check, so applying an already-applied migration
// is a no-op rather than an error: any number of workers, on any number of
// hosts, may run Migrate concurrently at startup. Each migration executes
// inside a single transaction, so a rejected step leaves the schema as if
// the migration had never started.
//
// Backward compatibility rule: new columns are nullable or defaulted, so
// ledger rows written by an older worker stay valid and older workers keep
// functioning against a newer schema (they merely do not see new columns).
package repo

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/tbourn/tg-media-archiver/internal/domain"
)

// migration is one named, idempotent, transactional schema change.
type migration struct {
	name  string
	apply func(tx *gorm.DB) error
}

// migrations are applied in slice order. Append only; never reorder or
// rewrite an entry that has shipped.
var migrations = []migration{
	{
		name: "0001_base_tables",
		apply: func(tx *gorm.DB) error {
			// AutoMigrate is itself existence-checked: it creates missing
			// tables, columns, and indexes and leaves existing ones alone.
			return tx.AutoMigrate(
				&domain.LedgerEntry{},
				&domain.Attempt{},
				&domain.Action{},
			)
		},
	},
	{
		name: "0002_hostname_tracking",
		apply: func(tx *gorm.DB) error {
			m := tx.Migrator()
			if !m.HasColumn(&domain.LedgerEntry{}, "retrieved_hostname") {
				if err := m.AddColumn(&domain.LedgerEntry{}, "retrieved_hostname"); err != nil {
					return err
				}
			}
			if !m.HasColumn(&domain.LedgerEntry{}, "download_hostname") {
				if err := m.AddColumn(&domain.LedgerEntry{}, "download_hostname"); err != nil {
					return err
				}
			}
			if !m.HasIndex(&domain.LedgerEntry{}, "idx_ledger_retrieved_host") {
				if err := m.CreateIndex(&domain.LedgerEntry{}, "idx_ledger_retrieved_host"); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		name: "0003_attempt_file_path",
		apply: func(tx *gorm.DB) error {
			m := tx.Migrator()
			if !m.HasColumn(&domain.Attempt{}, "local_file_path") {
				return m.AddColumn(&domain.Attempt{}, "local_file_path")
			}
			return nil
		},
	},
}

// Migrate brings the schema to the version required by the running code.
// It applies every known migration in order; re-running against an
// up-to-date schema changes nothing. A failing migration aborts the run
// and is reported with its name.
func Migrate(db *gorm.DB) error {
	for _, mig := range migrations {
		if err := db.Transaction(mig.apply); err != nil {
			return fmt.Errorf("migration %s: %w", mig.name, err)
		}
	}
	return nil
}
