// Package migrate applies ordered SQL migrations idempotently, tracking what
// has already run in a bookkeeping table.
package migrate

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livelite/livelite/internal/logutil"
	"github.com/livelite/livelite/pkg/livelite"
	"github.com/livelite/livelite/pkg/qb"
)

// DefaultTable is the bookkeeping table used when Config.Table is empty.
const DefaultTable = "__drizzle_migrations"

// Migration is one ordered migration: its statements, a content hash, and
// the authoring timestamp that orders it.
type Migration struct {
	Hash         string
	SQL          []string
	FolderMillis int64
}

// Config for Migrate. Migrations are applied in FolderMillis order.
type Config struct {
	Migrations []Migration
	Table      string
}

// MigrationError wraps a failure while applying one migration. The failed
// migration is not recorded as applied.
type MigrationError struct {
	Hash string
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrate: migration %s: %v", e.Hash, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Migrate applies every migration newer than the last recorded one. Each
// migration runs inside its own transaction together with its bookkeeping
// row, so a partial failure leaves the table consistent with the last fully
// applied migration. Running twice with the same set applies nothing the
// second time.
func Migrate(ctx context.Context, db *livelite.DB, cfg Config) error {
	if len(cfg.Migrations) == 0 {
		return nil
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}

	if err := db.ExecRaw(ctx,
		`CREATE TABLE IF NOT EXISTS `+table+
			` (id TEXT PRIMARY KEY, hash TEXT NOT NULL, created_at INTEGER)`,
	); err != nil {
		return err
	}

	last, err := lastApplied(ctx, db, table)
	if err != nil {
		return err
	}

	ordered := append([]Migration(nil), cfg.Migrations...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].FolderMillis < ordered[j].FolderMillis
	})

	log := db.Session().Logger()
	for _, m := range ordered {
		if last != nil && m.FolderMillis <= *last {
			continue
		}
		m := m
		err := db.Transaction(ctx, func(tx *livelite.Tx) error {
			for _, stmt := range m.SQL {
				if err := tx.ExecRaw(ctx, stmt); err != nil {
					return err
				}
			}
			return tx.Exec(ctx, qb.Insert(table).Values(map[string]any{
				"id":         uuid.NewString(),
				"hash":       m.Hash,
				"created_at": m.FolderMillis,
			}))
		})
		if err != nil {
			return &MigrationError{Hash: m.Hash, Err: err}
		}
		log.Info("migration applied",
			logutil.Values(zap.String("hash", m.Hash), zap.Int64("created_at", m.FolderMillis)))
	}
	return nil
}

func lastApplied(ctx context.Context, db *livelite.DB, table string) (*int64, error) {
	row, err := db.Get(ctx,
		qb.Select("created_at").From(table).OrderBy("created_at DESC").Limit(1))
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	switch v := row["created_at"].(type) {
	case int64:
		return &v, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("migrate: unexpected created_at type %T", v)
	}
}
