package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "postbridge/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS delivered (
	id           TEXT PRIMARY KEY,
	delivered_at TEXT NOT NULL
);`

type sqliteLedger struct {
	db  *sql.DB
	log logx.Logger
	set *idSet
}

func openSQLite(cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, ids, err := initSQLite(path, busy)
	if err != nil {
		// A database that cannot be migrated or read starts empty; the old
		// files are kept aside for inspection.
		log.Warn("ledger database unreadable; starting empty", logx.String("path", path), logx.Err(err))
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if rerr := os.Rename(path+suffix, path+suffix+".corrupt"); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
				log.Debug("ledger backup failed", logx.String("file", path+suffix), logx.Err(rerr))
			}
		}
		db, ids, err = initSQLite(path, busy)
		if err != nil {
			return nil, err
		}
	}
	log.Debug("ledger loaded", logx.String("path", path), logx.Int("items", len(ids)))
	return &sqliteLedger{db: db, log: log, set: newIDSet(ids)}, nil
}

// initSQLite opens path, applies the schema and reads every id. The handle is
// closed on any failure.
func initSQLite(path string, busy time.Duration) (*sql.DB, []string, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, err
	}
	// SQLite prefers a single writer; the engine is the only one anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	// FULL: a mark that returned must survive power loss.
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, nil, &StoreError{Op: "migrate", Err: err}
	}
	ids, err := loadSQLiteIDs(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, &StoreError{Op: "load", Err: err}
	}
	return db, ids, nil
}

func loadSQLiteIDs(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM delivered`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteLedger) IsDelivered(id string) bool { return s.set.has(id) }

func (s *sqliteLedger) Len() int { return s.set.len() }

func (s *sqliteLedger) MarkDelivered(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	if !s.set.add(id) {
		return nil
	}
	if s.db == nil {
		return &StoreError{Op: "mark", Err: errors.New("ledger closed")}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivered(id, delivered_at) VALUES(?, ?) ON CONFLICT(id) DO NOTHING`,
		id, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &StoreError{Op: "insert", Err: err}
	}
	return nil
}

func (s *sqliteLedger) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
