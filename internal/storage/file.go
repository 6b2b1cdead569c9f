package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "postbridge/pkg/logx"
)

// fileDoc is the on-disk shape. "sent_tweets" is accepted on load so ledgers
// written by earlier bridge versions keep working.
type fileDoc struct {
	SentItems  []string `json:"sent_items"`
	SentTweets []string `json:"sent_tweets,omitempty"`
}

// fileLedger is a dependency-free backend: the full set is rewritten to a temp
// file, fsynced and renamed over the previous document on every mark.
type fileLedger struct {
	log  logx.Logger
	path string

	// wmu serializes rewrites; the set has its own lock for readers.
	wmu    sync.Mutex
	set    *idSet
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	ids, err := loadFileDoc(path)
	if err != nil {
		// Missing is normal on first run; corrupt content starts empty but is kept aside.
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn("ledger file unreadable; starting empty", logx.String("path", path), logx.Err(err))
			if rerr := os.Rename(path, path+".corrupt"); rerr != nil {
				log.Debug("ledger backup failed", logx.Err(rerr))
			}
		}
		ids = nil
	}
	log.Debug("ledger loaded", logx.String("path", path), logx.Int("items", len(ids)))
	return &fileLedger{log: log, path: path, set: newIDSet(ids)}, nil
}

func loadFileDoc(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc fileDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return append(doc.SentItems, doc.SentTweets...), nil
}

func (l *fileLedger) IsDelivered(id string) bool { return l.set.has(id) }

func (l *fileLedger) Len() int { return l.set.len() }

func (l *fileLedger) MarkDelivered(_ context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if !l.set.add(id) {
		return nil
	}
	if l.closed {
		return &StoreError{Op: "mark", Err: errors.New("ledger closed")}
	}
	if err := l.writeLocked(); err != nil {
		return &StoreError{Op: "write " + l.path, Err: err}
	}
	return nil
}

func (l *fileLedger) writeLocked() error {
	b, err := json.MarshalIndent(fileDoc{SentItems: l.set.sorted()}, "", "  ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return err
	}
	// Persist the rename itself; not every platform supports syncing a directory.
	if d, err := os.Open(filepath.Dir(l.path)); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func (l *fileLedger) Close() error {
	l.wmu.Lock()
	l.closed = true
	l.wmu.Unlock()
	return nil
}
