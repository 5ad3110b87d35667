// Package sessionstore persists per-editor clipboard state between requests.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/sitemap/internal/sitemap"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const clipboardKeyPrefix = "clipboard/"

// ErrMissingEditor indicates a lookup without an editor id.
var ErrMissingEditor = errors.New("sessionstore: editor id required")

// Config describes the badger database behind the store. An empty Path keeps state in memory.
type Config struct {
	Path       string
	SyncWrites bool
	Logger     *zap.Logger
}

// Store keeps one clipboard document per editor.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// badgerLogger routes badger's internal log lines to zap.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.logger.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }

// Open opens or creates the store.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	path := strings.TrimSpace(cfg.Path)

	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("sessionstore: create directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{logger: logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open badger: %w", err)
	}
	logger.Info("session store opened", zap.String("path", path), zap.Bool("in_memory", path == ""))
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadClipboard returns the stored clipboard of an editor; an editor without one gets an empty
// clipboard.
func (s *Store) LoadClipboard(ctx context.Context, editorID string) (sitemap.ClipboardState, error) {
	key, err := clipboardKey(editorID)
	if err != nil {
		return sitemap.ClipboardState{}, err
	}
	if err := ctx.Err(); err != nil {
		return sitemap.ClipboardState{}, err
	}
	var state sitemap.ClipboardState
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &state)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return sitemap.ClipboardState{}, nil
	}
	if err != nil {
		return sitemap.ClipboardState{}, fmt.Errorf("sessionstore: load clipboard of %s: %w", editorID, err)
	}
	return state, nil
}

// SaveClipboard replaces the stored clipboard of an editor.
func (s *Store) SaveClipboard(ctx context.Context, editorID string, state sitemap.ClipboardState) error {
	key, err := clipboardKey(editorID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("sessionstore: encode clipboard of %s: %w", editorID, err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, payload)
	}); err != nil {
		return fmt.Errorf("sessionstore: save clipboard of %s: %w", editorID, err)
	}
	return nil
}

// DeleteClipboard forgets the clipboard of an editor.
func (s *Store) DeleteClipboard(ctx context.Context, editorID string) error {
	key, err := clipboardKey(editorID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func clipboardKey(editorID string) ([]byte, error) {
	trimmed := strings.TrimSpace(editorID)
	if trimmed == "" {
		return nil, ErrMissingEditor
	}
	return []byte(clipboardKeyPrefix + trimmed), nil
}
