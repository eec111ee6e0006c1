package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// maxConflictRetries bounds optimistic transaction retries
const maxConflictRetries = 5

// Badger is a local durable replica backed by badger. An empty data dir
// opens an in-memory instance.
type Badger struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadger opens (or creates) a badger store under dataDir
func NewBadger(dataDir string, logger *slog.Logger) (*Badger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if dataDir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		opts = badger.DefaultOptions(dataDir)
	}
	opts = opts.
		WithLogger(&badgerLogger{logger: logger.With("component", "badger")}).
		// The default INFO logging is a bit verbose
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	logger.Info("Badger store opened", "data_dir", dataDir, "in_memory", dataDir == "")
	return &Badger{db: db, logger: logger}, nil
}

func (b *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		v, err := (&badgerTxn{txn: txn}).Get(key)
		out = v
		return err
	})
	return out, err
}

func (b *Badger) List(ctx context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(txn *badger.Txn) error {
		entries, err := (&badgerTxn{txn: txn}).List(prefix)
		out = entries
		return err
	})
	return out, err
}

func (b *Badger) View(ctx context.Context, fn func(r Reader) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

// Update runs fn in a read-write transaction, retrying when a concurrent
// writer touched the same keys.
func (b *Badger) Update(ctx context.Context, fn func(tx Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = b.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTxn{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		b.logger.Debug("Badger transaction conflict, retrying", "attempt", attempt+1)
	}
	return fmt.Errorf("failed to commit after %d attempts: %w", maxConflictRetries, err)
}

// Close flushes and closes the database
func (b *Badger) Close() error {
	b.logger.Info("Closing badger store")
	return b.db.Close()
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(key string) ([]byte, error) {
	item, err := t.txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) List(prefix string) ([]Entry, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	entries := []Entry{}
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", item.Key(), err)
		}
		entries = append(entries, Entry{Key: string(item.KeyCopy(nil)), Value: v})
	}
	return entries, nil
}

func (t *badgerTxn) Set(key string, value []byte) error {
	return t.txn.Set([]byte(key), value)
}

func (t *badgerTxn) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

// badgerLogger routes badger's printf-style logging into slog
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(msg string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(msg, args...)))
}

func (l *badgerLogger) Warningf(msg string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(msg, args...)))
}

func (l *badgerLogger) Infof(msg string, args ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(msg, args...)))
}

func (l *badgerLogger) Debugf(msg string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, args...)))
}
