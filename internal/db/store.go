package db

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Store owns a badger database and hands out transactions over it.
type Store struct {
	db *badger.DB
}

// NewStore opens (or creates) a badger database under dataDir/badger.
// badger locks the directory, so only one process can hold it open.
// A nil logger silences badger.
func NewStore(dataDir string, logger *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}

	opts := badger.DefaultOptions(filepath.Join(dataDir, "badger"))
	opts.Logger = nil
	if logger != nil {
		opts.Logger = badgerLogger{logger.Named("badger")}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn in a read-write transaction. The transaction is serializable:
// a concurrent commit touching keys fn read fails with badger.ErrConflict.
func (s *Store) Update(fn func(txn *badger.Txn) error) error {
	return s.db.Update(fn)
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
