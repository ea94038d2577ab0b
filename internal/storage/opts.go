package storage

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// zapLogger routes badger's own logging through zap.
type zapLogger struct {
	*zap.SugaredLogger
}

func (l zapLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// getInMemoryOptions returns options for a throwaway database.
func getInMemoryOptions() badger.Options {
	return badger.DefaultOptions("").
		WithValueDir("").
		WithDir("").
		WithInMemory(true).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
}

// OpenDB opens (creating if needed) the database in path.
func OpenDB(path string, logger *zap.Logger) (*badger.DB, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	opts := badger.DefaultOptions(path).
		WithNumVersionsToKeep(1).
		WithLoggingLevel(badger.WARNING)
	if logger != nil {
		opts = opts.WithLogger(zapLogger{logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// OpenInMemoryDB opens a database that lives only as long as the process.
func OpenInMemoryDB() (*badger.DB, error) {
	db, err := badger.Open(getInMemoryOptions())
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	return db, nil
}
