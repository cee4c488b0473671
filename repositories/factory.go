package repositories

import (
	"chat-core/contract"
	"chat-core/errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Open builds the store selected by configuration. The choice is made
// once at process start; nothing downstream dispatches on the backend.
func Open(backend, path string, log *slog.Logger) (contract.Store, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryStore(log), nil
	case BackendBadger:
		db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
		if err != nil {
			return nil, fmt.Errorf("badger open %s: %w", path, err)
		}
		return NewBadgerStore(db, log), nil
	case BackendSQLite:
		return NewSQLiteStore(path, log)
	}
	return nil, fmt.Errorf("%w: %q", errors.ErrUnknownBackend, backend)
}
