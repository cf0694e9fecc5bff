package storage

import (
	"fmt"
	"strings"
)

const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// NewCheckpointStore builds a store from the configured backend. base is
// the filename base for the file backend, the database file for sqlite and
// the database directory for badger.
func NewCheckpointStore(kind, base string) (CheckpointStore, error) {
	switch strings.ToLower(kind) {
	case "", BackendFile:
		return NewFileStore(base), nil
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return newSQLiteStore(base + ".sqlite")
	case BackendBadger:
		return NewBadgerStore(BadgerConfig{Path: base + ".badger", SyncWrites: true}), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend: %s", kind)
	}
}

func CloseIfSupported(store CheckpointStore) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
