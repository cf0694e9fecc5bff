//go:build sqlite

package storage

func newSQLiteStore(path string) (CheckpointStore, error) {
	return NewSQLiteStore(path), nil
}
