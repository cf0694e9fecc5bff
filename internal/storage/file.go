package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"archipelago/internal/model"
)

// FileStore keeps each rank's checkpoint in its own file named
// "<base>.<rank>". Writes go to a temporary file in the same directory
// which is then renamed over the target, so a reader never observes a
// partial checkpoint.
type FileStore struct {
	base string
}

func NewFileStore(base string) *FileStore {
	return &FileStore{base: base}
}

func (s *FileStore) Init(_ context.Context) error {
	if s.base == "" {
		return errors.New("checkpoint filename base is required")
	}
	dir := filepath.Dir(s.base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory %s: %w", dir, err)
	}
	return nil
}

func (s *FileStore) Location(rank int) string {
	return fmt.Sprintf("%s.%d", s.base, rank)
}

func (s *FileStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.Location(cp.Rank), payload)
}

func (s *FileStore) LoadCheckpoint(ctx context.Context, rank int) (model.Checkpoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Checkpoint{}, false, err
	}
	path := s.Location(rank)
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Checkpoint{}, false, nil
		}
		return model.Checkpoint{}, false, err
	}
	cp, err := decodeForRank(payload, rank)
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("load %s: %w", path, err)
	}
	return cp, true, nil
}

// ReadCheckpointFile decodes a checkpoint file without knowing its rank.
func ReadCheckpointFile(path string) (model.Checkpoint, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return model.Checkpoint{}, err
	}
	cp, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("read %s: %w", path, err)
	}
	return cp, nil
}

func writeFileAtomic(path string, payload []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
