package storage

import (
	"context"
	"errors"
	"sync"

	"archipelago/internal/model"
)

// MemoryStore holds encoded checkpoints in process memory. It is safe for
// the goroutine islands of a local run to share one instance.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[int][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.checkpoints = make(map[int][]byte)
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp model.Checkpoint) error {
	payload, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("memory store is not initialized")
	}
	s.checkpoints[cp.Rank] = payload
	return nil
}

func (s *MemoryStore) LoadCheckpoint(_ context.Context, rank int) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	payload, ok := s.checkpoints[rank]
	s.mu.RUnlock()

	if !ok {
		return model.Checkpoint{}, false, nil
	}
	cp, err := decodeForRank(payload, rank)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	return cp, true, nil
}

// Put stores a raw payload under a rank, bypassing the encoder.
func (s *MemoryStore) Put(rank int, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.checkpoints == nil {
		s.checkpoints = make(map[int][]byte)
		s.initialized = true
	}
	s.checkpoints[rank] = append([]byte(nil), payload...)
}
