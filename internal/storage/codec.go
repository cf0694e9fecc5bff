package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"archipelago/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var (
	ErrVersionMismatch   = errors.New("record version mismatch")
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
	ErrRankMismatch      = errors.New("checkpoint rank mismatch")
)

// EncodeCheckpoint stamps the current schema and codec versions and
// serialises the checkpoint.
func EncodeCheckpoint(cp model.Checkpoint) ([]byte, error) {
	cp.SchemaVersion = CurrentSchemaVersion
	cp.CodecVersion = CurrentCodecVersion
	return json.Marshal(cp)
}

func DecodeCheckpoint(data []byte) (model.Checkpoint, error) {
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return model.Checkpoint{}, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	if err := checkVersion(cp.VersionedRecord); err != nil {
		return model.Checkpoint{}, err
	}
	if cp.Rank < 0 {
		return model.Checkpoint{}, fmt.Errorf("%w: negative rank %d", ErrCorruptCheckpoint, cp.Rank)
	}
	if len(cp.RNGState) == 0 {
		return model.Checkpoint{}, fmt.Errorf("%w: missing rng state", ErrCorruptCheckpoint)
	}
	return cp, nil
}

// decodeForRank decodes a stored payload and rejects a record written by a
// different rank.
func decodeForRank(data []byte, rank int) (model.Checkpoint, error) {
	cp, err := DecodeCheckpoint(data)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if cp.Rank != rank {
		return model.Checkpoint{}, fmt.Errorf("%w: requested rank %d, record holds rank %d", ErrRankMismatch, rank, cp.Rank)
	}
	return cp, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, v.SchemaVersion, v.CodecVersion)
	}
	return nil
}
