package storage

import (
	"context"

	"archipelago/internal/model"
)

// CheckpointStore persists one checkpoint per rank. Saving a rank's
// checkpoint replaces the previous one; loading only ever reads the
// requested rank's record.
type CheckpointStore interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	// LoadCheckpoint returns ok == false with a nil error when the rank has
	// no checkpoint yet.
	LoadCheckpoint(ctx context.Context, rank int) (model.Checkpoint, bool, error)
}

// Locator is implemented by stores that can name where a rank's checkpoint
// lives, for log messages.
type Locator interface {
	Location(rank int) string
}

func Location(store CheckpointStore, rank int) string {
	if l, ok := store.(Locator); ok {
		return l.Location(rank)
	}
	return ""
}
