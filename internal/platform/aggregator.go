package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"archipelago/internal/island"
	"archipelago/internal/logging"
	"archipelago/internal/model"
	"archipelago/internal/transport"
)

const coordinatorRank = 0

// Aggregator merges every island's archive into the coordinator's. Each
// rank other than the coordinator sends once; the coordinator receives one
// batch per peer in arrival order.
type Aggregator struct {
	Group  transport.Group
	Logger *logging.Logger
}

func (a *Aggregator) Gather(ctx context.Context, isl *island.Island) error {
	if a.Group == nil {
		return errors.New("aggregator: group is required")
	}
	size := a.Group.Size()
	if size <= 1 {
		return nil
	}
	logger := a.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}

	if a.Group.Rank() != coordinatorRank {
		payload, err := json.Marshal(model.ArchiveBatch{Source: a.Group.Rank(), Items: isl.Archive.Items()})
		if err != nil {
			return fmt.Errorf("encode archive batch: %w", err)
		}
		return a.Group.Isend(ctx, coordinatorRank, transport.TagGather, payload).Wait(ctx)
	}

	seen := make(map[int]bool, size-1)
	for received := 1; received < size; received++ {
		msg, err := a.Group.RecvAny(ctx, transport.TagGather)
		if err != nil {
			return fmt.Errorf("receive archive batch: %w", err)
		}
		var batch model.ArchiveBatch
		if err := json.Unmarshal(msg.Payload, &batch); err != nil {
			return fmt.Errorf("decode archive batch from rank %d: %w", msg.Source, err)
		}
		if batch.Source != msg.Source || seen[msg.Source] {
			return fmt.Errorf("unexpected archive batch from rank %d (claims %d)", msg.Source, batch.Source)
		}
		seen[msg.Source] = true
		isl.Archive.Update(batch.Items)
		logger.PrintOut(logging.LevelInfoExtra, "merged archive", "source", msg.Source, "items", len(batch.Items), "archive_size", isl.Archive.Len())
	}
	return nil
}
