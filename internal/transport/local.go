package transport

import (
	"context"
	"fmt"
)

// NewLocalCluster connects size in-process ranks. Sends are buffered in the
// receiver's mailbox and complete immediately.
func NewLocalCluster(size int) ([]Group, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: group size must be > 0, got %d", ErrGroupMismatch, size)
	}
	boxes := make([]*mailbox, size)
	for i := range boxes {
		boxes[i] = newMailbox()
	}
	groups := make([]Group, size)
	for i := range groups {
		groups[i] = &localGroup{rank: i, boxes: boxes}
	}
	return groups, nil
}

type localGroup struct {
	rank  int
	boxes []*mailbox
}

func (g *localGroup) Rank() int {
	return g.rank
}

func (g *localGroup) Size() int {
	return len(g.boxes)
}

func (g *localGroup) Isend(ctx context.Context, dest int, tag string, payload []byte) Request {
	if err := checkRank(dest, len(g.boxes)); err != nil {
		return doneRequest{err: err}
	}
	if err := ctx.Err(); err != nil {
		return doneRequest{err: err}
	}
	return doneRequest{err: g.boxes[dest].deliver(Message{Source: g.rank, Tag: tag, Payload: payload})}
}

func (g *localGroup) Recv(ctx context.Context, source int, tag string) ([]byte, error) {
	if err := checkRank(source, len(g.boxes)); err != nil {
		return nil, err
	}
	msg, err := g.boxes[g.rank].take(ctx, tag, source)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

func (g *localGroup) RecvAny(ctx context.Context, tag string) (Message, error) {
	return g.boxes[g.rank].take(ctx, tag, -1)
}

func (g *localGroup) Close() error {
	g.boxes[g.rank].close()
	return nil
}
