// Package transport moves opaque payloads between the ranks of a fixed
// process group. Messages from one source with one tag are received in the
// order they were sent.
package transport

import (
	"context"
	"errors"
	"fmt"
)

const (
	TagMigration = "migration"
	TagGather    = "gather"
	// TagHello carries the startup handshake between HTTP ranks.
	TagHello = "hello"
)

var (
	ErrGroupMismatch = errors.New("process group mismatch")
	ErrInvalidRank   = errors.New("invalid rank")
	ErrClosed        = errors.New("transport closed")

	// ErrPayloadTooLarge is returned by a send the receiver refused for size.
	ErrPayloadTooLarge = errors.New("payload too large")
)

type Message struct {
	Source  int
	Tag     string
	Payload []byte
}

// Request tracks a non-blocking send.
type Request interface {
	Wait(ctx context.Context) error
}

type Group interface {
	Rank() int
	Size() int
	// Isend starts sending payload to dest and returns without waiting for
	// delivery.
	Isend(ctx context.Context, dest int, tag string, payload []byte) Request
	// Recv blocks until a message with tag arrives from source.
	Recv(ctx context.Context, source int, tag string) ([]byte, error)
	// RecvAny blocks until a message with tag arrives from any rank.
	RecvAny(ctx context.Context, tag string) (Message, error)
	Close() error
}

// Ring neighbours of rank in a group of size ranks.
func Next(rank, size int) int {
	return (rank + 1) % size
}

func Prev(rank, size int) int {
	return (rank - 1 + size) % size
}

type doneRequest struct {
	err error
}

func (r doneRequest) Wait(_ context.Context) error {
	return r.err
}

type asyncRequest struct {
	done chan struct{}
	err  error
}

func newAsyncRequest() *asyncRequest {
	return &asyncRequest{done: make(chan struct{})}
}

func (r *asyncRequest) finish(err error) {
	r.err = err
	close(r.done)
}

func (r *asyncRequest) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func checkRank(rank, size int) error {
	if rank < 0 || rank >= size {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidRank, rank, size)
	}
	return nil
}
