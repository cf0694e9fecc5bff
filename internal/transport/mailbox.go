package transport

import (
	"context"
	"sync"
)

// mailbox buffers delivered messages per tag in arrival order. Waiters are
// woken by closing the current notify channel.
type mailbox struct {
	mu     sync.Mutex
	queues map[string][]Message
	notify chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{
		queues: make(map[string][]Message),
		notify: make(chan struct{}),
	}
}

func (m *mailbox) deliver(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	m.queues[msg.Tag] = append(m.queues[msg.Tag], msg)
	close(m.notify)
	m.notify = make(chan struct{})
	return nil
}

// take removes the oldest message with tag, from source or from any rank
// when source is negative.
func (m *mailbox) take(ctx context.Context, tag string, source int) (Message, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Message{}, ErrClosed
		}
		queue := m.queues[tag]
		for i, msg := range queue {
			if source >= 0 && msg.Source != source {
				continue
			}
			m.queues[tag] = append(queue[:i:i], queue[i+1:]...)
			m.mu.Unlock()
			return msg, nil
		}
		wait := m.notify
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.notify)
}

// pending counts buffered messages, for tests and diagnostics.
func (m *mailbox) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}
