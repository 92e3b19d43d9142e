package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type memMsg struct {
	data      []byte
	attempt   int
	visibleAt time.Time
}

// Mem is an in process Queue, used in tests and the single process mode.
type Mem struct {
	mu     sync.Mutex
	queues map[Name][]*memMsg
	msgIDs map[string]bool
	// notify is closed and replaced on each publish to wake consumers
	notify chan struct{}
	closed bool
}

// NewMem returns an empty in memory queue.
func NewMem() *Mem {
	return &Mem{
		queues: map[Name][]*memMsg{},
		msgIDs: map[string]bool{},
		notify: make(chan struct{}),
	}
}

var ErrClosed = errors.New("queue closed")

func (m *Mem) push(name Name, msg *memMsg) {
	m.queues[name] = append(m.queues[name], msg)

	close(m.notify)
	m.notify = make(chan struct{})
}

// Publish implements the Queue interface.
func (m *Mem) Publish(_ context.Context, name Name, payload []byte, msgID string) error {
	if !name.valid() {
		return errors.Wrap(ErrQueueName, string(name))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.Wrap(ErrPublish, ErrClosed.Error())
	}

	if msgID != "" {
		key := string(name) + "/" + msgID
		if m.msgIDs[key] {
			return nil
		}

		m.msgIDs[key] = true
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	m.push(name, &memMsg{data: data})

	return nil
}

// pop returns the first visible message, and the time the next invisible one becomes visible.
func (m *Mem) pop(name Name, now time.Time) (*memMsg, time.Time) {
	var next time.Time

	for i, msg := range m.queues[name] {
		if msg.visibleAt.After(now) {
			if next.IsZero() || msg.visibleAt.Before(next) {
				next = msg.visibleAt
			}

			continue
		}

		m.queues[name] = append(m.queues[name][:i:i], m.queues[name][i+1:]...)

		return msg, next
	}

	return nil, next
}

// Consume implements the Queue interface.
func (m *Mem) Consume(ctx context.Context, name Name, timeout time.Duration) (Delivery, error) {
	if !name.valid() {
		return nil, errors.Wrap(ErrQueueName, string(name))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, errors.Wrap(ErrConsume, ErrClosed.Error())
		}

		msg, next := m.pop(name, time.Now())
		notify := m.notify
		m.mu.Unlock()

		if msg != nil {
			msg.attempt++
			return &memDelivery{queue: m, name: name, msg: msg}, nil
		}

		var wake <-chan time.Time
		if !next.IsZero() {
			wake = time.After(time.Until(next))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrEmpty
		case <-notify:
		case <-wake:
		}
	}
}

// Peek implements the Queue interface.
func (m *Mem) Peek(_ context.Context, name Name) ([]byte, error) {
	if !name.valid() {
		return nil, errors.Wrap(ErrQueueName, string(name))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queues[name]) == 0 {
		return nil, ErrEmpty
	}

	return m.queues[name][0].data, nil
}

// Length implements the Queue interface.
func (m *Mem) Length(_ context.Context, name Name) (uint64, error) {
	if !name.valid() {
		return 0, errors.Wrap(ErrQueueName, string(name))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return uint64(len(m.queues[name])), nil
}

// Close implements the Queue interface.
func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.notify)
	}

	return nil
}

type memDelivery struct {
	queue *Mem
	name  Name
	msg   *memMsg
}

func (d *memDelivery) Data() []byte { return d.msg.data }
func (d *memDelivery) Attempt() int { return d.msg.attempt }
func (d *memDelivery) Ack() error   { return nil }

// InProgress implements the Delivery interface, in memory messages are never redelivered on their own.
func (d *memDelivery) InProgress() error { return nil }

func (d *memDelivery) Retry(delay time.Duration) error {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()

	if d.queue.closed {
		return ErrClosed
	}

	d.msg.visibleAt = time.Now().Add(delay)
	d.queue.push(d.name, d.msg)

	return nil
}
