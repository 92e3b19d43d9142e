// Package queue provides the named FIFO queues connecting the pipeline stages.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/pkg/errors"
)

// Name identifies a pipeline queue.
type Name string

const (
	LeaseQueue         Name = "dhcp_lease"
	DiscoveryQueue     Name = "device_discovered"
	BootInitiatedQueue Name = "pxe_boot_initiated"
	ValidationQueue    Name = "validation_completed"
	HardeningQueue     Name = "hardening_completed"
	DeadLetterQueue    Name = "dead_letter"

	subjectPrefix = "bm.events."
)

var (
	// ErrEmpty is returned when no message is available within the consume timeout or on peek.
	ErrEmpty = errors.New("queue empty")

	ErrQueueName = errors.New("unknown queue")
	ErrPublish   = errors.New("queue publish error")
	ErrConsume   = errors.New("queue consume error")
	ErrQueueInfo = errors.New("queue info error")
)

// Names returns all pipeline queues.
func Names() []Name {
	return []Name{LeaseQueue, DiscoveryQueue, BootInitiatedQueue, ValidationQueue, HardeningQueue, DeadLetterQueue}
}

// ForEvent returns the queue the event type is published on.
func ForEvent(t model.EventType) (Name, error) {
	switch t {
	case model.EventDHCPLease:
		return LeaseQueue, nil
	case model.EventDeviceDiscovered:
		return DiscoveryQueue, nil
	case model.EventPXEBootInitiated:
		return BootInitiatedQueue, nil
	case model.EventValidationCompleted:
		return ValidationQueue, nil
	case model.EventHardeningCompleted:
		return HardeningQueue, nil
	}

	return "", errors.Wrap(ErrQueueName, string(t))
}

// Subject returns the NATS subject of the queue.
func (n Name) Subject() string {
	return subjectPrefix + string(n)
}

// Stream returns the JetStream stream name backing the queue.
func (n Name) Stream() string {
	return strings.ReplaceAll(n.Subject(), ".", "_")
}

func (n Name) valid() bool {
	for _, q := range Names() {
		if q == n {
			return true
		}
	}

	return false
}

// Delivery is a message handed out by Consume.
//
// Every delivery must be finished with Ack or Retry, an unfinished delivery
// is redelivered by the queue once its ack wait expires.
type Delivery interface {
	Data() []byte
	// Attempt is the 1 based delivery count of the message.
	Attempt() int
	Ack() error
	// Retry returns the message to the queue to be redelivered after the delay.
	Retry(delay time.Duration) error
	// InProgress resets the redelivery timer of a message still being worked on.
	InProgress() error
}

// Queue is a durable named FIFO queue with at-least-once delivery.
type Queue interface {
	// Publish enqueues the payload, msgID identifies duplicate publishes within the duplicate window.
	Publish(ctx context.Context, name Name, payload []byte, msgID string) error
	// Consume blocks until a message is available or the timeout expires, returning ErrEmpty on timeout.
	Consume(ctx context.Context, name Name, timeout time.Duration) (Delivery, error)
	// Peek returns the message at the head of the queue without consuming it.
	Peek(ctx context.Context, name Name) ([]byte, error)
	// Length returns the count of messages in the queue.
	Length(ctx context.Context, name Name) (uint64, error)
	Close() error
}

// PublishEvent encodes the event and publishes it on its queue,
// the event idempotency key is the publish message ID.
func PublishEvent(ctx context.Context, q Queue, event model.Event) error {
	name, err := ForEvent(event.Type())
	if err != nil {
		return err
	}

	payload, err := model.EncodeEvent(event)
	if err != nil {
		return errors.Wrap(ErrPublish, err.Error())
	}

	return q.Publish(ctx, name, payload, event.IdempotencyKey())
}

// DeadLetter is the payload published to the dead letter queue.
type DeadLetter struct {
	Queue    Name      `json:"queue"`
	Stage    string    `json:"stage"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
	Payload  string    `json:"payload"`
}
