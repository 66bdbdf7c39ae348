package protocol

import (
	"context"
	"errors"

	"github.com/radctl/radctl/pkg/logflags"
)

// MessageQueue carries command lists from the user goroutine to the control
// goroutine.
type MessageQueue struct {
	rb  *RingBuffer
	log logflags.Logger
}

// NewMessageQueue returns a queue backed by a ring buffer of capacity
// bytes.
func NewMessageQueue(capacity int) *MessageQueue {
	return &MessageQueue{rb: NewRingBuffer(capacity), log: logflags.ProtocolLogger()}
}

// PushMessages serializes msgs and appends them as one record.
func (q *MessageQueue) PushMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return q.rb.Push(ctx, MarshalMessages(msgs))
}

// PopMessages returns the next message list. Malformed records are logged
// and skipped.
func (q *MessageQueue) PopMessages(ctx context.Context) ([]Message, error) {
	for {
		rec, err := q.rb.Pop(ctx)
		if err != nil {
			return nil, err
		}
		msgs, err := UnmarshalMessages(rec)
		var derr *DecodeError
		if errors.As(err, &derr) {
			q.log.Errorf("dropping message record: %v", derr)
			continue
		}
		return msgs, err
	}
}

// Close wakes any blocked goroutine.
func (q *MessageQueue) Close() { q.rb.Close() }

// EventQueue carries event lists from the control goroutine to the user
// goroutine.
type EventQueue struct {
	rb  *RingBuffer
	log logflags.Logger
}

// NewEventQueue returns a queue backed by a ring buffer of capacity bytes.
func NewEventQueue(capacity int) *EventQueue {
	return &EventQueue{rb: NewRingBuffer(capacity), log: logflags.ProtocolLogger()}
}

// PushEvents serializes evs and appends them as one record.
func (q *EventQueue) PushEvents(ctx context.Context, evs []Event) error {
	if len(evs) == 0 {
		return nil
	}
	return q.rb.Push(ctx, MarshalEvents(evs))
}

// PopEvents returns the next event list. Malformed records are logged and
// skipped.
func (q *EventQueue) PopEvents(ctx context.Context) ([]Event, error) {
	for {
		rec, err := q.rb.Pop(ctx)
		if err != nil {
			return nil, err
		}
		evs, err := UnmarshalEvents(rec)
		var derr *DecodeError
		if errors.As(err, &derr) {
			q.log.Errorf("dropping event record: %v", derr)
			continue
		}
		return evs, err
	}
}

// Close wakes any blocked goroutine.
func (q *EventQueue) Close() { q.rb.Close() }
