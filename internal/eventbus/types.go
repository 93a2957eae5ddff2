package eventbus

import (
	"context"
)

// Event is one partitioned message on the bus: Key selects the partition
// (by hash) and the in-order queue a handler drains it from, Topic
// selects the subscribed handler, Payload carries the topic-specific
// value (a protocol.DeterminantRequestEvent, etc., when used as the
// in-process TaskEventDispatcher).
type Event struct {
	Topic   string      `json:"topic"`
	Key     string      `json:"key"`
	Payload interface{} `json:"payload"`
}

// Handler processes one event.
type Handler func(event *Event) error

// Subscriber pairs a topic with its handler.
type Subscriber struct {
	Topic   string
	Handler Handler
}

// partition is one ordered worker goroutine's queue.
type partition struct {
	id      int
	queue   chan *Event
	ctx     context.Context
	cancel  context.CancelFunc
	handler Handler
}
