package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeDeliversEvent(t *testing.T) {
	bus := NewInMemoryEventBus(2, 8)
	defer bus.Close()

	received := make(chan *Event, 1)
	require.NoError(t, bus.Subscribe("topic-a", func(e *Event) error {
		received <- e
		return nil
	}))

	require.NoError(t, bus.Publish(&Event{Topic: "topic-a", Key: "k1", Payload: 42}))

	select {
	case e := <-received:
		assert.Equal(t, 42, e.Payload)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSameKeyEventsProcessedInOrder(t *testing.T) {
	bus := NewInMemoryEventBus(4, 16)
	defer bus.Close()

	var order []int
	done := make(chan struct{})
	require.NoError(t, bus.Subscribe("seq", func(e *Event) error {
		order = append(order, e.Payload.(int))
		if len(order) == 5 {
			close(done)
		}
		return nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(&Event{Topic: "seq", Key: "same-key", Payload: i}))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("events not delivered")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPublishAfterCloseErrors(t *testing.T) {
	bus := NewInMemoryEventBus(1, 1)
	require.NoError(t, bus.Close())
	assert.Error(t, bus.Publish(&Event{Topic: "x", Key: "k"}))
}

func TestProtocolEventBusRoundTrip(t *testing.T) {
	raw := NewInMemoryEventBus(2, 8)
	p := NewProtocolEventBus(raw)
	defer p.Close()

	received := make(chan interface{}, 1)
	require.NoError(t, p.SubscribeDeterminantRequest(func(peer string, payload interface{}) error {
		assert.Equal(t, "peer-a", peer)
		received <- payload
		return nil
	}))

	require.NoError(t, p.PublishDeterminantRequest("peer-a", "req-payload"))

	select {
	case payload := <-received:
		assert.Equal(t, "req-payload", payload)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
