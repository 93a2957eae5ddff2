package kafkabus

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/streamrt/internal/causallog"
	"firestige.xyz/streamrt/internal/protocol"
)

type fakeWriter struct {
	sent []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.sent = append(w.sent, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func newTestDispatcher(w messageWriter) *Dispatcher {
	return &Dispatcher{writer: w, topic: "test"}
}

func TestNewDispatcherValidatesConfig(t *testing.T) {
	_, err := NewDispatcher(Config{})
	assert.Error(t, err)

	_, err = NewDispatcher(Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	_, err = NewDispatcher(Config{Brokers: []string{"localhost:9092"}, Topic: "t"})
	assert.NoError(t, err)
}

func TestPublishDeterminantRequestKeysByCausalLogID(t *testing.T) {
	w := &fakeWriter{}
	d := newTestDispatcher(w)
	key := causallog.NewID(uuid.NewV4(), 1, 0, uuid.Nil)

	err := d.PublishDeterminantRequest(context.Background(), key, protocol.DeterminantRequestEvent{FailedVertexID: 1, UpstreamCorrelationID: 2})
	require.NoError(t, err)
	require.Len(t, w.sent, 1)
	assert.NotEmpty(t, w.sent[0].Key)
	assert.Equal(t, byte(kindDeterminantRequest), w.sent[0].Value[0])
}

func TestPublishInFlightLogRequest(t *testing.T) {
	w := &fakeWriter{}
	d := newTestDispatcher(w)
	key := causallog.NewID(uuid.NewV4(), 0, 0, uuid.Nil)

	err := d.PublishInFlightLogRequest(context.Background(), key, protocol.InFlightLogRequestEvent{
		PartitionID:       uuid.NewV4(),
		SubpartitionIndex: 1,
		NumBuffersRemoved: 2,
	})
	require.NoError(t, err)
	require.Len(t, w.sent, 1)
	assert.Equal(t, byte(kindInFlightLogRequest), w.sent[0].Value[0])
}

func TestReadNextWithoutConsumerGroupErrors(t *testing.T) {
	d := newTestDispatcher(&fakeWriter{})
	_, err := d.ReadNext(context.Background())
	assert.Error(t, err)
}
