package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferRetainReleaseRoundTrip(t *testing.T) {
	b := NewDataBuffer([]byte("hello"))
	assert.Equal(t, 1, b.RefCount())

	b.Retain()
	assert.Equal(t, 2, b.RefCount())

	b.Release()
	assert.Equal(t, 1, b.RefCount())

	b.Release()
	assert.Equal(t, 0, b.RefCount())
}

func TestBufferDoubleReleasePanics(t *testing.T) {
	b := NewDataBuffer([]byte("x"))
	b.Release()
	assert.Panics(t, func() { b.Release() })
}

func TestConsumerAppendFinishBuild(t *testing.T) {
	c := NewConsumer()
	c.Append([]byte("ab"))
	c.Append([]byte("cd"))
	assert.False(t, c.IsFinished())

	c.Finish()
	assert.True(t, c.IsFinished())

	buf := c.Build()
	assert.Equal(t, []byte("abcd"), buf.Bytes())
}

func TestConsumerAppendAfterFinishPanics(t *testing.T) {
	c := NewConsumer()
	c.Finish()
	assert.Panics(t, func() { c.Append([]byte("x")) })
}

func TestEventBufferIsEvent(t *testing.T) {
	b := NewEventBuffer([]byte{0x01})
	assert.True(t, b.IsEvent())
	assert.False(t, b.IsBuffer())
}

func TestEventConsumerBuildsEventBuffer(t *testing.T) {
	c := NewEventConsumer()
	assert.True(t, c.IsEvent())
	c.Append([]byte{0x02})
	c.Finish()
	buf := c.Build()
	assert.True(t, buf.IsEvent())
}
