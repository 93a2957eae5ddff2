package inflight

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/streamrt/internal/buffer"
)

func TestLogDispatchEqualsLogSingleEpochNoFailure(t *testing.T) {
	l := New()
	defer l.Close()

	b1 := buffer.NewDataBuffer([]byte("a"))
	b2 := buffer.NewDataBuffer([]byte("b"))
	l.Log(1, b1, false)
	l.Log(1, b2, true)

	assert.Equal(t, 2, l.Size())

	it := l.Iterator()
	require.NotNil(t, it)
	assert.Equal(t, 2, it.NumberRemaining())

	got := it.Next()
	assert.Equal(t, []byte("a"), got.Bytes())
	assert.True(t, it.HasNext())

	got = it.Next()
	assert.Equal(t, []byte("b"), got.Bytes())
	assert.False(t, it.HasNext())
	assert.Nil(t, it.Next())
}

func TestNotifyDownstreamCheckpointCompleteTruncatesAcknowledgedPrefix(t *testing.T) {
	l := New()
	defer l.Close()

	b1 := buffer.NewDataBuffer([]byte("a"))
	b2 := buffer.NewDataBuffer([]byte("b"))
	b3 := buffer.NewDataBuffer([]byte("c"))
	l.Log(1, b1, false)
	l.Log(1, b2, false)
	l.Log(2, b3, true)
	// Log retains its own reference; drop the test's, as Subpartition does
	// after logging, so the log holds the only share.
	b1.Release()
	b2.Release()
	b3.Release()

	l.NotifyDownstreamCheckpointComplete(2)
	assert.Equal(t, 1, l.Size())
	assert.Equal(t, 0, b1.RefCount())
	assert.Equal(t, 0, b2.RefCount())
	assert.Equal(t, 1, b3.RefCount())

	it := l.Iterator()
	require.NotNil(t, it)
	assert.Equal(t, 1, it.NumberRemaining())
	assert.Equal(t, []byte("c"), it.PeekNext().Bytes())
}

func TestNotifyDownstreamCheckpointCompleteSpansMultipleEpochs(t *testing.T) {
	l := New()
	defer l.Close()

	b1 := buffer.NewDataBuffer([]byte("a"))
	b2 := buffer.NewDataBuffer([]byte("b"))
	b3 := buffer.NewDataBuffer([]byte("c"))
	l.Log(1, b1, true)
	l.Log(2, b2, false)
	l.Log(2, b3, true)
	b1.Release()
	b2.Release()
	b3.Release()

	l.NotifyDownstreamCheckpointComplete(2)
	assert.Equal(t, 1, l.Size())
	assert.Equal(t, 0, b1.RefCount())
	assert.Equal(t, 0, b2.RefCount())
	assert.Equal(t, 1, b3.RefCount())
}

func TestIteratorDoesNotObserveBuffersAppendedAfterCreation(t *testing.T) {
	l := New()
	defer l.Close()

	l.Log(1, buffer.NewDataBuffer([]byte("a")), false)
	it := l.Iterator()
	require.NotNil(t, it)

	l.Log(1, buffer.NewDataBuffer([]byte("b")), true)
	assert.Equal(t, 1, it.NumberRemaining())
}

func TestNewIteratorClosesPreviousOne(t *testing.T) {
	l := New()
	defer l.Close()

	b := buffer.NewDataBuffer([]byte("a"))
	l.Log(1, b, true)

	first := l.Iterator()
	require.NotNil(t, first)

	second := l.Iterator()
	require.NotNil(t, second)

	assert.False(t, first.HasNext())
	assert.Nil(t, first.Next())
	assert.Equal(t, 1, second.NumberRemaining())
}

func TestAppendToClosedLogIsNoOp(t *testing.T) {
	l := New()
	l.Log(1, buffer.NewDataBuffer([]byte("a")), true)
	l.Close()

	assert.NotPanics(t, func() {
		l.Log(2, buffer.NewDataBuffer([]byte("b")), false)
	})
	assert.Equal(t, 0, l.Size())
}

func TestIteratorAfterCloseReturnsEmpty(t *testing.T) {
	l := New()
	l.Log(1, buffer.NewDataBuffer([]byte("a")), true)
	it := l.Iterator()
	require.NotNil(t, it)

	l.Close()
	assert.False(t, it.HasNext())
	assert.Nil(t, it.Next())
	assert.Equal(t, 0, it.NumberRemaining())
}

func TestIteratorOnEmptyOrClosedLogReturnsNil(t *testing.T) {
	l := New()
	defer l.Close()
	assert.Nil(t, l.Iterator())
}
