package subpartition

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/streamrt/internal/buffer"
)

type mockView struct {
	mu            sync.Mutex
	availableHits int
	released      bool
}

func (v *mockView) NotifyDataAvailable() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.availableHits++
}

func (v *mockView) NotifyViewReleased() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.released = true
}

func (v *mockView) hits() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.availableHits
}

func finishedConsumer(data string) *buffer.Consumer {
	c := buffer.NewConsumer()
	c.Append([]byte(data))
	c.Finish()
	return c
}

// S1: single epoch, no failure.
func TestDispatchLogsAndCheckpointTruncates(t *testing.T) {
	sp := New(nil)
	require.True(t, sp.Add(1, finishedConsumer("r1"), false))
	require.True(t, sp.Add(1, finishedConsumer("r2"), false))
	require.True(t, sp.Add(1, finishedConsumer("r3"), true))

	for i := 0; i < 3; i++ {
		res, ok := sp.PollBuffer(1)
		require.True(t, ok)
		require.NotNil(t, res.Buffer)
	}
	assert.Equal(t, 3, sp.InFlightLog().Size())

	sp.InFlightLog().NotifyDownstreamCheckpointComplete(3)
	assert.Equal(t, 0, sp.InFlightLog().Size())
	assert.True(t, sp.IsFinished())
}

// S2: downstream fail + replay.
func TestDownstreamFailDrainsThenReplayReturnsFullSequence(t *testing.T) {
	sp := New(nil)
	require.True(t, sp.Add(1, finishedConsumer("b1"), false))
	require.True(t, sp.Add(1, finishedConsumer("b2"), false))

	res1, ok := sp.PollBuffer(1)
	require.True(t, ok)
	res2, ok := sp.PollBuffer(1)
	require.True(t, ok)
	assert.Equal(t, []byte("b1"), res1.Buffer.Bytes())
	assert.Equal(t, []byte("b2"), res2.Buffer.Bytes())

	sp.SendFailConsumerTrigger(1, errors.New("peer unreachable"))
	assert.True(t, sp.IsDownstreamFailed())

	require.True(t, sp.Add(1, finishedConsumer("b3"), false))
	require.True(t, sp.Add(1, finishedConsumer("b4"), false))

	_, ok = sp.PollBuffer(1)
	assert.False(t, ok, "poll must return nothing while downstream has failed")
	assert.Equal(t, 4, sp.InFlightLog().Size())

	sp.RequestReplay()
	assert.False(t, sp.IsDownstreamFailed())

	var replayed [][]byte
	for {
		res, ok := sp.PollBuffer(1)
		if !ok {
			break
		}
		replayed = append(replayed, res.Buffer.Bytes())
		if !res.MoreAvailable {
			break
		}
	}
	assert.Equal(t, [][]byte{[]byte("b1"), []byte("b2"), []byte("b3"), []byte("b4")}, replayed)

	require.True(t, sp.Add(1, finishedConsumer("b5"), false))
	res, ok := sp.PollBuffer(1)
	require.True(t, ok)
	assert.Equal(t, []byte("b5"), res.Buffer.Bytes())
}

// S6: flush / notify semantics.
func TestAddNotifiesExactlyOncePerFinishedBufferArrival(t *testing.T) {
	view := &mockView{}
	sp := New(nil)
	sp.SetReadView(view)

	unfinished := buffer.NewConsumer()
	unfinished.Append([]byte("partial"))
	require.True(t, sp.Add(1, unfinished, false))
	assert.Equal(t, 0, view.hits(), "no notify while queue holds only an unfinished buffer")

	unfinished.Finish()
	second := buffer.NewConsumer()
	require.True(t, sp.Add(1, second, false))
	assert.Equal(t, 1, view.hits(), "exactly one finished buffer in queue must notify once")

	_, ok := sp.PollBuffer(1)
	require.True(t, ok)
	assert.Equal(t, 1, view.hits(), "draining must not itself notify")

	sp.Flush()
	assert.Equal(t, 2, view.hits(), "flush while the unfinished consumer is still queued notifies")

	second.Append([]byte("more"))
	second.Finish()
	require.True(t, sp.Add(1, buffer.NewConsumer(), false))
	assert.Equal(t, 2, view.hits())
}

func TestReleaseIsIdempotentAndNotifiesOnce(t *testing.T) {
	view := &mockView{}
	sp := New(nil)
	sp.SetReadView(view)
	require.True(t, sp.Add(1, finishedConsumer("x"), false))

	sp.Release()
	sp.Release()
	assert.True(t, sp.IsReleased())
	assert.True(t, view.released)

	ok := sp.Add(1, finishedConsumer("y"), false)
	assert.False(t, ok, "add after release must fail")
}

func TestUnfinishedConsumerNotAtTailPanics(t *testing.T) {
	sp := New(nil)
	unfinished := buffer.NewConsumer()
	unfinished.Append([]byte("a"))

	require.True(t, sp.Add(1, unfinished, false))
	require.True(t, sp.Add(1, finishedConsumer("b"), false))

	assert.Panics(t, func() {
		sp.PollBuffer(1)
	})
}
