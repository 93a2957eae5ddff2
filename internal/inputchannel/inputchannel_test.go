package inputchannel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/streamrt/internal/buffer"
)

type fakeView struct {
	mu       sync.Mutex
	items    []*buffer.Buffer
	released bool
}

func (v *fakeView) PollNext() (buffer.AndBacklog, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.items) == 0 {
		return buffer.AndBacklog{}, false
	}
	b := v.items[0]
	v.items = v.items[1:]
	return buffer.AndBacklog{Buffer: b, MoreAvailable: len(v.items) > 0}, true
}

func (v *fakeView) ReleaseView() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.released = true
}

func constantProvider(v SubpartitionView) SubpartitionProvider {
	return func(ctx context.Context, idx int) (SubpartitionView, error) { return v, nil }
}

// S3: dedupe — 4 replayed buffers, consumer already processed 2.
func TestDedupDropsAcknowledgedPrefix(t *testing.T) {
	view := &fakeView{items: []*buffer.Buffer{
		buffer.NewDataBuffer([]byte("b1")),
		buffer.NewDataBuffer([]byte("b2")),
		buffer.NewDataBuffer([]byte("b3")),
		buffer.NewDataBuffer([]byte("b4")),
	}}
	ch := New(0, constantProvider(view), BackoffConfig{})
	ch.SetNumberBuffersDeduplicate(2)
	ch.SetDeduplicating()

	ctx := context.Background()
	var delivered [][]byte
	for {
		res, err := ch.GetNextBuffer(ctx)
		require.NoError(t, err)
		if res.Buffer == nil {
			break
		}
		delivered = append(delivered, res.Buffer.Bytes())
	}

	assert.Equal(t, [][]byte{[]byte("b3"), []byte("b4")}, delivered)
	assert.Equal(t, 2, ch.GetResetNumberBuffersRemoved())
	assert.Equal(t, 0, ch.GetResetNumberBuffersRemoved(), "reset must zero the counter")
	assert.False(t, ch.IsDeduplicating())
}

func TestDedupClearsFlagExactlyAtZero(t *testing.T) {
	view := &fakeView{items: []*buffer.Buffer{
		buffer.NewDataBuffer([]byte("b1")),
	}}
	ch := New(0, constantProvider(view), BackoffConfig{})
	ch.SetNumberBuffersDeduplicate(1)
	ch.SetDeduplicating()

	res, err := ch.GetNextBuffer(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res.Buffer)
	assert.False(t, ch.IsDeduplicating())
}

// S5: backoff — retries at 10, 20, 40ms then surfaces PartitionNotFound.
func TestRequestSubpartitionBackoffSchedule(t *testing.T) {
	var attempts []time.Time
	provider := func(ctx context.Context, idx int) (SubpartitionView, error) {
		attempts = append(attempts, time.Now())
		return nil, ErrPartitionNotFound
	}
	ch := New(0, provider, BackoffConfig{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond})

	start := time.Now()
	err := ch.RequestSubpartition(context.Background())
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrPartitionNotFound)
	assert.Len(t, attempts, 3)
	assert.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
}

func TestRequestSubpartitionSucceedsAndMemoizesView(t *testing.T) {
	view := &fakeView{}
	calls := 0
	provider := func(ctx context.Context, idx int) (SubpartitionView, error) {
		calls++
		return view, nil
	}
	ch := New(0, provider, BackoffConfig{})

	require.NoError(t, ch.RequestSubpartition(context.Background()))
	require.NoError(t, ch.RequestSubpartition(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestReleaseAllResourcesIsIdempotentAndBlocksFurtherReads(t *testing.T) {
	view := &fakeView{items: []*buffer.Buffer{buffer.NewDataBuffer([]byte("x"))}}
	ch := New(0, constantProvider(view), BackoffConfig{})
	require.NoError(t, ch.RequestSubpartition(context.Background()))

	ch.ReleaseAllResources()
	ch.ReleaseAllResources()
	assert.True(t, view.released)

	_, err := ch.GetNextBuffer(context.Background())
	assert.ErrorIs(t, err, ErrReleased)
}

func TestToNewLocalCarriesOverDedupState(t *testing.T) {
	viewA := &fakeView{}
	ch := New(3, constantProvider(viewA), BackoffConfig{})
	require.NoError(t, ch.RequestSubpartition(context.Background()))
	ch.SetNumberBuffersDeduplicate(5)
	ch.SetDeduplicating()

	viewB := &fakeView{}
	next := ch.ToNewLocal(constantProvider(viewB))

	assert.True(t, viewA.released)
	assert.True(t, next.IsDeduplicating())
}

func TestRequestSubpartitionPropagatesNonTransientError(t *testing.T) {
	boom := errors.New("boom")
	provider := func(ctx context.Context, idx int) (SubpartitionView, error) { return nil, boom }
	ch := New(0, provider, BackoffConfig{})

	err := ch.RequestSubpartition(context.Background())
	assert.ErrorIs(t, err, boom)
}
