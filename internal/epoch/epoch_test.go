package epoch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartNewEpochResetsRecordCountAndNotifies(t *testing.T) {
	tr := NewTracker()
	var started []ID
	tr.SubscribeEpochStart(StartListenerFunc(func(id ID) {
		started = append(started, id)
	}))

	tr.IncRecordCount()
	tr.IncRecordCount()
	require.EqualValues(t, 2, tr.RecordCount())

	tr.StartNewEpoch(5)
	assert.EqualValues(t, 5, tr.CurrentEpoch())
	assert.EqualValues(t, 0, tr.RecordCount())
	assert.Equal(t, []ID{5}, started)
}

func TestEpochStartListenersNotifiedInSubscriptionOrder(t *testing.T) {
	tr := NewTracker()
	var order []int
	tr.SubscribeEpochStart(StartListenerFunc(func(ID) { order = append(order, 1) }))
	tr.SubscribeEpochStart(StartListenerFunc(func(ID) { order = append(order, 2) }))
	tr.SubscribeEpochStart(StartListenerFunc(func(ID) { order = append(order, 3) }))

	tr.StartNewEpoch(1)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSetRecordCountTargetFiresOnceReached(t *testing.T) {
	tr := NewTracker()
	fired := 0
	tr.SetRecordCountTarget(3, func() { fired++ })

	tr.IncRecordCount()
	tr.IncRecordCount()
	assert.Equal(t, 0, fired)

	tr.IncRecordCount()
	assert.Equal(t, 1, fired)

	// Further increments must not re-fire.
	tr.IncRecordCount()
	assert.Equal(t, 1, fired)
}

func TestSetRecordCountTargetFiresImmediatelyIfAlreadyReached(t *testing.T) {
	tr := NewTracker()
	tr.IncRecordCount()
	tr.IncRecordCount()

	fired := 0
	tr.SetRecordCountTarget(2, func() { fired++ })
	assert.Equal(t, 1, fired)
}

func TestNotifyCheckpointCompleteForwardsToAllSubscribers(t *testing.T) {
	tr := NewTracker()
	var got []ID
	tr.SubscribeCheckpointComplete(CheckpointListenerFunc(func(id ID) {
		got = append(got, id)
	}))
	tr.SubscribeCheckpointComplete(CheckpointListenerFunc(func(id ID) {
		got = append(got, id)
	}))

	tr.NotifyCheckpointComplete(7)
	assert.Equal(t, []ID{7, 7}, got)
}

func TestCurrentEpochFailSafeBeforeFirstStart(t *testing.T) {
	tr := NewTracker()
	assert.EqualValues(t, 0, tr.CurrentEpoch())
}
