package recovery

import (
	"bytes"
	"context"
	"errors"
	"testing"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/streamrt/internal/buffer"
	"firestige.xyz/streamrt/internal/causallog"
	"firestige.xyz/streamrt/internal/epoch"
	"firestige.xyz/streamrt/internal/inputchannel"
	"firestige.xyz/streamrt/internal/partitiontable"
	"firestige.xyz/streamrt/internal/protocol"
	"firestige.xyz/streamrt/internal/subpartition"
)

type stubBroadcaster struct {
	responses []protocol.DeterminantResponseEvent
	err       error
}

func (b stubBroadcaster) Broadcast(ctx context.Context, peers []string, req protocol.DeterminantRequestEvent) ([]protocol.DeterminantResponseEvent, error) {
	return b.responses, b.err
}

func encodedDeterminants(ds ...causallog.Determinant) []byte {
	var buf bytes.Buffer
	enc := causallog.Encoder{}
	for _, d := range ds {
		enc.Append(&buf, d)
	}
	return buf.Bytes()
}

func TestStandbyToWaitingConnectionsRequiresAllPeersReachable(t *testing.T) {
	tbl := partitiontable.New([]string{"peer-a", "peer-b"})
	tr := epoch.NewTracker()
	m := New(1, tbl, tr, stubBroadcaster{}, nil)

	m.NotifyStartRecovery(func(peer string) bool { return peer == "peer-a" })
	assert.Equal(t, Standby, m.State())

	m.NotifyStartRecovery(func(peer string) bool { return true })
	assert.Equal(t, WaitingConnections, m.State())
}

// §8 property 5: no event sequence reaches Running without passing
// through WaitingDeterminants.
func TestFSMReachesRunningOnlyThroughWaitingDeterminants(t *testing.T) {
	tbl := partitiontable.New(nil)
	tr := epoch.NewTracker()

	replayed := 0
	replay := func(ctx context.Context, ds []causallog.Determinant) (uint32, error) {
		replayed = len(ds)
		for range ds {
			tr.IncRecordCount()
		}
		return uint32(len(ds)), nil
	}

	id := causallog.NewID(uuid.NewV4(), 0, 0, uuid.Nil)
	resp := protocol.DeterminantResponseEvent{
		Found: true,
		Fragments: []protocol.Fragment{
			{ID: id, Payload: buffer.NewDataBuffer(encodedDeterminants(causallog.Order(0), causallog.Timer(7)))},
		},
	}

	m := New(1, tbl, tr, stubBroadcaster{responses: []protocol.DeterminantResponseEvent{resp}}, replay)
	m.NotifyStartRecovery(nil)
	require.Equal(t, WaitingConnections, m.State())

	require.NoError(t, m.NotifyAllChannelsReady(context.Background()))
	assert.Equal(t, Running, m.State())
	assert.Equal(t, 2, replayed)
}

func TestNotifyAllChannelsReadyRejectedOutsideWaitingConnections(t *testing.T) {
	tbl := partitiontable.New(nil)
	tr := epoch.NewTracker()
	m := New(1, tbl, tr, stubBroadcaster{}, nil)

	err := m.NotifyAllChannelsReady(context.Background())
	assert.Error(t, err)
}

func TestRunningFlushesUnansweredInFlightLogRequests(t *testing.T) {
	tbl := partitiontable.New(nil)
	tr := epoch.NewTracker()
	replay := func(ctx context.Context, ds []causallog.Determinant) (uint32, error) { return 0, nil }
	m := New(1, tbl, tr, stubBroadcaster{responses: []protocol.DeterminantResponseEvent{{Found: false}}}, replay)

	key := partitiontable.Key{PartitionID: uuid.NewV4(), SubpartitionIndex: 0}
	sp := subpartition.New(nil)
	tbl.Register(key, sp)
	sp.SendFailConsumerTrigger(0, errors.New("downstream failed"))
	require.True(t, sp.IsDownstreamFailed())

	// Not yet Running: store as unanswered.
	m.NotifyInFlightLogRequest(key, protocol.InFlightLogRequestEvent{SubpartitionIndex: 0}, false)

	m.NotifyStartRecovery(nil)
	require.NoError(t, m.NotifyAllChannelsReady(context.Background()))
	assert.Equal(t, Running, m.State())

	// request_replay() should have fired when Running was reached,
	// installing a (possibly empty) replay iterator and clearing
	// downstream_failed.
	assert.False(t, sp.IsDownstreamFailed())
}

func TestNotifyNewInputChannelDoesNotForceRunning(t *testing.T) {
	tbl := partitiontable.New(nil)
	tr := epoch.NewTracker()
	m := New(1, tbl, tr, stubBroadcaster{}, nil)

	key := partitiontable.Key{PartitionID: uuid.NewV4(), SubpartitionIndex: 0}
	ch := inputchannel.New(0, func(ctx context.Context, idx int) (inputchannel.SubpartitionView, error) {
		return nil, inputchannel.ErrPartitionNotFound
	}, inputchannel.BackoffConfig{})

	m.NotifyNewInputChannel(key, ch, 3)
	assert.Equal(t, Standby, m.State())
	assert.True(t, ch.IsDeduplicating())
}
