package protocol

import (
	"bytes"
	"testing"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/streamrt/internal/buffer"
	"firestige.xyz/streamrt/internal/causallog"
)

func testID() causallog.ID {
	return causallog.NewID(uuid.NewV4(), 1, 0, uuid.Nil)
}

func TestDeterminantRequestEventRoundTrip(t *testing.T) {
	e := DeterminantRequestEvent{FailedVertexID: 7, UpstreamCorrelationID: 42}
	var buf bytes.Buffer
	e.Encode(&buf)

	got, rest, err := DecodeDeterminantRequestEvent(buf.Bytes())
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, e, got)
}

func TestDeterminantResponseEventRoundTrip(t *testing.T) {
	id := testID()
	e := DeterminantResponseEvent{
		Found:         true,
		VertexID:      3,
		CorrelationID: 99,
		Fragments:     []Fragment{{ID: id, Payload: buffer.NewDataBuffer([]byte("abc"))}},
	}
	var buf bytes.Buffer
	require.NoError(t, e.Encode(&buf))

	got, rest, err := DecodeDeterminantResponseEvent(buf.Bytes())
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.True(t, got.Found)
	assert.Equal(t, uint16(3), got.VertexID)
	assert.Equal(t, int64(99), got.CorrelationID)
	require.Len(t, got.Fragments, 1)
	assert.Equal(t, id, got.Fragments[0].ID)
	assert.Equal(t, []byte("abc"), got.Fragments[0].Payload.Bytes())
}

func TestDecodeDeterminantResponseEventRejectsTruncatedFrame(t *testing.T) {
	_, _, err := DecodeDeterminantResponseEvent([]byte{1, 0})
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

// S4: merge of two 100- and 120-byte logs for the same CausalLogID.
func TestMergeKeepsLargerFragmentAndReleasesSmaller(t *testing.T) {
	id := testID()
	small := buffer.NewDataBuffer(make([]byte, 100))
	large := buffer.NewDataBuffer(make([]byte, 120))

	a := DeterminantResponseEvent{Found: true, Fragments: []Fragment{{ID: id, Payload: small}}}
	b := DeterminantResponseEvent{Found: true, Fragments: []Fragment{{ID: id, Payload: large}}}

	merged := Merge(a, b)
	require.Len(t, merged.Fragments, 1)
	assert.Equal(t, 120, merged.Fragments[0].Payload.ReadableBytes())
	assert.Equal(t, 0, small.RefCount())
}

func TestMergeNotFoundOnlyWhenNeitherSideFound(t *testing.T) {
	a := DeterminantResponseEvent{Found: false}
	b := DeterminantResponseEvent{Found: false}
	assert.False(t, Merge(a, b).Found)

	c := DeterminantResponseEvent{Found: true}
	assert.True(t, Merge(a, c).Found)
}

// §8 property 4: merge(a, b) == merge(b, a) up to identity, and
// merge(a, merge(b, c)) == merge(merge(a, b), c).
func TestMergeIsCommutativeAndAssociative(t *testing.T) {
	id := testID()
	mk := func(n int) DeterminantResponseEvent {
		return DeterminantResponseEvent{Found: true, Fragments: []Fragment{{ID: id, Payload: buffer.NewDataBuffer(make([]byte, n))}}}
	}

	commutative1 := Merge(mk(10), mk(20))
	commutative2 := Merge(mk(20), mk(10))
	assert.Equal(t, commutative1.Fragments[0].Payload.ReadableBytes(), commutative2.Fragments[0].Payload.ReadableBytes())

	left := Merge(mk(10), Merge(mk(20), mk(15)))
	right := Merge(Merge(mk(10), mk(20)), mk(15))
	assert.Equal(t, 20, left.Fragments[0].Payload.ReadableBytes())
	assert.Equal(t, 20, right.Fragments[0].Payload.ReadableBytes())
}

func TestInFlightLogRequestEventRoundTrip(t *testing.T) {
	e := InFlightLogRequestEvent{PartitionID: uuid.NewV4(), SubpartitionIndex: 2, NumBuffersRemoved: 5}
	var buf bytes.Buffer
	e.Encode(&buf)

	got, rest, err := DecodeInFlightLogRequestEvent(buf.Bytes())
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, e, got)
}
