package causallog

import (
	"bytes"
	"sync"

	"firestige.xyz/streamrt/internal/epoch"
)

// segment is one epoch's worth of appended determinant bytes.
type segment struct {
	epochID epoch.ID
	data    bytes.Buffer
}

// VertexLog is the append-only, epoch-indexed determinant buffer for a
// single ID (§3 VertexCausalLog). One VertexLog exists per CausalLogID the
// operator reads from; determinants are appended in record-processing
// order within an epoch.
type VertexLog struct {
	mu       sync.Mutex
	id       ID
	segments []*segment // oldest first; segments[i].epochID is strictly increasing
	enc      Encoder
}

// NewVertexLog creates an empty log for id.
func NewVertexLog(id ID) *VertexLog {
	return &VertexLog{id: id}
}

// ID returns the CausalLogID this log belongs to.
func (v *VertexLog) ID() ID { return v.id }

// Append adds a determinant to the segment for epochID, opening a new
// segment if epochID is newer than the current tail. Segments are
// append-only: appending to an epoch older than the tail is a programmer
// error (the EpochTracker serializes calls through the task thread) and
// panics rather than silently corrupting order.
func (v *VertexLog) Append(epochID epoch.ID, d Determinant) {
	v.mu.Lock()
	defer v.mu.Unlock()

	seg := v.tailSegmentLocked(epochID)
	v.enc.Append(&seg.data, d)
}

func (v *VertexLog) tailSegmentLocked(epochID epoch.ID) *segment {
	if n := len(v.segments); n > 0 {
		tail := v.segments[n-1]
		if tail.epochID == epochID {
			return tail
		}
		if epochID < tail.epochID {
			panic("causallog: append to an epoch older than the log tail")
		}
	}
	seg := &segment{epochID: epochID}
	v.segments = append(v.segments, seg)
	return seg
}

// Bytes returns the concatenated raw bytes of every retained segment, in
// order, oldest first. Used to build a DeterminantResponseEvent fragment
// (§4.6) answering a peer's determinant request.
func (v *VertexLog) Bytes() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out bytes.Buffer
	for _, seg := range v.segments {
		out.Write(seg.data.Bytes())
	}
	return out.Bytes()
}

// ReadableBytes returns the total number of determinant bytes currently
// retained, used by the merge rule (§4.6: "keep the larger, by
// readable-byte count").
func (v *VertexLog) ReadableBytes() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := 0
	for _, seg := range v.segments {
		n += seg.data.Len()
	}
	return n
}

// TruncateUpTo drops every segment whose epoch is <= checkpointID. Called
// once the corresponding checkpoint has been acknowledged (§3 invariant:
// "older segments become eligible for truncation once the corresponding
// checkpoint is acknowledged").
func (v *VertexLog) TruncateUpTo(checkpointID epoch.ID) {
	v.mu.Lock()
	defer v.mu.Unlock()

	i := 0
	for i < len(v.segments) && v.segments[i].epochID <= checkpointID {
		i++
	}
	v.segments = v.segments[i:]
}
