// Package protocol implements the wire events exchanged between task
// peers during recovery: DeterminantRequestEvent, DeterminantResponseEvent
// (with its collector merge semantics), and InFlightLogRequestEvent
// (§4.6, §6). All multi-byte integers are big-endian.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	uuid "github.com/satori/go.uuid"

	"firestige.xyz/streamrt/internal/buffer"
	"firestige.xyz/streamrt/internal/causallog"
)

// ErrProtocolViolation covers malformed frames: oversized num_deltas,
// unknown CausalLogID, corrupt determinant frame (§7 ProtocolViolation —
// fatal to the recovery attempt).
var ErrProtocolViolation = errors.New("protocol: violation")

// DeterminantRequestEvent is broadcast upstream when a vertex fails and
// needs its causal logs reconstructed (§4.6).
type DeterminantRequestEvent struct {
	FailedVertexID        uint16
	UpstreamCorrelationID uint64
}

// Encode appends the big-endian wire form of e to buf.
func (e DeterminantRequestEvent) Encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.BigEndian, e.FailedVertexID)
	binary.Write(buf, binary.BigEndian, e.UpstreamCorrelationID)
}

// DecodeDeterminantRequestEvent parses a DeterminantRequestEvent from the
// head of r, returning the remaining bytes.
func DecodeDeterminantRequestEvent(r []byte) (DeterminantRequestEvent, []byte, error) {
	if len(r) < 10 {
		return DeterminantRequestEvent{}, nil, fmt.Errorf("%w: truncated DeterminantRequestEvent", ErrProtocolViolation)
	}
	return DeterminantRequestEvent{
		FailedVertexID:        binary.BigEndian.Uint16(r[0:2]),
		UpstreamCorrelationID: binary.BigEndian.Uint64(r[2:10]),
	}, r[10:], nil
}

// Fragment is one CausalLogID's determinant payload within a
// DeterminantResponseEvent, refcounted so merge can release the loser
// without copying (§4.6, §8 property 4).
type Fragment struct {
	ID      causallog.ID
	Payload *buffer.Buffer
}

// DeterminantResponseEvent answers a DeterminantRequestEvent with every
// fragment the responding peer holds for the failed vertex (§4.6 wire
// layout).
type DeterminantResponseEvent struct {
	Found         bool
	VertexID      uint16
	CorrelationID int64
	Fragments     []Fragment
}

// Encode appends the big-endian wire form of e to buf.
func (e DeterminantResponseEvent) Encode(buf *bytes.Buffer) error {
	if len(e.Fragments) > 255 {
		return fmt.Errorf("%w: num_deltas %d exceeds u8 range", ErrProtocolViolation, len(e.Fragments))
	}

	found := byte(0)
	if e.Found {
		found = 1
	}
	buf.WriteByte(found)
	binary.Write(buf, binary.BigEndian, e.VertexID)
	binary.Write(buf, binary.BigEndian, e.CorrelationID)
	buf.WriteByte(byte(len(e.Fragments)))

	for _, f := range e.Fragments {
		f.ID.Encode(buf)
		payload := f.Payload.Bytes()
		binary.Write(buf, binary.BigEndian, int32(len(payload)))
		buf.Write(payload)
	}
	return nil
}

// DecodeDeterminantResponseEvent parses a DeterminantResponseEvent from
// the head of r. Every decoded Fragment.Payload starts with one
// reference, owned by the caller.
func DecodeDeterminantResponseEvent(r []byte) (DeterminantResponseEvent, []byte, error) {
	if len(r) < 12 {
		return DeterminantResponseEvent{}, nil, fmt.Errorf("%w: truncated DeterminantResponseEvent header", ErrProtocolViolation)
	}

	e := DeterminantResponseEvent{
		Found:         r[0] != 0,
		VertexID:      binary.BigEndian.Uint16(r[1:3]),
		CorrelationID: int64(binary.BigEndian.Uint64(r[3:11])),
	}
	numDeltas := int(r[11])
	rest := r[12:]

	for i := 0; i < numDeltas; i++ {
		id, next, err := causallog.DecodeID(rest)
		if err != nil {
			return DeterminantResponseEvent{}, nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		rest = next

		if len(rest) < 4 {
			return DeterminantResponseEvent{}, nil, fmt.Errorf("%w: truncated payload_len", ErrProtocolViolation)
		}
		payloadLen := int32(binary.BigEndian.Uint32(rest[0:4]))
		rest = rest[4:]
		if payloadLen < 0 || int(payloadLen) > len(rest) {
			return DeterminantResponseEvent{}, nil, fmt.Errorf("%w: payload_len %d exceeds remaining bytes", ErrProtocolViolation, payloadLen)
		}

		payload := make([]byte, payloadLen)
		copy(payload, rest[:payloadLen])
		rest = rest[payloadLen:]

		e.Fragments = append(e.Fragments, Fragment{ID: id, Payload: buffer.NewDataBuffer(payload)})
	}

	return e, rest, nil
}

// Merge combines two DeterminantResponseEvents collected from distinct
// upstream peers for the same failed vertex (§4.6 merge semantics, §8
// property 4):
//   - not-found only if neither side is found
//   - for a CausalLogID present on both sides, the larger fragment (by
//     readable-byte count) is kept and the smaller one is released,
//     relying on the invariant that one upstream's log is a prefix of
//     the other's.
//
// Merge is commutative and associative up to buffer identity, and every
// released buffer is released exactly once.
func Merge(a, b DeterminantResponseEvent) DeterminantResponseEvent {
	merged := DeterminantResponseEvent{
		Found:         a.Found || b.Found,
		VertexID:      a.VertexID,
		CorrelationID: a.CorrelationID,
	}
	if merged.VertexID == 0 {
		merged.VertexID = b.VertexID
	}

	byID := make(map[causallog.ID]Fragment, len(a.Fragments)+len(b.Fragments))
	order := make([]causallog.ID, 0, len(a.Fragments)+len(b.Fragments))

	for _, f := range a.Fragments {
		byID[f.ID] = f
		order = append(order, f.ID)
	}

	for _, f := range b.Fragments {
		existing, ok := byID[f.ID]
		if !ok {
			byID[f.ID] = f
			order = append(order, f.ID)
			continue
		}
		if f.Payload.ReadableBytes() > existing.Payload.ReadableBytes() {
			existing.Payload.Release()
			byID[f.ID] = f
		} else {
			f.Payload.Release()
		}
	}

	merged.Fragments = make([]Fragment, 0, len(order))
	for _, id := range order {
		merged.Fragments = append(merged.Fragments, byID[id])
	}
	return merged
}

// InFlightLogRequestEvent asks an upstream subpartition to start
// replaying its in-flight log, reporting how many already-dispatched
// buffers the requester has deduplicated so the responder can bound its
// own log truncation (§4.6, §6).
type InFlightLogRequestEvent struct {
	PartitionID       uuid.UUID
	SubpartitionIndex uint32
	NumBuffersRemoved uint32
}

// Encode appends the big-endian wire form of e to buf.
func (e InFlightLogRequestEvent) Encode(buf *bytes.Buffer) {
	buf.Write(e.PartitionID.Bytes())
	binary.Write(buf, binary.BigEndian, e.SubpartitionIndex)
	binary.Write(buf, binary.BigEndian, e.NumBuffersRemoved)
}

// DecodeInFlightLogRequestEvent parses an InFlightLogRequestEvent from
// the head of r, returning the remaining bytes.
func DecodeInFlightLogRequestEvent(r []byte) (InFlightLogRequestEvent, []byte, error) {
	if len(r) < 24 {
		return InFlightLogRequestEvent{}, nil, fmt.Errorf("%w: truncated InFlightLogRequestEvent", ErrProtocolViolation)
	}
	pid, err := uuid.FromBytes(r[0:16])
	if err != nil {
		return InFlightLogRequestEvent{}, nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return InFlightLogRequestEvent{
		PartitionID:       pid,
		SubpartitionIndex: binary.BigEndian.Uint32(r[16:20]),
		NumBuffersRemoved: binary.BigEndian.Uint32(r[20:24]),
	}, r[24:], nil
}
