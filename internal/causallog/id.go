// Package causallog implements the per-vertex, per-channel determinant log:
// the record of nondeterministic choices (input ordering, timer firings,
// RNG draws) an operator task made while producing its output, kept so a
// recovering replica can replay the same choices instead of re-deciding
// them.
package causallog

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/satori/go.uuid"
)

// ID sizes per the wire layout: 16-byte UUIDs for job vertex and partition,
// a u16 subtask index, a u8 channel index.
const (
	jobVertexIDSize = 16
	partitionIDSize = 16
	idSize          = jobVertexIDSize + 2 + 1 + partitionIDSize
)

// ID identifies a single determinant stream: one per (job vertex, subtask,
// input channel) tuple, further scoped to the partition that channel reads
// from. IDs are totally ordered so they can be used as map keys and sorted
// for deterministic iteration (merge semantics depend on stable ordering).
type ID struct {
	JobVertexID   uuid.UUID
	SubtaskIndex  uint16
	ChannelIndex  uint8
	PartitionID   uuid.UUID
}

// NewID constructs an ID, generating a fresh PartitionID when the zero
// value is passed.
func NewID(jobVertexID uuid.UUID, subtaskIndex uint16, channelIndex uint8, partitionID uuid.UUID) ID {
	if uuid.Equal(partitionID, uuid.Nil) {
		partitionID = uuid.NewV4()
	}
	return ID{
		JobVertexID:  jobVertexID,
		SubtaskIndex: subtaskIndex,
		ChannelIndex: channelIndex,
		PartitionID:  partitionID,
	}
}

// Less gives IDs a total order: by job vertex, then subtask, then channel,
// then partition. Used to make merge output and iteration deterministic.
func (id ID) Less(other ID) bool {
	if c := bytes.Compare(id.JobVertexID.Bytes(), other.JobVertexID.Bytes()); c != 0 {
		return c < 0
	}
	if id.SubtaskIndex != other.SubtaskIndex {
		return id.SubtaskIndex < other.SubtaskIndex
	}
	if id.ChannelIndex != other.ChannelIndex {
		return id.ChannelIndex < other.ChannelIndex
	}
	return bytes.Compare(id.PartitionID.Bytes(), other.PartitionID.Bytes()) < 0
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%d/%d@%s", id.JobVertexID, id.SubtaskIndex, id.ChannelIndex, id.PartitionID)
}

// Encode writes the fixed-width wire form of id to buf.
func (id ID) Encode(buf *bytes.Buffer) {
	buf.Write(id.JobVertexID.Bytes())
	binary.Write(buf, binary.BigEndian, id.SubtaskIndex)
	buf.WriteByte(id.ChannelIndex)
	buf.Write(id.PartitionID.Bytes())
}

// DecodeID reads a fixed-width ID from the front of r, returning the
// remaining bytes.
func DecodeID(r []byte) (ID, []byte, error) {
	if len(r) < idSize {
		return ID{}, nil, fmt.Errorf("causallog: short buffer decoding ID: need %d, have %d", idSize, len(r))
	}
	var id ID
	copy(id.JobVertexID[:], r[0:jobVertexIDSize])
	off := jobVertexIDSize
	id.SubtaskIndex = binary.BigEndian.Uint16(r[off : off+2])
	off += 2
	id.ChannelIndex = r[off]
	off += 1
	copy(id.PartitionID[:], r[off:off+partitionIDSize])
	off += partitionIDSize
	return id, r[off:], nil
}
