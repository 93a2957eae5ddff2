// Package partitiontable is the arena of subpartitions a task owns,
// keyed by (PartitionID, SubpartitionIndex), plus the job's peer set and
// a consistent-hash Owner lookup over it (§4.5, §3 subpartition_table).
// RecoveryManager reads the peer set through Peers; it does not call Owner.
package partitiontable

import (
	"fmt"
	"sync"

	"github.com/serialx/hashring"
	uuid "github.com/satori/go.uuid"

	"firestige.xyz/streamrt/internal/subpartition"
)

// Key identifies one subpartition within the table.
type Key struct {
	PartitionID       uuid.UUID
	SubpartitionIndex uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.PartitionID, k.SubpartitionIndex)
}

// Table is the per-task registry of subpartitions and the peer ring used
// to resolve ownership for partitions this task does not host locally.
type Table struct {
	mu      sync.RWMutex
	entries map[Key]*subpartition.Subpartition
	ring    *hashring.HashRing
	peers   []string
}

// New creates an empty Table over the given peer set. peers is every
// node participating in this job's peer group, used by Owner to decide
// which peer a (partition, subpartition) pair's upstream lives on.
func New(peers []string) *Table {
	return &Table{
		entries: make(map[Key]*subpartition.Subpartition),
		ring:    hashring.New(peers),
		peers:   append([]string(nil), peers...),
	}
}

// Register adds sp to the table under key. Registering an existing key
// replaces the previous entry; the caller is responsible for releasing
// it first.
func (t *Table) Register(key Key, sp *subpartition.Subpartition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = sp
}

// Unregister removes key from the table, if present.
func (t *Table) Unregister(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Get returns the subpartition registered under key, if any.
func (t *Table) Get(key Key) (*subpartition.Subpartition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sp, ok := t.entries[key]
	return sp, ok
}

// Keys returns every registered key, for iterating the whole table
// during recovery (e.g. to call SetRecoveringInFlightState on all of
// them at once).
func (t *Table) Keys() []Key {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]Key, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	return keys
}

// Owner resolves which peer in the ring is responsible for key, by
// consistent-hashing its string form. RecoveryManager does not use it:
// NotifyStartRecovery checks reachability of every peer from Peers.
func (t *Table) Owner(key Key) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ring.GetNode(key.String())
}

// Peers returns the configured peer set.
func (t *Table) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.peers...)
}
