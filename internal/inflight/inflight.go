// Package inflight implements the per-subpartition InFlightLog: an ordered,
// epoch-scoped retention of emitted buffers pending downstream
// acknowledgement, plus its finite forward-only replay iterator (§4.2).
package inflight

import (
	"sync"

	"go.uber.org/atomic"

	"firestige.xyz/streamrt/internal/buffer"
	"firestige.xyz/streamrt/internal/epoch"
	"firestige.xyz/streamrt/internal/log"
)

// entry pairs a buffer with the epoch it was dispatched in.
type entry struct {
	epochID    epoch.ID
	buf        *buffer.Buffer
	isLastOf   bool // is_last_of_consumer: marks a finished BufferConsumer boundary
}

// epochGroup is the run of entries belonging to one epoch, kept so
// NotifyDownstreamCheckpointComplete can drop the oldest epoch's prefix in
// O(1) amortized.
type epochGroup struct {
	id      epoch.ID
	entries []entry // oldest first
}

// Log is the InFlightLog for one subpartition.
type Log struct {
	mu     sync.Mutex
	groups []*epochGroup // oldest un-acknowledged epoch first

	closed      atomic.Bool
	activeIter  *Iterator
	totalCount  atomic.Int64 // total retained buffers; not exported to internal/metrics
}

// New creates an empty InFlightLog.
func New() *Log {
	return &Log{}
}

// Log retains a reference to buf, scoped to epochID, until that epoch is
// acknowledged or the log is closed (§4.2). Appending to a closed log is a
// no-op with a logged warning (§4.2 Failure).
func (l *Log) Log(epochID epoch.ID, buf *buffer.Buffer, isLastOfConsumer bool) {
	if l.closed.Load() {
		log.GetLogger().Warn("inflight: append to closed log ignored")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var g *epochGroup
	if n := len(l.groups); n > 0 && l.groups[n-1].id == epochID {
		g = l.groups[n-1]
	} else {
		g = &epochGroup{id: epochID}
		l.groups = append(l.groups, g)
	}
	g.entries = append(g.entries, entry{epochID: epochID, buf: buf.Retain(), isLastOf: isLastOfConsumer})
	l.totalCount.Inc()
}

// Size returns the number of buffers currently retained, across all
// epochs.
func (l *Log) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, g := range l.groups {
		n += len(g.entries)
	}
	return n
}

// NotifyDownstreamCheckpointComplete drops the first n buffers of the
// oldest un-acknowledged epoch and, if that epoch becomes empty, advances
// the acknowledgement watermark to the next epoch (repeating, since n may
// span more than one epoch's remaining buffers is not expected by the
// protocol but is handled defensively). Released buffers are
// decremented exactly once (§4.2, §8 property 2).
func (l *Log) NotifyDownstreamCheckpointComplete(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for n > 0 && len(l.groups) > 0 {
		g := l.groups[0]
		if n >= len(g.entries) {
			for _, e := range g.entries {
				e.buf.Release()
			}
			n -= len(g.entries)
			l.totalCount.Sub(int64(len(g.entries)))
			l.groups = l.groups[1:]
			continue
		}
		for _, e := range g.entries[:n] {
			e.buf.Release()
		}
		l.totalCount.Sub(int64(n))
		g.entries = g.entries[n:]
		n = 0
	}
}

// Close releases every retained buffer and closes any active iterator.
// Further Log calls become no-ops.
func (l *Log) Close() {
	if !l.closed.CAS(false, true) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.activeIter != nil {
		l.activeIter.closeLocked()
		l.activeIter = nil
	}
	for _, g := range l.groups {
		for _, e := range g.entries {
			e.buf.Release()
		}
	}
	l.groups = nil
	l.totalCount.Store(0)
}

// Iterator returns a finite, forward-only, non-restartable cursor over
// every buffer currently retained, oldest first. Starting a new iterator
// closes and releases the refcounts of any previous one (§4.2, §3: "A
// single log admits at most one active replay iterator"). Returns nil if
// the log is empty or closed.
func (l *Log) Iterator() *Iterator {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.activeIter != nil {
		l.activeIter.closeLocked()
		l.activeIter = nil
	}
	if l.closed.Load() {
		return nil
	}

	var snapshot []*buffer.Buffer
	for _, g := range l.groups {
		for _, e := range g.entries {
			snapshot = append(snapshot, e.buf.Retain())
		}
	}
	if len(snapshot) == 0 {
		return nil
	}

	it := &Iterator{items: snapshot}
	l.activeIter = it
	return it
}

// Iterator is a snapshot cursor over the buffers retained at the moment it
// was created; it never observes buffers appended afterward (§4.2).
type Iterator struct {
	mu     sync.Mutex
	items  []*buffer.Buffer
	pos    int
	closed bool
}

// HasNext reports whether Next would return another buffer.
func (it *Iterator) HasNext() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return !it.closed && it.pos < len(it.items)
}

// Next returns the next buffer, or nil if exhausted or closed.
func (it *Iterator) Next() *buffer.Buffer {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.closed || it.pos >= len(it.items) {
		return nil
	}
	b := it.items[it.pos]
	it.pos++
	return b
}

// PeekNext returns the next buffer without advancing, or nil.
func (it *Iterator) PeekNext() *buffer.Buffer {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.closed || it.pos >= len(it.items) {
		return nil
	}
	return it.items[it.pos]
}

// NumberRemaining returns how many buffers Next would still yield.
func (it *Iterator) NumberRemaining() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.closed {
		return 0
	}
	return len(it.items) - it.pos
}

// Close releases every buffer share this iterator holds and makes further
// Next/PeekNext calls return nil ("iterator use after close returns
// empty", §4.2 Failure).
func (it *Iterator) Close() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.closeLocked()
}

func (it *Iterator) closeLocked() {
	if it.closed {
		return
	}
	it.closed = true
	for _, b := range it.items {
		b.Release()
	}
	it.items = nil
}
