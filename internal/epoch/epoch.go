// Package epoch implements the EpochTracker: it segments a task's
// execution into checkpoint-bounded epochs and assigns each processed
// record a monotonic index within the current epoch (§4.1).
package epoch

import "go.uber.org/atomic"

// ID is a monotonic epoch identifier, numerically equal to the checkpoint
// ID that opened it (§3).
type ID int64

// StartListener is notified synchronously, in subscription order, whenever
// a new epoch starts.
type StartListener interface {
	OnEpochStart(id ID)
}

// StartListenerFunc adapts a function to StartListener.
type StartListenerFunc func(id ID)

// OnEpochStart implements StartListener.
func (f StartListenerFunc) OnEpochStart(id ID) { f(id) }

// CheckpointListener is notified when a checkpoint completes.
type CheckpointListener interface {
	OnCheckpointComplete(id ID)
}

// CheckpointListenerFunc adapts a function to CheckpointListener.
type CheckpointListenerFunc func(id ID)

// OnCheckpointComplete implements CheckpointListener.
func (f CheckpointListenerFunc) OnCheckpointComplete(id ID) { f(id) }

// Tracker is the EpochTracker. All of its methods except CurrentEpoch and
// RecordCount are documented as callable only from the task thread, under
// the caller's task-level checkpoint lock (§5); Tracker performs no
// internal locking of its own; CurrentEpoch/RecordCount use atomics so a
// concurrent metrics scrape can read them without taking that lock.
type Tracker struct {
	current     atomic.Int64 // epoch.ID, fail-safe read of "last started"
	recordCount atomic.Uint32

	startListeners      []StartListener
	checkpointListeners []CheckpointListener

	// targetArmed, target and onTarget implement
	// SetRecordCountTarget: armed during replay, fired once record_count
	// reaches the target (§4.1).
	targetArmed  bool
	target       uint32
	onTarget     func()
}

// NewTracker creates a Tracker positioned before any epoch has started
// (CurrentEpoch returns 0 until the first StartNewEpoch call).
func NewTracker() *Tracker {
	return &Tracker{}
}

// CurrentEpoch returns the last epoch that was started. Fail-safe: callable
// from any goroutine.
func (t *Tracker) CurrentEpoch() ID {
	return ID(t.current.Load())
}

// RecordCount returns the number of records processed in the current
// epoch.
func (t *Tracker) RecordCount() uint32 {
	return t.recordCount.Load()
}

// IncRecordCount is called after each input record is processed, under the
// single-threaded task lock. It fires the armed record-count target
// callback, if any, the instant the target is reached.
func (t *Tracker) IncRecordCount() {
	n := t.recordCount.Inc()
	if t.targetArmed && n == t.target {
		t.targetArmed = false
		if t.onTarget != nil {
			t.onTarget()
		}
	}
}

// SubscribeEpochStart registers l to be notified, in registration order,
// whenever StartNewEpoch runs.
func (t *Tracker) SubscribeEpochStart(l StartListener) {
	t.startListeners = append(t.startListeners, l)
}

// SubscribeCheckpointComplete registers l to be notified whenever
// NotifyCheckpointComplete runs.
func (t *Tracker) SubscribeCheckpointComplete(l CheckpointListener) {
	t.checkpointListeners = append(t.checkpointListeners, l)
}

// StartNewEpoch closes the previous epoch, resets the record count to 0,
// and notifies every EpochStartListener synchronously, in subscription
// order (§4.1).
func (t *Tracker) StartNewEpoch(id ID) {
	t.current.Store(int64(id))
	t.recordCount.Store(0)
	for _, l := range t.startListeners {
		l.OnEpochStart(id)
	}
}

// SetRecordCountTarget arms an action: once RecordCount reaches n, onTarget
// fires exactly once. Used during replay to let the RecoveryManager know
// the operator reproduced as many records as the original run produced
// before the target epoch (§4.1, §4.5 ReplayingDeterminants ->
// record_count_target_reached).
func (t *Tracker) SetRecordCountTarget(n uint32, onTarget func()) {
	t.target = n
	t.onTarget = onTarget
	t.targetArmed = true
	if t.recordCount.Load() >= n {
		t.targetArmed = false
		if onTarget != nil {
			onTarget()
		}
	}
}

// NotifyCheckpointComplete forwards checkpointID to every
// CheckpointListener. Subscribers are expected to authorize in-flight log
// and vertex-causal-log truncation for epochs <= checkpointID (§4.1).
func (t *Tracker) NotifyCheckpointComplete(checkpointID ID) {
	for _, l := range t.checkpointListeners {
		l.OnCheckpointComplete(checkpointID)
	}
}
