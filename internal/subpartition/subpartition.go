// Package subpartition implements PipelinedSubpartition: the output-queue
// state machine that interleaves normal dispatch, in-flight logging,
// replay, and downstream-failure draining (§4.3).
package subpartition

import (
	"errors"
	"sync"

	"github.com/tevino/abool"

	"firestige.xyz/streamrt/internal/buffer"
	"firestige.xyz/streamrt/internal/epoch"
	"firestige.xyz/streamrt/internal/inflight"
	"firestige.xyz/streamrt/internal/log"
)

// ErrReleased is returned by operations attempted after Release.
var ErrReleased = errors.New("subpartition: released")

// View is the read side a subpartition dispatches availability
// notifications to (§6 "Exposed to the operator layer" /
// ResultPartitionManager.create_subpartition_view's availability_listener).
type View interface {
	NotifyDataAvailable()
	NotifyViewReleased()
}

// FailConsumerFunc propagates a fail-consumer signal to the peer upstream
// of the failed downstream (§4.3 send_fail_consumer_trigger).
type FailConsumerFunc func(cause error)

// Subpartition is the PipelinedSubpartition for one (partition,
// subpartition-index) pair.
type Subpartition struct {
	mu   sync.Mutex
	cond *sync.Cond

	buffers []*buffer.Consumer // FIFO; at most the tail may be unfinished
	backlog int

	inFlightLog    *inflight.Log
	flushRequested bool
	activeReplay   *inflight.Iterator
	readView       View

	recoveringInFlightState bool

	isFinished       abool.AtomicBool
	isReleased       abool.AtomicBool
	downstreamFailed abool.AtomicBool

	onFailConsumer FailConsumerFunc
}

// New creates an empty, normal-state Subpartition.
func New(onFailConsumer FailConsumerFunc) *Subpartition {
	s := &Subpartition{
		inFlightLog:    inflight.New(),
		onFailConsumer: onFailConsumer,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetReadView installs the view notifications are sent to.
func (s *Subpartition) SetReadView(v View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readView = v
}

// SetRecoveringInFlightState toggles whether add() should signal the
// internal condition variable instead of draining or notifying (§4.3:
// "recovering_in_flight_state == true additionally suppresses
// notify_data_available and causes add() to signal buffers condvar
// instead"). Driven by the owning RecoveryManager.
func (s *Subpartition) SetRecoveringInFlightState(recovering bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveringInFlightState = recovering
	if !recovering {
		s.cond.Broadcast()
	}
}

// IsFinished reports whether a finishing Add has been observed.
func (s *Subpartition) IsFinished() bool { return s.isFinished.IsSet() }

// IsReleased reports whether Release has run.
func (s *Subpartition) IsReleased() bool { return s.isReleased.IsSet() }

// IsDownstreamFailed reports whether the subpartition is currently
// draining to the in-flight log because its downstream peer failed.
func (s *Subpartition) IsDownstreamFailed() bool { return s.downstreamFailed.IsSet() }

// IsRecoveringInFlightState reports whether SetRecoveringInFlightState(true)
// is currently in effect: the value RecoveryManager.NotifyInFlightLogRequest
// takes as its recoveringInFlightState argument when deciding whether to
// answer a request immediately or hold it as unanswered (§4.5 Running
// transition).
func (s *Subpartition) IsRecoveringInFlightState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveringInFlightState
}

// Add enqueues consumer, logged under epochID once finished and drained
// (§4.3 add()). Returns false if the subpartition is already finished or
// released, in which case consumer is closed without being queued.
func (s *Subpartition) Add(epochID epoch.ID, consumer *buffer.Consumer, finish bool) bool {
	if s.isFinished.IsSet() || s.isReleased.IsSet() {
		consumer.Close()
		return false
	}

	s.mu.Lock()

	s.buffers = append(s.buffers, consumer)
	s.backlog++

	notify := s.shouldNotifyDataAvailableLocked() || finish
	if finish {
		s.isFinished.Set()
	}

	switch {
	case s.recoveringInFlightState:
		s.cond.Broadcast()
	case s.downstreamFailed.IsSet() || s.activeReplay != nil:
		s.drainFinishedHeadLocked(epochID)
	}

	view := s.readView
	normal := !s.downstreamFailed.IsSet() && !s.recoveringInFlightState
	s.mu.Unlock()

	if normal && notify && view != nil {
		view.NotifyDataAvailable()
	}
	return true
}

// shouldNotifyDataAvailableLocked implements "there is a read view, no
// outstanding flush request, and exactly one finished buffer in the
// queue" (§4.3 add() step 3).
func (s *Subpartition) shouldNotifyDataAvailableLocked() bool {
	if s.readView == nil || s.flushRequested {
		return false
	}
	finished := 0
	for _, c := range s.buffers {
		if c.IsFinished() {
			finished++
		}
	}
	return finished == 1
}

// drainFinishedHeadLocked pops every finished buffer currently at the
// head into the in-flight log without dispatching it, used while
// downstream has failed or a replay is active (§4.3 add() step 5, S2).
func (s *Subpartition) drainFinishedHeadLocked(epochID epoch.ID) {
	for len(s.buffers) > 0 && s.buffers[0].IsFinished() {
		c := s.buffers[0]
		s.buffers = s.buffers[1:]
		s.backlog--
		buf := c.Build()
		s.inFlightLog.Log(epochID, buf, true)
		buf.Release()
	}
}

// PollBuffer dispatches the next item: from the active replay iterator if
// one is installed, otherwise from the head of the queued consumers
// (§4.3 poll_buffer()). Returns ok == false if nothing is available right
// now, or if the subpartition is downstream-failed or recovering.
func (s *Subpartition) PollBuffer(epochID epoch.ID) (buffer.AndBacklog, bool) {
	if s.downstreamFailed.IsSet() || s.recoveringInFlightState {
		return buffer.AndBacklog{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeReplay != nil {
		return s.pollFromReplayLocked(), true
	}
	return s.pollFromConsumersLocked(epochID)
}

func (s *Subpartition) pollFromReplayLocked() buffer.AndBacklog {
	it := s.activeReplay
	b := it.Next()
	moreAvailable := it.HasNext() || s.isAvailableUnsafeLocked()
	if !it.HasNext() {
		it.Close()
		s.activeReplay = nil
		log.GetLogger().Debug("subpartition: replay iterator exhausted")
	}
	return buffer.AndBacklog{
		Buffer:        b,
		MoreAvailable: moreAvailable,
		Backlog:       s.backlog,
		NextIsEvent:   s.nextIsEventUnsafeLocked(),
	}
}

func (s *Subpartition) pollFromConsumersLocked(epochID epoch.ID) (buffer.AndBacklog, bool) {
	for len(s.buffers) > 0 {
		head := s.buffers[0]
		snapshot := head.Build()
		finished := head.IsFinished()

		if finished {
			s.buffers = s.buffers[1:]
			s.backlog--
		} else if len(s.buffers) > 1 {
			panic("subpartition: unfinished consumer not at tail")
		}

		if snapshot.ReadableBytes() == 0 {
			snapshot.Release()
			if !finished {
				return buffer.AndBacklog{}, false
			}
			continue
		}

		s.inFlightLog.Log(epochID, snapshot, finished)

		return buffer.AndBacklog{
			Buffer:        snapshot,
			MoreAvailable: s.isAvailableUnsafeLocked(),
			Backlog:       s.backlog,
			NextIsEvent:   s.nextIsEventUnsafeLocked(),
		}, true
	}
	return buffer.AndBacklog{}, false
}

func (s *Subpartition) isAvailableUnsafeLocked() bool {
	if s.activeReplay != nil {
		return s.activeReplay.HasNext()
	}
	return len(s.buffers) > 0
}

func (s *Subpartition) nextIsEventUnsafeLocked() bool {
	if len(s.buffers) == 0 {
		return false
	}
	return s.buffers[0].IsEvent()
}

// Flush sets flush_requested iff the queue is non-empty and, unless
// recovering, notifies the read view (§4.3 flush()).
func (s *Subpartition) Flush() {
	s.mu.Lock()
	if len(s.buffers) == 0 {
		s.mu.Unlock()
		return
	}
	s.flushRequested = true
	recovering := s.recoveringInFlightState
	view := s.readView
	s.mu.Unlock()

	if !recovering && view != nil {
		view.NotifyDataAvailable()
	}
}

// Release idempotently closes and drops every queued consumer and
// notifies the view that it has been released (§4.3 release(), §8
// property 6 release idempotence).
func (s *Subpartition) Release() {
	s.mu.Lock()
	if s.isReleased.IsSet() {
		s.mu.Unlock()
		return
	}
	s.isReleased.Set()

	for _, c := range s.buffers {
		c.Close()
	}
	s.buffers = nil
	if s.activeReplay != nil {
		s.activeReplay.Close()
		s.activeReplay = nil
	}
	s.inFlightLog.Close()
	view := s.readView
	s.mu.Unlock()

	if view != nil {
		view.NotifyViewReleased()
	}
}

// SendFailConsumerTrigger marks downstream as failed, drains any finished
// head buffers into the in-flight log, and asks the parent to propagate
// the failure signal further upstream (§4.3 send_fail_consumer_trigger,
// §7 DownstreamFailed).
func (s *Subpartition) SendFailConsumerTrigger(epochID epoch.ID, cause error) {
	s.downstreamFailed.Set()

	s.mu.Lock()
	s.drainFinishedHeadLocked(epochID)
	s.mu.Unlock()

	if s.onFailConsumer != nil {
		s.onFailConsumer(cause)
	}
}

// RequestReplay closes any prior replay iterator, installs a fresh one
// from the in-flight log (leaving none if it is empty), and clears
// downstream_failed (§4.3 request_replay()).
func (s *Subpartition) RequestReplay() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeReplay != nil {
		s.activeReplay.Close()
	}
	s.activeReplay = s.inFlightLog.Iterator()
	s.downstreamFailed.UnSet()
}

// InFlightLog exposes the underlying log, e.g. for
// notify_downstream_checkpoint_complete wiring from the owning task.
func (s *Subpartition) InFlightLog() *inflight.Log { return s.inFlightLog }

// Backlog returns the current queue depth, for metrics.
func (s *Subpartition) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog
}
