// Package recovery implements the RecoveryManager FSM: it orchestrates a
// failed vertex's restore -> determinant-fetch -> log-replay -> running
// sequence and routes the protocol events that drive it (§4.5, §3).
package recovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"firestige.xyz/streamrt/internal/causallog"
	"firestige.xyz/streamrt/internal/epoch"
	"firestige.xyz/streamrt/internal/inputchannel"
	"firestige.xyz/streamrt/internal/log"
	"firestige.xyz/streamrt/internal/partitiontable"
	"firestige.xyz/streamrt/internal/protocol"
)

// State is one RecoveryManager FSM state (§4.5).
type State int

const (
	Standby State = iota
	WaitingConnections
	WaitingDeterminants
	ReplayingDeterminants
	Running
)

func (s State) String() string {
	switch s {
	case Standby:
		return "Standby"
	case WaitingConnections:
		return "WaitingConnections"
	case WaitingDeterminants:
		return "WaitingDeterminants"
	case ReplayingDeterminants:
		return "ReplayingDeterminants"
	case Running:
		return "Running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PeerBroadcaster fans a DeterminantRequestEvent out to every reachable
// upstream peer and collects their responses. Implementations are
// expected to use a bounded, cancellable fan-out (this package's default
// wiring uses github.com/sourcegraph/conc, §4.6).
type PeerBroadcaster interface {
	Broadcast(ctx context.Context, peers []string, req protocol.DeterminantRequestEvent) ([]protocol.DeterminantResponseEvent, error)
}

// DeterminantReplayer deterministically replays determinants into the
// recovering operator (input-selector choices, timer firings, RNG
// draws) and reports how many records that reproduced, so the manager
// can arm EpochTracker.SetRecordCountTarget (§4.5).
type DeterminantReplayer func(ctx context.Context, determinants []causallog.Determinant) (recordsProduced uint32, err error)

// Manager is the RecoveryManager for one task vertex.
type Manager struct {
	mu    sync.Mutex
	state State

	taskVertexID uint16
	table        *partitiontable.Table
	tracker      *epoch.Tracker
	broadcaster  PeerBroadcaster
	replay       DeterminantReplayer

	correlationID uint64

	incompleteStateRestorations map[epoch.ID]struct{}
	unansweredInFlightLogRequests map[partitiontable.Key]protocol.InFlightLogRequestEvent
}

// New creates a Manager in Standby for the given vertex.
func New(taskVertexID uint16, table *partitiontable.Table, tracker *epoch.Tracker, broadcaster PeerBroadcaster, replay DeterminantReplayer) *Manager {
	return &Manager{
		taskVertexID:                  taskVertexID,
		table:                         table,
		tracker:                       tracker,
		broadcaster:                   broadcaster,
		replay:                        replay,
		incompleteStateRestorations:   make(map[epoch.ID]struct{}),
		unansweredInFlightLogRequests: make(map[partitiontable.Key]protocol.InFlightLogRequestEvent),
	}
}

// State returns the current FSM state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// NotifyStartRecovery transitions Standby -> WaitingConnections once
// every sibling peer in the table is reachable (§4.5). A nil or empty
// peer set is vacuously reachable (single-node deployment).
func (m *Manager) NotifyStartRecovery(reachable func(peer string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Standby {
		return
	}

	for _, peer := range m.table.Peers() {
		if reachable != nil && !reachable(peer) {
			log.GetLogger().WithField("peer", peer).Warn("recovery: peer unreachable, staying in Standby")
			return
		}
	}
	m.state = WaitingConnections
	log.GetLogger().Debug("recovery: Standby -> WaitingConnections")
}

// NotifyAllChannelsReady transitions WaitingConnections ->
// WaitingDeterminants: it broadcasts a DeterminantRequestEvent upstream
// and, on a successful response set, merges and replays it, moving to
// ReplayingDeterminants (§4.5: WaitingConnections --all_channels_ready-->
// WaitingDeterminants --complete_response--> ReplayingDeterminants
// --record_count_target_reached--> Running). Running is entered once the
// tracker's record count reaches the replayed record count: within this
// call if replay already advanced it that far, otherwise later, from the
// IncRecordCount call that reaches it.
func (m *Manager) NotifyAllChannelsReady(ctx context.Context) error {
	m.mu.Lock()
	if m.state != WaitingConnections {
		m.mu.Unlock()
		return fmt.Errorf("recovery: all_channels_ready in state %s, want WaitingConnections", m.state)
	}
	m.correlationID++
	correlationID := m.correlationID
	peers := m.table.Peers()
	m.state = WaitingDeterminants
	m.mu.Unlock()

	log.GetLogger().Debug("recovery: WaitingConnections -> WaitingDeterminants")

	req := protocol.DeterminantRequestEvent{FailedVertexID: m.taskVertexID, UpstreamCorrelationID: correlationID}
	responses, err := m.broadcaster.Broadcast(ctx, peers, req)
	if err != nil {
		return fmt.Errorf("recovery: broadcast determinant request: %w", err)
	}

	return m.onDeterminantResponsesComplete(ctx, responses)
}

// onDeterminantResponsesComplete merges every collected
// DeterminantResponseEvent (§4.6) and replays the result, transitioning
// WaitingDeterminants -> ReplayingDeterminants -> Running.
func (m *Manager) onDeterminantResponsesComplete(ctx context.Context, responses []protocol.DeterminantResponseEvent) error {
	m.mu.Lock()
	if m.state != WaitingDeterminants {
		m.mu.Unlock()
		return fmt.Errorf("recovery: determinant responses completed in state %s, want WaitingDeterminants", m.state)
	}
	m.state = ReplayingDeterminants
	m.mu.Unlock()
	log.GetLogger().Debug("recovery: WaitingDeterminants -> ReplayingDeterminants")

	merged := mergeAll(responses)

	var determinants []causallog.Determinant
	enc := causallog.Encoder{}
	for _, f := range merged.Fragments {
		ds, err := enc.ParseAll(f.Payload.Bytes())
		f.Payload.Release()
		if err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrProtocolViolation, err)
		}
		determinants = append(determinants, ds...)
	}

	recordsProduced, err := m.replay(ctx, determinants)
	if err != nil {
		return fmt.Errorf("recovery: replay determinants: %w", err)
	}

	// The target may already be met (replay fed the operator
	// synchronously) or be reached later as the task thread keeps
	// processing; either way onRecordCountTargetReached runs exactly
	// once, synchronously from SetRecordCountTarget here or from
	// IncRecordCount's caller later (§4.1, §4.5).
	m.tracker.SetRecordCountTarget(recordsProduced, func() {
		if err := m.onRecordCountTargetReached(); err != nil {
			log.GetLogger().WithError(err).Warn("recovery: record_count_target_reached transition failed")
		}
	})
	return nil
}

func mergeAll(responses []protocol.DeterminantResponseEvent) protocol.DeterminantResponseEvent {
	var merged protocol.DeterminantResponseEvent
	for i, r := range responses {
		if i == 0 {
			merged = r
			continue
		}
		merged = protocol.Merge(merged, r)
	}
	return merged
}

// onRecordCountTargetReached transitions ReplayingDeterminants ->
// Running and flushes every unanswered InFlightLogRequestEvent by
// calling request_replay on its subpartition (§4.5).
func (m *Manager) onRecordCountTargetReached() error {
	m.mu.Lock()
	if m.state != ReplayingDeterminants {
		m.mu.Unlock()
		return fmt.Errorf("recovery: record_count_target_reached in state %s, want ReplayingDeterminants", m.state)
	}
	m.state = Running
	pending := m.unansweredInFlightLogRequests
	m.unansweredInFlightLogRequests = make(map[partitiontable.Key]protocol.InFlightLogRequestEvent)
	m.mu.Unlock()

	log.GetLogger().Debug("recovery: ReplayingDeterminants -> Running")

	var errs error
	for key := range pending {
		sp, ok := m.table.Get(key)
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("recovery: unanswered in-flight log request for unknown subpartition %s", key))
			continue
		}
		sp.RequestReplay()
	}
	if errs != nil {
		log.GetLogger().WithError(errs).Warn("recovery: errors flushing unanswered in-flight log requests")
	}
	return nil
}

// NotifyInFlightLogRequest routes an InFlightLogRequestEvent for key: if
// not yet Running, or if the target subpartition is still recovering its
// own in-flight state, it is stored as unanswered; otherwise request
// replay is triggered immediately (§4.5 Running transition).
func (m *Manager) NotifyInFlightLogRequest(key partitiontable.Key, e protocol.InFlightLogRequestEvent, recoveringInFlightState bool) {
	m.mu.Lock()
	running := m.state == Running
	if !running || recoveringInFlightState {
		m.unansweredInFlightLogRequests[key] = e
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if sp, ok := m.table.Get(key); ok {
		sp.RequestReplay()
	}
}

// NotifyNewInputChannel arms the dedup gate on a channel attached during
// recovery, so it silently drops the first numDedupe replayed buffers the
// task has already processed. Per §4.4/§4.5 invariant, this must never
// itself drop the manager into Running — only onRecordCountTargetReached
// does that; key identifies the subpartition only for logging.
func (m *Manager) NotifyNewInputChannel(key partitiontable.Key, ch *inputchannel.Channel, numDedupe int) {
	ch.SetNumberBuffersDeduplicate(numDedupe)
	ch.SetDeduplicating()
	log.GetLogger().WithField("subpartition", key).WithField("num_dedupe", numDedupe).Debug("recovery: attached new input channel")
}

// NotifyStateRestorationStart records ckptID as an incomplete state
// restoration.
func (m *Manager) NotifyStateRestorationStart(ckptID epoch.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incompleteStateRestorations[ckptID] = struct{}{}
}

// NotifyStateRestorationComplete clears ckptID from the incomplete set.
func (m *Manager) NotifyStateRestorationComplete(ckptID epoch.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.incompleteStateRestorations, ckptID)
}

// HasIncompleteStateRestorations reports whether any checkpoint's state
// restoration is still outstanding.
func (m *Manager) HasIncompleteStateRestorations() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.incompleteStateRestorations) > 0
}

// concBroadcaster is the default PeerBroadcaster: it fans the request out
// to every peer concurrently via a structured-concurrency group (one
// goroutine per peer, no concurrency limit)
// and collects whatever responses arrive, ignoring individual peer
// errors (a peer that cannot be reached simply contributes no
// determinants, §4.6).
type concBroadcaster struct {
	send func(ctx context.Context, peer string, req protocol.DeterminantRequestEvent) (protocol.DeterminantResponseEvent, error)
}

// NewConcBroadcaster builds a PeerBroadcaster that fans requests out
// concurrently using github.com/sourcegraph/conc, invoking send once per
// peer.
func NewConcBroadcaster(send func(ctx context.Context, peer string, req protocol.DeterminantRequestEvent) (protocol.DeterminantResponseEvent, error)) PeerBroadcaster {
	return &concBroadcaster{send: send}
}

func (b *concBroadcaster) Broadcast(ctx context.Context, peers []string, req protocol.DeterminantRequestEvent) ([]protocol.DeterminantResponseEvent, error) {
	var mu sync.Mutex
	var responses []protocol.DeterminantResponseEvent

	var wg conc.WaitGroup
	for _, peer := range peers {
		peer := peer
		wg.Go(func() {
			resp, err := b.send(ctx, peer, req)
			if err != nil {
				log.GetLogger().WithField("peer", peer).WithError(err).Warn("recovery: determinant request failed")
				return
			}
			mu.Lock()
			responses = append(responses, resp)
			mu.Unlock()
		})
	}
	wg.Wait()

	return responses, nil
}
