package daemon

import (
	"context"
	"fmt"
	"sync"

	"firestige.xyz/streamrt/internal/eventbus"
	"firestige.xyz/streamrt/internal/log"
	"firestige.xyz/streamrt/internal/protocol"
	"firestige.xyz/streamrt/internal/task"
)

// protocolBroadcaster bridges recovery.Manager's synchronous
// PeerBroadcaster contract onto eventbus.ProtocolEventBus, the in-process
// default TaskEventDispatcher (SPEC_FULL "the whole FSM can be exercised
// without a cluster"). A peer name is resolved directly against the
// daemon's own task.Manager registry, the same same-process shortcut
// internal/task.PartitionLookup already uses for subpartition lookups.
type protocolBroadcaster struct {
	bus *eventbus.ProtocolEventBus
	tm  *task.Manager

	mu      sync.Mutex
	waiters map[string]chan protocol.DeterminantResponseEvent
}

// newProtocolBroadcaster wraps bus. Call start once the owning
// task.Manager exists, since the request handler needs it to resolve
// peers to local tasks.
func newProtocolBroadcaster(bus *eventbus.ProtocolEventBus) *protocolBroadcaster {
	return &protocolBroadcaster{
		bus:     bus,
		waiters: make(map[string]chan protocol.DeterminantResponseEvent),
	}
}

// start subscribes the determinant request/response topics, routing
// requests to tm's tasks and responses back to waiting send calls.
func (pb *protocolBroadcaster) start(tm *task.Manager) error {
	pb.tm = tm
	if err := pb.bus.SubscribeDeterminantRequest(pb.handleRequest); err != nil {
		return fmt.Errorf("daemon: subscribe determinant request: %w", err)
	}
	if err := pb.bus.SubscribeDeterminantResponse(pb.handleResponse); err != nil {
		return fmt.Errorf("daemon: subscribe determinant response: %w", err)
	}
	return nil
}

// send implements the callback recovery.NewConcBroadcaster fans out to
// every configured peer: publish a request addressed to peer, then block
// until its matching response arrives or ctx is done.
func (pb *protocolBroadcaster) send(ctx context.Context, peer string, req protocol.DeterminantRequestEvent) (protocol.DeterminantResponseEvent, error) {
	key := waitKey(peer, req.FailedVertexID, int64(req.UpstreamCorrelationID))
	ch := make(chan protocol.DeterminantResponseEvent, 1)

	pb.mu.Lock()
	pb.waiters[key] = ch
	pb.mu.Unlock()
	defer func() {
		pb.mu.Lock()
		delete(pb.waiters, key)
		pb.mu.Unlock()
	}()

	if err := pb.bus.PublishDeterminantRequest(peer, req); err != nil {
		return protocol.DeterminantResponseEvent{}, fmt.Errorf("daemon: publish determinant request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return protocol.DeterminantResponseEvent{}, ctx.Err()
	}
}

// handleRequest answers a DeterminantRequestEvent addressed to one of
// this process's own tasks (peer is the task ID) with that task's causal
// log (§4.5/§4.6 responder half). A peer not owned by this process is
// silently ignored — some other node on a shared transport answers it.
func (pb *protocolBroadcaster) handleRequest(peer string, payload interface{}) error {
	req, ok := payload.(protocol.DeterminantRequestEvent)
	if !ok {
		return fmt.Errorf("daemon: unexpected determinant request payload %T", payload)
	}
	t, err := pb.tm.Get(peer)
	if err != nil {
		return nil
	}
	resp := t.BuildDeterminantResponse(req)
	if err := pb.bus.PublishDeterminantResponse(peer, resp); err != nil {
		log.GetLogger().WithField("peer", peer).WithError(err).Warn("daemon: publish determinant response failed")
	}
	return nil
}

// handleResponse delivers a DeterminantResponseEvent to whichever send
// call is waiting on its (peer, vertex, correlation) key.
func (pb *protocolBroadcaster) handleResponse(peer string, payload interface{}) error {
	resp, ok := payload.(protocol.DeterminantResponseEvent)
	if !ok {
		return fmt.Errorf("daemon: unexpected determinant response payload %T", payload)
	}
	key := waitKey(peer, resp.VertexID, resp.CorrelationID)

	pb.mu.Lock()
	ch, ok := pb.waiters[key]
	pb.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- resp:
	default:
	}
	return nil
}

func waitKey(peer string, vertexID uint16, correlationID int64) string {
	return fmt.Sprintf("%s/%d/%d", peer, vertexID, correlationID)
}
