package eventbus

// Protocol topic names used by ProtocolEventBus, one per event kind in
// internal/protocol/events.go.
const (
	TopicDeterminantRequest  = "determinant_request"
	TopicDeterminantResponse = "determinant_response"
	TopicInFlightLogRequest  = "in_flight_log_request"
)

// ProtocolEventBus wraps a plain EventBus to publish/subscribe the
// recovery protocol's three event kinds, keyed by the target vertex so
// that every event destined for one vertex is delivered in order. It is
// the in-process TaskEventDispatcher the daemon wires behind its
// recovery.PeerBroadcaster; it reaches only tasks in the same process,
// and nothing falls back to internal/protocol/kafkabus for other peers.
type ProtocolEventBus struct {
	bus EventBus
}

// NewProtocolEventBus wraps bus (typically an InMemoryEventBus) as a
// protocol-event dispatcher.
func NewProtocolEventBus(bus EventBus) *ProtocolEventBus {
	return &ProtocolEventBus{bus: bus}
}

// PublishDeterminantRequest publishes one event carrying req under
// TopicDeterminantRequest, keyed by the addressed peer so per-peer
// ordering is preserved; every subscribed handler receives it.
func (p *ProtocolEventBus) PublishDeterminantRequest(peer string, req interface{}) error {
	return p.bus.Publish(&Event{Topic: TopicDeterminantRequest, Key: peer, Payload: req})
}

// PublishDeterminantResponse delivers resp back to the requesting peer.
func (p *ProtocolEventBus) PublishDeterminantResponse(peer string, resp interface{}) error {
	return p.bus.Publish(&Event{Topic: TopicDeterminantResponse, Key: peer, Payload: resp})
}

// PublishInFlightLogRequest notifies peer of an in-flight-log request,
// keyed by peer.
func (p *ProtocolEventBus) PublishInFlightLogRequest(peer string, req interface{}) error {
	return p.bus.Publish(&Event{Topic: TopicInFlightLogRequest, Key: peer, Payload: req})
}

// SubscribeDeterminantRequest registers handler for incoming determinant
// requests; peer is the Key the request was published under (the
// addressed task), so the handler can decide whether it owns that peer.
func (p *ProtocolEventBus) SubscribeDeterminantRequest(handler func(peer string, payload interface{}) error) error {
	return p.bus.Subscribe(TopicDeterminantRequest, func(e *Event) error { return handler(e.Key, e.Payload) })
}

// SubscribeDeterminantResponse registers handler for incoming
// determinant responses.
func (p *ProtocolEventBus) SubscribeDeterminantResponse(handler func(peer string, payload interface{}) error) error {
	return p.bus.Subscribe(TopicDeterminantResponse, func(e *Event) error { return handler(e.Key, e.Payload) })
}

// SubscribeInFlightLogRequest registers handler for incoming in-flight
// log requests.
func (p *ProtocolEventBus) SubscribeInFlightLogRequest(handler func(peer string, payload interface{}) error) error {
	return p.bus.Subscribe(TopicInFlightLogRequest, func(e *Event) error { return handler(e.Key, e.Payload) })
}

// Close releases the underlying bus.
func (p *ProtocolEventBus) Close() error { return p.bus.Close() }
