package metrics

import "sync"

// Event counter names incremented by the relay.
const (
	RoomCreated       = "room_created"
	RoomDeleted       = "room_deleted"
	ParticipantJoined = "participant_joined"
	ParticipantLeft   = "participant_left"

	ForwardRelayed = "forward_relayed"
	// ForwardDropped counts signaling messages addressed to a connection that
	// no longer exists. Dropping is expected during disconnect races, not an
	// error.
	ForwardDropped = "forward_dropped"

	ProtocolError    = "protocol_error"
	RateLimitedClose = "rate_limited_close"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is small enough that a single counter map with an event label is
// sufficient; PrometheusHandler exposes it for scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
