package metrics

import "sync"

// Event counter names used across the broker.
const (
	SessionsCreated = "sessions_created"
	SessionsJoined  = "sessions_joined"
	SessionsExpired = "sessions_expired"
	SessionsClosed  = "sessions_closed"

	SignalsRelayed  = "signals_relayed"
	SignalsBuffered = "signals_buffered"

	JoinNotFound         = "join_not_found"
	SignalUnknownSession = "signal_unknown_session"
	StaleTimerFired      = "stale_timer_fired"

	DropReasonRateLimited     = "rate_limited"
	DropReasonTooManySessions = "too_many_sessions"
	BadMessage                = "bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A production deployment scrapes these through the Prometheus text handler;
// the type exists primarily so lifecycle logic stays testable without a real
// metrics backend.
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
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
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
