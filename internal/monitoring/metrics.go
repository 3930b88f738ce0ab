package monitoring

import (
	"sync"
	"time"

	"github.com/tr1v3r/pkg/log"
)

// Metrics tracks ipc session counters
type Metrics struct {
	mu sync.RWMutex

	// Session metrics
	SessionsOpened int64
	SessionsLost   int64

	// Request metrics
	RequestsTotal      int64
	ResponsesTotal     int64
	CommandErrorsTotal int64
	RequestsByCommand  map[string]int64

	// Inbound stream metrics
	EventsTotal        int64
	DroppedLinesTotal  int64
	UnmatchedResponses int64

	startTime time.Time
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	SessionsOpened     int64
	SessionsLost       int64
	RequestsTotal      int64
	ResponsesTotal     int64
	CommandErrorsTotal int64
	EventsTotal        int64
	DroppedLinesTotal  int64
	UnmatchedResponses int64
	Uptime             time.Duration
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = New()
	})
	return globalMetrics
}

// New returns an independent metrics instance
func New() *Metrics {
	return &Metrics{
		RequestsByCommand: make(map[string]int64),
		startTime:         time.Now(),
	}
}

// RecordSessionOpened records a session entering the open state
func (m *Metrics) RecordSessionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SessionsOpened++
}

// RecordSessionLost records a session torn down by a transport failure
func (m *Metrics) RecordSessionLost() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SessionsLost++
}

// RecordRequest records a submitted command
func (m *Metrics) RecordRequest(command string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RequestsTotal++
	m.RequestsByCommand[command]++
}

// RecordResponse records a matched response
func (m *Metrics) RecordResponse(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ResponsesTotal++
	if !ok {
		m.CommandErrorsTotal++
	}
}

// RecordEvent records an event fanned out to subscribers
func (m *Metrics) RecordEvent() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.EventsTotal++
}

// RecordDroppedLine records a malformed or oversized inbound line
func (m *Metrics) RecordDroppedLine() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DroppedLinesTotal++
}

// RecordUnmatchedResponse records a response with no waiting request
func (m *Metrics) RecordUnmatchedResponse() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UnmatchedResponses++
}

// GetUptime returns the time since the metrics were created
func (m *Metrics) GetUptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return time.Since(m.startTime)
}

// Snapshot copies the current counters
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Snapshot{
		SessionsOpened:     m.SessionsOpened,
		SessionsLost:       m.SessionsLost,
		RequestsTotal:      m.RequestsTotal,
		ResponsesTotal:     m.ResponsesTotal,
		CommandErrorsTotal: m.CommandErrorsTotal,
		EventsTotal:        m.EventsTotal,
		DroppedLinesTotal:  m.DroppedLinesTotal,
		UnmatchedResponses: m.UnmatchedResponses,
		Uptime:             time.Since(m.startTime),
	}
}

// LogMetrics logs current metrics
func (m *Metrics) LogMetrics() {
	s := m.Snapshot()

	log.Info("IPC metrics uptime=%s sessions_opened=%d sessions_lost=%d requests_total=%d responses_total=%d command_errors_total=%d events_total=%d dropped_lines_total=%d unmatched_responses=%d",
		s.Uptime.String(),
		s.SessionsOpened,
		s.SessionsLost,
		s.RequestsTotal,
		s.ResponsesTotal,
		s.CommandErrorsTotal,
		s.EventsTotal,
		s.DroppedLinesTotal,
		s.UnmatchedResponses)
}
