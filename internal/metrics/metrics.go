package metrics

import (
	"sync"
	"time"
)

// Collector collects and exports metrics for Prometheus.
// This implementation uses manual metric tracking without external dependencies.
// For production, consider integrating prometheus/client_golang.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests      map[string]int64 // by endpoint
	totalRequestsDur   map[string]int64 // total duration in ms
	requestErrors      map[string]int64 // by endpoint
	requestsInProgress map[string]int64 // current in-flight requests

	// Stream outcome metrics
	streamOutcomes map[string]int64 // completed/cancelled/failed/timed_out
	chunksRelayed  int64
	charsRelayed   int64

	// Breaker metrics
	breakerRejections  int64            // fast-fail responses while open
	breakerTransitions map[string]int64 // flips by target state

	// Cancel endpoint metrics
	cancelRequests int64
	cancelMisses   int64 // session already gone (expected race)

	// System metrics
	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:      make(map[string]int64),
		totalRequestsDur:   make(map[string]int64),
		requestErrors:      make(map[string]int64),
		requestsInProgress: make(map[string]int64),
		streamOutcomes:     make(map[string]int64),
		breakerTransitions: make(map[string]int64),
		startTime:          time.Now(),
	}
}

// RecordRequest records a request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordError records an error for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[endpoint]++
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]++
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]--
}

// RecordStreamOutcome records the terminal state of one relay session.
func (c *Collector) RecordStreamOutcome(outcome string, chunks, chars int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.streamOutcomes[outcome]++
	c.chunksRelayed += chunks
	c.charsRelayed += chars
}

// RecordBreakerRejection records a request fast-failed while the breaker is open.
func (c *Collector) RecordBreakerRejection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.breakerRejections++
}

// RecordBreakerTransition records a breaker state flip.
func (c *Collector) RecordBreakerTransition(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.breakerTransitions[state]++
}

// RecordCancel records a cancel request; miss means the session was already gone.
func (c *Collector) RecordCancel(miss bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelRequests++
	if miss {
		c.cancelMisses++
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
type Snapshot struct {
	Uptime             int64
	TotalRequests      map[string]int64
	TotalRequestsDur   map[string]int64
	RequestErrors      map[string]int64
	RequestsInProgress map[string]int64
	StreamOutcomes     map[string]int64
	ChunksRelayed      int64
	CharsRelayed       int64
	BreakerRejections  int64
	BreakerTransitions map[string]int64
	CancelRequests     int64
	CancelMisses       int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:             int64(time.Since(c.startTime).Seconds()),
		TotalRequests:      copyMap(c.totalRequests),
		TotalRequestsDur:   copyMap(c.totalRequestsDur),
		RequestErrors:      copyMap(c.requestErrors),
		RequestsInProgress: copyMap(c.requestsInProgress),
		StreamOutcomes:     copyMap(c.streamOutcomes),
		ChunksRelayed:      c.chunksRelayed,
		CharsRelayed:       c.charsRelayed,
		BreakerRejections:  c.breakerRejections,
		BreakerTransitions: copyMap(c.breakerTransitions),
		CancelRequests:     c.cancelRequests,
		CancelMisses:       c.cancelMisses,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
