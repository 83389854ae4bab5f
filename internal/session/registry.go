package session

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"
)

// State is a session lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// ErrDuplicateSession is returned by Start when the id is already active.
// The caller must pick a fresh id; the registry never silently reuses one.
var ErrDuplicateSession = errors.New("session: duplicate session id")

// maxLatencySamples bounds the per-session sample buffer used for percentile
// computation. Long sessions keep the most recent samples.
const maxLatencySamples = 512

// Session is one logical client request/response turn.
type Session struct {
	ID             string    `json:"id"`
	Role           string    `json:"role,omitempty"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitzero"`
	MessageCount   int       `json:"message_count"`
	TotalLatencyMs int64     `json:"total_latency_ms"`
	MaxLatencyMs   int64     `json:"max_latency_ms"`
	ErrorCount     int       `json:"error_count"`
	Flagged        bool      `json:"flagged,omitempty"`
	FlagReasons    []string  `json:"flag_reasons,omitempty"`

	latencySamples []int64
}

func (s *Session) clone() *Session {
	cp := *s
	cp.FlagReasons = append([]string(nil), s.FlagReasons...)
	cp.latencySamples = nil
	return &cp
}

// Metrics is an aggregate view over completed history plus active sessions.
type Metrics struct {
	Active       int     `json:"active"`
	Completed    int     `json:"completed"`
	Cancelled    int     `json:"cancelled"`
	Failed       int     `json:"failed"`
	TimedOut     int     `json:"timed_out"`
	Flagged      int     `json:"flagged"`
	SuccessRate  float64 `json:"success_rate"`
	ErrorRate    float64 `json:"error_rate"`
	LatencyP50Ms int64   `json:"latency_p50_ms"`
	LatencyP95Ms int64   `json:"latency_p95_ms"`
	LatencyP99Ms int64   `json:"latency_p99_ms"`
}

// Options configures a Registry.
type Options struct {
	Retention     time.Duration // completed-history retention (default 24h)
	MaxHistory    int           // completed-history size bound (default 1000)
	SweepInterval time.Duration // eviction cadence (default 10m)
	Logger        *log.Logger
}

// Registry is the in-memory table of active and recently completed sessions.
// It is the only structure mutated by concurrent relay instances; every
// mutation runs under one mutex and never does I/O while holding it.
type Registry struct {
	mu      sync.Mutex
	active  map[string]*Session
	tokens  map[string]*Token
	history []*Session

	retention  time.Duration
	maxHistory int
	logger     *log.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRegistry creates a registry and starts the background history sweep.
func NewRegistry(opts Options) *Registry {
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 1000
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Minute
	}
	r := &Registry{
		active:     make(map[string]*Session),
		tokens:     make(map[string]*Token),
		history:    nil,
		retention:  opts.Retention,
		maxHistory: opts.MaxHistory,
		logger:     opts.Logger,
		stop:       make(chan struct{}),
	}
	go r.sweepLoop(opts.SweepInterval)
	return r
}

// Close stops the background sweep.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Start creates a new active session in streaming state. Returns
// ErrDuplicateSession when id is already active.
func (r *Registry) Start(id, role string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[id]; exists {
		return nil, ErrDuplicateSession
	}
	s := &Session{
		ID:        id,
		Role:      role,
		State:     StateStreaming,
		StartedAt: time.Now().UTC(),
	}
	r.active[id] = s
	return s.clone(), nil
}

// RegisterToken associates the session's cancellation token so out-of-band
// cancel requests can resolve it by id. The registry holds only a lookup
// reference; End drops it.
func (r *Registry) RegisterToken(id string, t *Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[id]; exists {
		r.tokens[id] = t
	}
}

// Token resolves a live cancellation token by session id.
func (r *Registry) Token(id string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	return t, ok
}

// Update records a latency sample and optional error against an active
// session. Late calls after retirement are a no-op, not an error.
func (r *Registry) Update(id string, latencyMs int64, isError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[id]
	if !ok {
		return
	}
	s.MessageCount++
	if latencyMs > 0 {
		s.TotalLatencyMs += latencyMs
		if latencyMs > s.MaxLatencyMs {
			s.MaxLatencyMs = latencyMs
		}
		if len(s.latencySamples) >= maxLatencySamples {
			s.latencySamples = s.latencySamples[1:]
		}
		s.latencySamples = append(s.latencySamples, latencyMs)
	}
	if isError {
		s.ErrorCount++
	}
}

// Flag marks a session and appends a reason. Idempotent per distinct reason.
func (r *Registry) Flag(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[id]
	if !ok {
		return
	}
	for _, existing := range s.FlagReasons {
		if existing == reason {
			return
		}
	}
	s.Flagged = true
	s.FlagReasons = append(s.FlagReasons, reason)
}

// End retires a session into completed history with the given terminal
// outcome. Exactly one caller wins; the losing paths (client-close racing
// normal completion, or a late timeout) observe false and do nothing.
func (r *Registry) End(id string, outcome State) bool {
	if !outcome.Terminal() {
		outcome = StateFailed
	}
	r.mu.Lock()
	s, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.active, id)
	delete(r.tokens, id)
	s.State = outcome
	s.EndedAt = time.Now().UTC()
	r.history = append(r.history, s)
	if overflow := len(r.history) - r.maxHistory; overflow > 0 {
		r.history = append(r.history[:0:0], r.history[overflow:]...)
	}
	r.mu.Unlock()
	if r.logger != nil {
		r.logger.Printf("session.end id=%s outcome=%s messages=%d errors=%d", id, outcome, s.MessageCount, s.ErrorCount)
	}
	return true
}

// Get returns a snapshot of an active or recently completed session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.active[id]; ok {
		return s.clone(), true
	}
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].ID == id {
			return r.history[i].clone(), true
		}
	}
	return nil, false
}

// ActiveCount returns the number of in-flight sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Metrics aggregates counts, rates, and latency percentiles over the
// completed history inside the window plus currently active sessions.
func (r *Registry) Metrics(window time.Duration) Metrics {
	if window <= 0 {
		window = r.retention
	}
	cutoff := time.Now().UTC().Add(-window)

	r.mu.Lock()
	defer r.mu.Unlock()

	m := Metrics{Active: len(r.active)}
	var samples []int64
	terminal := 0
	for _, s := range r.history {
		if s.EndedAt.Before(cutoff) {
			continue
		}
		terminal++
		switch s.State {
		case StateCompleted:
			m.Completed++
		case StateCancelled:
			m.Cancelled++
		case StateFailed:
			m.Failed++
		case StateTimedOut:
			m.TimedOut++
		}
		if s.Flagged {
			m.Flagged++
		}
		samples = append(samples, s.latencySamples...)
	}
	for _, s := range r.active {
		if s.Flagged {
			m.Flagged++
		}
		samples = append(samples, s.latencySamples...)
	}
	if terminal > 0 {
		m.SuccessRate = float64(m.Completed) / float64(terminal)
		m.ErrorRate = float64(m.Failed) / float64(terminal)
	}
	if len(samples) > 0 {
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		m.LatencyP50Ms = percentile(samples, 50)
		m.LatencyP95Ms = percentile(samples, 95)
		m.LatencyP99Ms = percentile(samples, 99)
	}
	return m
}

// percentile expects sorted input.
func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*p + 99) / 100
	if idx > 0 {
		idx--
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (r *Registry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep evicts completed history entries older than the retention window.
func (r *Registry) sweep() {
	cutoff := time.Now().UTC().Add(-r.retention)
	r.mu.Lock()
	kept := r.history[:0]
	evicted := 0
	for _, s := range r.history {
		if s.EndedAt.Before(cutoff) {
			evicted++
			continue
		}
		kept = append(kept, s)
	}
	r.history = kept
	r.mu.Unlock()
	if evicted > 0 && r.logger != nil {
		r.logger.Printf("session.sweep evicted=%d", evicted)
	}
}
