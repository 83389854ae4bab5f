// Package relay bridges one upstream token stream to a client push channel
// while honoring cancellation, inactivity timeouts, and exactly-once session
// retirement.
package relay

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/chatrelay/chatrelay-gateway/internal/session"
	"github.com/chatrelay/chatrelay-gateway/internal/upstream"
)

// Validation errors, rejected before any session state is allocated.
var (
	ErrMissingSessionID = errors.New("relay: session id required")
	ErrMissingMessage   = errors.New("relay: message required")
)

// DefaultIdleTimeout is the inactivity window: no upstream byte within this
// window cancels the session with reason timeout. One value is applied
// uniformly to every streaming path.
const DefaultIdleTimeout = 120 * time.Second

// postProcessTimeout bounds the post-processing collaborator so it can never
// stall the final events.
const postProcessTimeout = 5 * time.Second

// PostProcessor transforms the accumulated response text before the final
// config/done events are sent.
type PostProcessor interface {
	Process(ctx context.Context, text, sessionID string) (string, error)
}

// TurnMeta accompanies a persisted turn.
type TurnMeta struct {
	SessionID     string
	Model         string
	RequestTimeMs int64
	Outcome       string
}

// TurnRecorder persists completed turns. Implementations are fire-and-forget;
// a failure must never fail the stream.
type TurnRecorder interface {
	SaveTurn(userID, prompt, response string, meta TurnMeta)
}

// Params describes one relay request.
type Params struct {
	SessionID string
	UserID    string
	Role      string
	Message   string
	History   []upstream.Message
	Model     string
}

// Options configures a Relay.
type Options struct {
	Upstream      upstream.Streamer
	Registry      *session.Registry
	PostProcessor PostProcessor // optional
	Turns         TurnRecorder  // optional
	Logger        *log.Logger
	Model         string // default model when the request names none
	MaxTokens     int
	IdleTimeout   time.Duration
	PingInterval  time.Duration // 0 disables keepalive pings
}

// Relay orchestrates individual sessions. All per-session state lives on the
// stack of Serve; concurrent sessions share only the registry and options.
type Relay struct {
	upstream     upstream.Streamer
	registry     *session.Registry
	post         PostProcessor
	turns        TurnRecorder
	logger       *log.Logger
	model        string
	maxTokens    int
	idleTimeout  time.Duration
	pingInterval time.Duration
}

// New creates a Relay.
func New(opts Options) *Relay {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Relay{
		upstream:     opts.Upstream,
		registry:     opts.Registry,
		post:         opts.PostProcessor,
		turns:        opts.Turns,
		logger:       opts.Logger,
		model:        opts.Model,
		maxTokens:    opts.MaxTokens,
		idleTimeout:  opts.IdleTimeout,
		pingInterval: opts.PingInterval,
	}
}

// Serve runs one session to a terminal state. Validation and duplicate-id
// errors are returned before any event is written; once streaming begins,
// failures are reported on the event writer and the terminal state is
// returned. ctx is the client connection context: its cancellation is the
// connection-closed trigger.
func (r *Relay) Serve(ctx context.Context, w EventWriter, p Params) (session.State, error) {
	if strings.TrimSpace(p.SessionID) == "" {
		return "", ErrMissingSessionID
	}
	if strings.TrimSpace(p.Message) == "" {
		return "", ErrMissingMessage
	}
	role := p.Role
	if role == "" {
		role = "user"
	}
	if _, err := r.registry.Start(p.SessionID, role); err != nil {
		return "", err
	}

	// The token is rooted in the background, not the request context, so the
	// winning trigger is always recorded with its reason. The watcher below
	// maps transport-level disconnect onto the token.
	token := session.NewToken(context.Background(), p.SessionID)
	defer token.Release()
	r.registry.RegisterToken(p.SessionID, token)

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			token.Cancel(session.ReasonConnectionClosed)
		case <-watchDone:
		}
	}()

	start := time.Now()
	model := p.Model
	if model == "" {
		model = r.model
	}
	req := upstream.Request{
		Model:     model,
		Messages:  append(append([]upstream.Message(nil), p.History...), upstream.Message{Role: "user", Content: p.Message}),
		MaxTokens: r.maxTokens,
	}

	ch, err := r.upstream.StreamCompletion(token.Context(), req)
	if err != nil {
		// Failure before the first byte: surface as error + done, no partial
		// content exists to preserve.
		r.registry.Update(p.SessionID, 0, true)
		elapsed := time.Since(start).Milliseconds()
		_ = w.WriteEvent(Error(err.Error(), "upstream_unavailable"))
		_ = w.WriteEvent(Done(DonePayload{Completed: false, RequestTimeMs: elapsed, Error: true}))
		r.registry.End(p.SessionID, session.StateFailed)
		r.logf("relay.failed session=%s stage=connect err=%v", p.SessionID, err)
		return session.StateFailed, nil
	}

	var acc strings.Builder
	lastFrame := time.Now()
	idle := time.NewTimer(r.idleTimeout)
	defer idle.Stop()
	idleC := idle.C

	var pingC <-chan time.Time
	if r.pingInterval > 0 {
		ping := time.NewTicker(r.pingInterval)
		defer ping.Stop()
		pingC = ping.C
	}

	var streamErr error
loop:
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				break loop // upstream completed normally
			}
			if ev.Err != nil {
				if token.Cancelled() || errors.Is(ev.Err, context.Canceled) || errors.Is(ev.Err, context.DeadlineExceeded) {
					break loop
				}
				streamErr = ev.Err
				break loop
			}
			now := time.Now()
			r.registry.Update(p.SessionID, now.Sub(lastFrame).Milliseconds(), false)
			lastFrame = now
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.idleTimeout)
			idleC = idle.C
			if token.Cancelled() {
				continue // no chunk emission after cancellation
			}
			acc.WriteString(ev.Delta)
			if err := w.WriteEvent(Chunk(ev.Delta)); err != nil {
				token.Cancel(session.ReasonConnectionClosed)
			}
		case <-idleC:
			token.Cancel(session.ReasonTimeout)
			idleC = nil // timer is spent; the token now drives shutdown
		case <-token.Done():
			break loop
		case <-pingC:
			if err := w.Ping(); err != nil {
				token.Cancel(session.ReasonConnectionClosed)
			}
		}
	}

	elapsed := time.Since(start).Milliseconds()

	if reason, cancelled := token.Reason(); cancelled {
		// The upstream goroutine exits on its cancelled context; drain so it
		// never blocks on a full channel.
		go func() {
			for range ch {
			}
		}()
		outcome := session.StateCancelled
		if reason == session.ReasonTimeout {
			outcome = session.StateTimedOut
		}
		_ = w.WriteEvent(Stopped(string(reason)))
		_ = w.WriteEvent(Done(DonePayload{Completed: false, RequestTimeMs: elapsed}))
		r.registry.End(p.SessionID, outcome)
		r.logf("relay.stopped session=%s reason=%s chars=%d elapsed_ms=%d", p.SessionID, reason, acc.Len(), elapsed)
		return outcome, nil
	}

	if streamErr != nil {
		// Partial content was already forwarded as chunks; report the error
		// and still close out with done so nothing the client saw is wiped.
		r.registry.Update(p.SessionID, 0, true)
		r.registry.Flag(p.SessionID, "upstream_stream_error")
		_ = w.WriteEvent(Error(streamErr.Error(), "upstream_error"))
		_ = w.WriteEvent(Done(DonePayload{Completed: false, RequestTimeMs: elapsed, Error: true}))
		r.registry.End(p.SessionID, session.StateFailed)
		r.logf("relay.failed session=%s stage=stream err=%v chars=%d", p.SessionID, streamErr, acc.Len())
		return session.StateFailed, nil
	}

	text := acc.String()
	if r.post != nil {
		pctx, cancel := context.WithTimeout(context.Background(), postProcessTimeout)
		processed, perr := r.post.Process(pctx, text, p.SessionID)
		cancel()
		if perr != nil {
			r.logf("relay.postprocess session=%s err=%v", p.SessionID, perr)
		} else {
			text = processed
		}
	}

	_ = w.WriteEvent(Config(ConfigPayload{
		Model:         model,
		SessionID:     p.SessionID,
		RequestTimeMs: elapsed,
		TokenEstimate: estimateTokens(text),
	}))
	_ = w.WriteEvent(Done(DonePayload{Completed: true, RequestTimeMs: elapsed}))

	if r.turns != nil {
		r.turns.SaveTurn(p.UserID, p.Message, text, TurnMeta{
			SessionID:     p.SessionID,
			Model:         model,
			RequestTimeMs: elapsed,
			Outcome:       string(session.StateCompleted),
		})
	}
	r.registry.End(p.SessionID, session.StateCompleted)
	r.logf("relay.completed session=%s chars=%d elapsed_ms=%d", p.SessionID, len(text), elapsed)
	return session.StateCompleted, nil
}

// Cancel resolves a session id to its live token and cancels it with reason
// user_requested. A missing token means the session already completed; that
// race is expected and reported as not-found, not as an error.
func (r *Relay) Cancel(sessionID string) bool {
	token, ok := r.registry.Token(sessionID)
	if !ok {
		return false
	}
	won := token.Cancel(session.ReasonUserRequested)
	r.logf("relay.cancel session=%s won=%v", sessionID, won)
	return true
}

func (r *Relay) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// estimateTokens approximates tokens from text length (4 chars ~ 1 token).
func estimateTokens(text string) int {
	return len(text)/4 + 1
}
