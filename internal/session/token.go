package session

import (
	"context"
	"sync"
)

// CancelReason records which trigger stopped a session first.
type CancelReason string

const (
	ReasonUserRequested    CancelReason = "user_requested"
	ReasonConnectionClosed CancelReason = "connection_closed"
	ReasonTimeout          CancelReason = "timeout"
	ReasonUpstreamError    CancelReason = "upstream_error"
)

// Token is the shared stop signal for one session. It wraps a cancellable
// context so the upstream HTTP transport aborts the socket, not just the read
// loop. The first Cancel call wins; the flag never reverts.
type Token struct {
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	reason    CancelReason
}

// NewToken derives a cancellable token from parent for the given session id.
func NewToken(parent context.Context, sessionID string) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{sessionID: sessionID, ctx: ctx, cancel: cancel}
}

// SessionID returns the session this token belongs to.
func (t *Token) SessionID() string { return t.sessionID }

// Context returns the cancellable context to attach to upstream calls.
func (t *Token) Context() context.Context { return t.ctx }

// Done exposes the underlying cancellation channel for select loops.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Cancel sets the cancelled flag with the given reason and aborts the
// underlying context. Only the first caller records its reason; the return
// value reports whether this call was the winner. Safe to race from the
// client-close, explicit-cancel, and timeout paths.
func (t *Token) Cancel(reason CancelReason) bool {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	t.reason = reason
	t.mu.Unlock()
	t.cancel()
	return true
}

// Cancelled reports whether the token has been cancelled.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Reason returns the winning cancellation reason, if any.
func (t *Token) Reason() (CancelReason, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason, t.cancelled
}

// Release aborts the context without marking a cancellation reason. Used on
// normal completion so the derived context never leaks.
func (t *Token) Release() { t.cancel() }
