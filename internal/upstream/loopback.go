package upstream

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Ensure Loopback implements Streamer.
var _ Streamer = (*Loopback)(nil)

// Loopback echoes the last user message back as a token stream. It stands in
// for the provider when no upstream is configured, so the full relay path can
// be exercised without network access.
type Loopback struct {
	// Delay between emitted deltas. Zero emits as fast as the consumer reads.
	Delay time.Duration
}

// NewLoopback creates a Loopback instance.
func NewLoopback(delay time.Duration) *Loopback {
	return &Loopback{Delay: delay}
}

// StreamCompletion fabricates a deterministic stream for testing the relay
// pipeline. The reply is the last user message split into word-sized deltas.
func (l *Loopback) StreamCompletion(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("upstream: no messages provided")
	}

	// find last user message; default to final message if none
	message := req.Messages[len(req.Messages)-1]
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.ToLower(req.Messages[i].Role) == "user" {
			message = req.Messages[i]
			break
		}
	}
	reply := "[loopback] " + strings.TrimSpace(message.Content)

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		words := strings.SplitAfter(reply, " ")
		for _, w := range words {
			if l.Delay > 0 {
				select {
				case <-time.After(l.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- StreamEvent{Delta: w}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
